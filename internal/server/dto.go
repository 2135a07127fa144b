package server

import (
	"errors"

	"voltgrid/internal/domain"
	"voltgrid/internal/engine"
)

// Envelope is the wire shape of every inbound protocol request: a routing
// context plus an action-specific message.
type Envelope[T any] struct {
	Context engine.Context `json:"context"`
	Message T              `json:"message"`
}

// EmptyMessage is the message body of actions that carry no payload beyond
// the context (confirm, cancel, status).
type EmptyMessage struct{}

type AcceptVerificationMessage struct {
	CaseID string `json:"case_id,omitempty"`
}

type ackStatus struct {
	Status string `json:"status" enum:"ACK,NACK"`
}

type ackMessage struct {
	Ack ackStatus `json:"ack"`
}

// ackBody is the synchronous protocol response. The HTTP status is always
// 200; business failures ride in the NACK error.
type ackBody struct {
	Message ackMessage         `json:"message"`
	Error   *engine.ProtoError `json:"error,omitempty"`
}

func ack() ackBody {
	return ackBody{Message: ackMessage{Ack: ackStatus{Status: "ACK"}}}
}

func nack(err error) ackBody {
	var pe *engine.ProtoError
	if !errors.As(err, &pe) {
		pe = engine.Errf(engine.CodeInternalError, "internal error")
	}
	return ackBody{Message: ackMessage{Ack: ackStatus{Status: "NACK"}}, Error: pe}
}

type CreateProviderRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type PublishOfferRequest struct {
	ID         string             `json:"id,omitempty"`
	ItemID     string             `json:"item_id,omitempty"`
	ProviderID string             `json:"provider_id"`
	Price      float64            `json:"price" minimum:"0"`
	Currency   string             `json:"currency,omitempty"`
	Quantity   int                `json:"quantity" minimum:"1"`
	Window     *domain.TimeWindow `json:"time_window,omitempty"`
}
