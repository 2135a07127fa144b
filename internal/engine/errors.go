package engine

import (
	"errors"
	"fmt"
)

// Protocol error codes returned in NACK responses.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeOfferNotFound        = "OFFER_NOT_FOUND"
	CodeItemNotFound         = "ITEM_NOT_FOUND"
	CodeOrderNotFound        = "ORDER_NOT_FOUND"
	CodeCaseNotFound         = "CASE_NOT_FOUND"
	CodeInsufficientQuantity = "INSUFFICIENT_QUANTITY"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ProtoError is a business failure surfaced to the protocol layer as a NACK.
type ProtoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtoError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a ProtoError with a formatted message.
func Errf(code, format string, args ...any) *ProtoError {
	return &ProtoError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol error code from an error chain, defaulting to
// INTERNAL_ERROR for anything that is not a ProtoError.
func CodeOf(err error) string {
	var pe *ProtoError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}
