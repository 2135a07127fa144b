// Package server exposes the voltgrid HTTP surface: open protocol endpoints
// under /bpp answering synchronous ACK/NACK envelopes, and authenticated
// dashboard read APIs under the base path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"voltgrid/internal/domain"
	"voltgrid/internal/engine"
	"voltgrid/internal/ledger"
	"voltgrid/internal/repo"
)

const protocolBasePath = "/bpp"

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"order not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the dashboard error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the voltgrid API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Voltgrid API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	protocol := huma.NewGroup(api, protocolBasePath)
	registerProtocol(protocol, cfg.Engine)

	dashboard := huma.NewGroup(api, basePath)
	registerHealth(dashboard)
	registerProviders(dashboard, cfg.Engine)
	registerOffers(dashboard, cfg.Engine)
	registerOrders(dashboard, cfg.Engine)
	registerEvents(dashboard, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *engine.ProtoError
	if errors.As(err, &pe) {
		switch pe.Code {
		case engine.CodeOfferNotFound, engine.CodeItemNotFound, engine.CodeOrderNotFound, engine.CodeCaseNotFound:
			return newAPIError(http.StatusNotFound, "not_found", pe.Message, nil)
		case engine.CodeInsufficientQuantity:
			return newAPIError(http.StatusConflict, "insufficient_quantity", pe.Message, nil)
		case engine.CodeInvalidRequest:
			return newAPIError(http.StatusBadRequest, "bad_request", pe.Message, nil)
		default:
			return newAPIError(http.StatusInternalServerError, "internal_error", pe.Message, nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// registerAction wires one protocol POST. The handler always answers HTTP 200:
// business failures travel as NACK envelopes, not HTTP errors.
func registerAction[T any](api huma.API, action string, fn func(ctx context.Context, pctx engine.Context, msg T) error) {
	huma.Register(api, huma.Operation{
		OperationID: "bpp-" + action,
		Method:      http.MethodPost,
		Path:        "/" + action,
		Summary:     "Protocol action " + action,
	}, func(ctx context.Context, input *struct {
		Body Envelope[T] `json:"body"`
	}) (*struct {
		Body ackBody `json:"body"`
	}, error) {
		pctx := input.Body.Context
		pctx.Action = action
		out := &struct {
			Body ackBody `json:"body"`
		}{}
		if err := fn(ctx, pctx, input.Body.Message); err != nil {
			out.Body = nack(err)
			return out, nil
		}
		out.Body = ack()
		return out, nil
	})
}

func registerProtocol(api huma.API, e *engine.Engine) {
	registerAction(api, "select", func(ctx context.Context, pctx engine.Context, msg engine.SelectRequest) error {
		_, err := e.Select(ctx, pctx, msg)
		return err
	})
	registerAction(api, "init", func(ctx context.Context, pctx engine.Context, msg engine.InitRequest) error {
		_, err := e.Init(ctx, pctx, msg)
		return err
	})
	registerAction(api, "confirm", func(ctx context.Context, pctx engine.Context, _ EmptyMessage) error {
		_, err := e.Confirm(ctx, pctx)
		return err
	})
	registerAction(api, "cancel", func(ctx context.Context, pctx engine.Context, _ EmptyMessage) error {
		_, err := e.Cancel(ctx, pctx)
		return err
	})
	registerAction(api, "status", func(ctx context.Context, pctx engine.Context, _ EmptyMessage) error {
		_, err := e.Status(ctx, pctx)
		return err
	})
	registerAction(api, "verification_start", func(ctx context.Context, pctx engine.Context, msg engine.VerificationStartRequest) error {
		_, err := e.VerificationStart(ctx, pctx, msg)
		return err
	})
	registerAction(api, "submit_proofs", func(ctx context.Context, pctx engine.Context, msg engine.SubmitProofsRequest) error {
		_, err := e.SubmitProofs(ctx, pctx, msg)
		return err
	})
	registerAction(api, "accept_verification", func(ctx context.Context, pctx engine.Context, msg AcceptVerificationMessage) error {
		_, err := e.AcceptVerification(ctx, pctx, msg.CaseID)
		return err
	})
	registerAction(api, "reject_verification", func(ctx context.Context, pctx engine.Context, msg engine.RejectVerificationRequest) error {
		_, err := e.RejectVerification(ctx, pctx, msg)
		return err
	})
	registerAction(api, "settlement_start", func(ctx context.Context, pctx engine.Context, msg engine.SettlementStartRequest) error {
		_, err := e.SettlementStart(ctx, pctx, msg)
		return err
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProviders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-provider",
		Method:        http.MethodPost,
		Path:          "/providers",
		Summary:       "Register provider",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProviderRequest `json:"body"`
	}) (*struct {
		Body domain.Provider `json:"body"`
	}, error) {
		p, err := e.RegisterProvider(ctx, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Provider `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List providers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Provider `json:"body"`
	}, error) {
		items, err := e.Repo.ListProviders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Provider `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "provider-orders",
		Method:      http.MethodGet,
		Path:        "/providers/{id}/orders",
		Summary:     "Orders by provider",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrdersByProvider(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: items}, nil
	})
}

func registerOffers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-offer",
		Method:        http.MethodPost,
		Path:          "/offers",
		Summary:       "Publish offer and mint blocks",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body PublishOfferRequest `json:"body"`
	}) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		offer, err := e.PublishOffer(ctx, engine.OfferPublishOptions{
			ID:         input.Body.ID,
			ItemID:     input.Body.ItemID,
			ProviderID: input.Body.ProviderID,
			Price:      domain.Money{Value: input.Body.Price, Currency: input.Body.Currency},
			Quantity:   input.Body.Quantity,
			Window:     input.Body.Window,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: offer}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/offers",
		Summary:     "List offers",
	}, func(ctx context.Context, input *struct {
		ProviderID string `query:"provider_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Offer `json:"body"`
	}, error) {
		items, err := e.Repo.ListOffers(ctx, repo.OfferFilters{
			ProviderID: input.ProviderID,
			Status:     input.Status,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Offer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "match-offers",
		Method:      http.MethodGet,
		Path:        "/offers/match",
		Summary:     "Preview ranked offers for a criteria query",
	}, func(ctx context.Context, input *struct {
		Quantity int     `query:"quantity" minimum:"1"`
		MaxPrice float64 `query:"max_price"`
		Bulk     bool    `query:"bulk"`
	}) (*struct {
		Body engine.SelectResult `json:"body"`
	}, error) {
		req := engine.SelectRequest{
			RequestedQuantity: input.Quantity,
			Bulk:              input.Bulk,
		}
		if input.MaxPrice > 0 {
			req.MaxPrice = &input.MaxPrice
		}
		res, err := e.Match(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SelectResult `json:"body"`
		}{Body: *res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "offer-blocks",
		Method:      http.MethodGet,
		Path:        "/offers/{id}/blocks",
		Summary:     "Block status census for an offer",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ledger.Stats `json:"body"`
	}, error) {
		if _, err := e.Repo.GetOffer(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Ledger.BlockStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerOrders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List all orders",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get order",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		order, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: order}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	type paginatedEvents struct {
		Items      []domain.ProtocolEvent `json:"items"`
		NextCursor int64                  `json:"next_cursor,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Protocol event log tail",
	}, func(ctx context.Context, input *struct {
		TransactionID string `query:"transaction_id"`
		Action        string `query:"action"`
		Direction     string `query:"direction" enum:"INBOUND,OUTBOUND,"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			TransactionID: input.TransactionID,
			Action:        input.Action,
			Direction:     input.Direction,
			Limit:         input.Limit,
			Cursor:        input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: items}
		if n := len(items); n > 0 && input.Limit > 0 && n == input.Limit {
			resp.NextCursor = items[n-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
