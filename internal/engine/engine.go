// Package engine is the protocol state machine. It accepts inbound actions,
// validates them against the block ledger and matching results, persists
// order/verification/settlement records, and schedules outbound callbacks.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"voltgrid/internal/config"
	"voltgrid/internal/domain"
	"voltgrid/internal/events"
	"voltgrid/internal/ledger"
	"voltgrid/internal/matching"
	"voltgrid/internal/repo"
	"voltgrid/internal/scheduler"
)

// Context identifies one inbound protocol message.
type Context struct {
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Action        string `json:"action,omitempty"`
	BapURI        string `json:"bap_uri,omitempty"`
	Timestamp     string `json:"timestamp,omitempty" format:"date-time"`
}

// CallbackSender delivers an asynchronous on_<action> message to a BAP.
// Delivery failure must not affect already-committed local state.
type CallbackSender interface {
	Send(ctx context.Context, bapURI string, cbCtx Context, payload any) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Ledger    *ledger.Ledger
	Events    events.Writer
	Config    *config.Config
	Sched     *scheduler.Scheduler
	Callbacks CallbackSender
	Now       func() time.Time

	inflight *scheduler.InFlight
}

func New(db *sql.DB, cfg *config.Config, sched *scheduler.Scheduler, callbacks CallbackSender) *Engine {
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Ledger:    ledger.New(db),
		Config:    cfg,
		Sched:     sched,
		Callbacks: callbacks,
		Now:       time.Now,
		inflight:  scheduler.NewInFlight(),
	}
	// the ledger and event writer stamp rows with the engine clock
	e.Ledger.Now = e.now
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// begin runs the duplicate-suppression checks shared by every inbound action.
// A duplicate message is answered with the original positive acknowledgment
// and performs no further work. done must be called once processing ends.
func (e *Engine) begin(ctx context.Context, pctx Context) (dup bool, done func(), err error) {
	if pctx.TransactionID == "" || pctx.MessageID == "" {
		return false, nil, Errf(CodeInvalidRequest, "context requires transaction_id and message_id")
	}
	if !e.inflight.Add(pctx.MessageID) {
		return true, nil, nil
	}
	release := func() { e.inflight.Remove(pctx.MessageID) }
	seen, err := e.Repo.SeenInboundMessage(ctx, pctx.MessageID)
	if err != nil {
		release()
		return false, nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		release()
		return true, nil, nil
	}
	return false, release, nil
}

// recordInbound appends the inbound event in its own transaction, for actions
// whose processing carries no other mutation.
func (e *Engine) recordInbound(ctx context.Context, pctx Context, payload any) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// dispatch schedules the asynchronous on_<action> callback. The OUTBOUND event
// is appended before the POST; delivery failures are logged and never unwind
// local state.
func (e *Engine) dispatch(pctx Context, action string, payload any) {
	e.Sched.Schedule(e.Config.CallbackDelay(), func() {
		ctx := context.Background()
		messageID := uuid.New().String()
		if err := e.Events.Outbound(ctx, pctx.TransactionID, messageID, action, payload); err != nil {
			log.Printf("append outbound event %s for %s: %v", action, pctx.TransactionID, err)
			return
		}
		if e.Callbacks == nil || pctx.BapURI == "" {
			return
		}
		cbCtx := Context{
			TransactionID: pctx.TransactionID,
			MessageID:     messageID,
			Action:        action,
			Timestamp:     e.ts(),
		}
		if err := e.Callbacks.Send(ctx, pctx.BapURI, cbCtx, payload); err != nil {
			log.Printf("callback %s to %s failed: %v", action, pctx.BapURI, err)
		}
	})
}

func (e *Engine) matchingConfig() matching.Config {
	m := e.Config.Matching
	return matching.Config{
		Weights: matching.Weights{
			Price:      m.Weights.Price,
			Trust:      m.Weights.Trust,
			TimeWindow: m.Weights.TimeWindow,
		},
		MinTrustThreshold: m.MinTrustThreshold,
		DefaultTrustScore: m.DefaultTrustScore,
		PriceScoreFloor:   m.PriceScoreFloor,
	}
}

// OfferPublishOptions are parameters for publishing a new offer.
type OfferPublishOptions struct {
	ID         string
	ItemID     string
	ProviderID string
	Price      domain.Money
	Quantity   int
	Window     *domain.TimeWindow
}

// PublishOffer creates the offer row and mints its blocks, one per unit of
// quantity, in a single transaction.
func (e *Engine) PublishOffer(ctx context.Context, opts OfferPublishOptions) (domain.Offer, error) {
	if opts.ProviderID == "" {
		return domain.Offer{}, errors.New("provider is required")
	}
	if opts.Quantity <= 0 {
		return domain.Offer{}, fmt.Errorf("quantity must be positive, got %d", opts.Quantity)
	}
	if opts.Price.Value <= 0 {
		return domain.Offer{}, fmt.Errorf("price must be positive, got %v", opts.Price.Value)
	}
	if _, err := e.Repo.GetProvider(ctx, opts.ProviderID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Offer{}, fmt.Errorf("provider %s not found", opts.ProviderID)
		}
		return domain.Offer{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	itemID := opts.ItemID
	if itemID == "" {
		itemID = "item-" + id
	}
	currency := opts.Price.Currency
	if currency == "" {
		currency = "INR"
	}
	now := e.ts()
	offer := domain.Offer{
		ID:                id,
		ItemID:            itemID,
		ProviderID:        opts.ProviderID,
		Price:             domain.Money{Value: opts.Price.Value, Currency: currency},
		MaxQuantity:       opts.Quantity,
		AvailableQuantity: opts.Quantity,
		Window:            opts.Window,
		Status:            "published",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOfferTx(ctx, tx, offer); err != nil {
		return domain.Offer{}, fmt.Errorf("insert offer: %w", err)
	}
	if err := e.Ledger.CreateBlocksTx(ctx, tx, offer.ID, offer.MaxQuantity); err != nil {
		return domain.Offer{}, fmt.Errorf("mint blocks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return offer, nil
}

// RegisterProvider adds a provider to the registry the matching engine reads
// trust scores from. New providers start at the configured default trust.
func (e *Engine) RegisterProvider(ctx context.Context, id, name string) (domain.Provider, error) {
	if name == "" {
		return domain.Provider{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := e.ts()
	p := domain.Provider{
		ID:         id,
		Name:       name,
		TrustScore: e.Config.Matching.DefaultTrustScore,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertProvider(ctx, p); err != nil {
		return domain.Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	return p, nil
}
