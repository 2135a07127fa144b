package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"voltgrid/internal/domain"
	"voltgrid/internal/matching"
	"voltgrid/internal/repo"
)

// SelectRequest is the buyer's discovery criteria. With Bulk set the requested
// quantity is treated as a total to be combined across offers; otherwise it is
// a per-offer requirement.
type SelectRequest struct {
	RequestedQuantity int                `json:"requested_quantity" minimum:"1"`
	Window            *domain.TimeWindow `json:"time_window,omitempty"`
	MaxPrice          *float64           `json:"max_price,omitempty"`
	Bulk              bool               `json:"bulk,omitempty"`
}

// SelectResult ranks the candidate offers and, for bulk requests, the greedy
// combination covering the target quantity.
type SelectResult struct {
	Match matching.Result         `json:"match"`
	Bulk  *matching.BulkSelection `json:"bulk_selection,omitempty"`
}

// Select ranks published offers against the criteria. Duplicate messages
// return (nil, nil): same ACK, no further work.
func (e *Engine) Select(ctx context.Context, pctx Context, req SelectRequest) (*SelectResult, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	res, err := e.Match(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.recordInbound(ctx, pctx, req); err != nil {
		return nil, err
	}
	e.dispatch(pctx, "on_select", res)
	return res, nil
}

// Match runs the ranking without protocol bookkeeping. The dashboard uses it
// to preview what a select would return.
func (e *Engine) Match(ctx context.Context, req SelectRequest) (*SelectResult, error) {
	if req.RequestedQuantity <= 0 {
		return nil, Errf(CodeInvalidRequest, "requested_quantity must be positive")
	}

	offers, err := e.Repo.ListOffers(ctx, repo.OfferFilters{Status: "published"})
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	providers, err := e.Repo.ProvidersByID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	criteria := matching.Criteria{
		RequestedQuantity: req.RequestedQuantity,
		Window:            req.Window,
		MaxPrice:          req.MaxPrice,
	}
	res := &SelectResult{}
	if req.Bulk {
		// Per-offer eligibility is quantity 1; the target is covered by
		// combining offers, not by any single one.
		criteria.RequestedQuantity = 1
		res.Match = matching.MatchOffers(offers, providers, criteria, e.matchingConfig())
		counts, err := e.Ledger.AvailableCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("live availability: %w", err)
		}
		sel := matching.SelectOffersForBulk(res.Match.Offers, req.RequestedQuantity, e.Config.Matching.MaxBulkOffers, counts)
		res.Bulk = &sel
	} else {
		res.Match = matching.MatchOffers(offers, providers, criteria, e.matchingConfig())
	}
	return res, nil
}

// InitItem is one requested order line.
type InitItem struct {
	OfferID  string `json:"offer_id,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Quantity int    `json:"quantity" minimum:"1"`
}

type InitRequest struct {
	Items []InitItem `json:"items"`
}

// Init validates the requested quantities against live block availability,
// claims blocks, and persists the order in PENDING. An insufficient claim is
// fully released and surfaced as INSUFFICIENT_QUANTITY with no order created.
func (e *Engine) Init(ctx context.Context, pctx Context, req InitRequest) (*domain.Order, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	if len(req.Items) == 0 {
		return nil, Errf(CodeInvalidRequest, "at least one item is required")
	}
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, Errf(CodeInvalidRequest, "item quantity must be positive")
		}
		if line.OfferID == "" && line.ItemID == "" {
			return nil, Errf(CodeInvalidRequest, "item requires offer_id or item_id")
		}
	}
	if _, err := e.Repo.GetOrderByTransaction(ctx, pctx.TransactionID); err == nil {
		return nil, Errf(CodeInvalidRequest, "order already exists for transaction %s", pctx.TransactionID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	orderID := uuid.New().String()
	var items []domain.OrderItem
	totalQty := 0
	totalPrice := 0.0
	currency := ""
	providerID := ""
	for _, line := range req.Items {
		offer, err := e.resolveOffer(ctx, line)
		if err != nil {
			e.release(pctx.TransactionID)
			return nil, err
		}
		claimed, err := e.Ledger.ClaimBlocks(ctx, offer.ID, line.Quantity, orderID, pctx.TransactionID)
		if err != nil {
			e.release(pctx.TransactionID)
			return nil, fmt.Errorf("claim blocks for offer %s: %w", offer.ID, err)
		}
		if len(claimed) < line.Quantity {
			e.release(pctx.TransactionID)
			return nil, Errf(CodeInsufficientQuantity, "offer %s has %d of %d requested blocks available", offer.ID, len(claimed), line.Quantity)
		}
		sub := float64(line.Quantity) * offer.Price.Value
		items = append(items, domain.OrderItem{
			OfferID:   offer.ID,
			ItemID:    offer.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: offer.Price,
			Subtotal:  sub,
		})
		totalQty += line.Quantity
		totalPrice += sub
		if currency == "" {
			currency = offer.Price.Currency
		}
		if providerID == "" {
			providerID = offer.ProviderID
		}
	}

	now := e.ts()
	order := domain.Order{
		ID:            orderID,
		TransactionID: pctx.TransactionID,
		Status:        domain.OrderPending,
		ProviderID:    providerID,
		Items:         items,
		Quote: domain.Quote{
			TotalQuantity: totalQty,
			Price:         domain.Money{Value: totalPrice, Currency: currency},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.release(pctx.TransactionID)
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrderTx(ctx, tx, order); err != nil {
		e.release(pctx.TransactionID)
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, req); err != nil {
		e.release(pctx.TransactionID)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		e.release(pctx.TransactionID)
		return nil, err
	}

	e.dispatch(pctx, "on_init", order)
	return &order, nil
}

func (e *Engine) resolveOffer(ctx context.Context, line InitItem) (domain.Offer, error) {
	if line.OfferID != "" {
		offer, err := e.Repo.GetOffer(ctx, line.OfferID)
		if errors.Is(err, repo.ErrNotFound) {
			return offer, Errf(CodeOfferNotFound, "offer %s not found", line.OfferID)
		}
		return offer, err
	}
	offer, err := e.Repo.GetOfferByItem(ctx, line.ItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return offer, Errf(CodeItemNotFound, "item %s not found", line.ItemID)
	}
	return offer, err
}

func (e *Engine) release(transactionID string) {
	if err := e.Ledger.ReleaseBlocks(context.Background(), transactionID); err != nil {
		log.Printf("release blocks for %s: %v", transactionID, err)
	}
}

// Confirm transitions the order PENDING -> ACTIVE exactly once: reserved
// blocks flip to SOLD and the item-level counters drop by the actual claimed
// quantity. A repeat confirm on an ACTIVE order mutates nothing but still
// answers the callback.
func (e *Engine) Confirm(ctx context.Context, pctx Context) (*domain.Order, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	order, err := e.Repo.GetOrderByTransaction(ctx, pctx.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, Errf(CodeOrderNotFound, "no order for transaction %s", pctx.TransactionID)
	}
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case domain.OrderActive:
		if err := e.recordInbound(ctx, pctx, nil); err != nil {
			return nil, err
		}
		e.dispatch(pctx, "on_confirm", order)
		return &order, nil
	case domain.OrderPending:
		// proceed
	default:
		return nil, Errf(CodeInvalidRequest, "cannot confirm a %s order", order.Status)
	}

	reserved, err := e.Ledger.ReservedQuantityByOffer(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reserved quantities: %w", err)
	}

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	moved, err := e.Repo.AdvanceOrderStatusTx(ctx, tx, order.ID, domain.OrderPending, domain.OrderActive, now)
	if err != nil {
		return nil, fmt.Errorf("activate order: %w", err)
	}
	if !moved {
		// a concurrent confirm won between the pre-check and this update
		tx.Rollback()
		current, err := e.Repo.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.OrderActive {
			return nil, Errf(CodeInvalidRequest, "cannot confirm a %s order", current.Status)
		}
		if err := e.recordInbound(ctx, pctx, nil); err != nil {
			return nil, err
		}
		e.dispatch(pctx, "on_confirm", current)
		return &current, nil
	}
	if err := e.Ledger.MarkBlocksSoldTx(ctx, tx, order.ID); err != nil {
		return nil, fmt.Errorf("mark blocks sold: %w", err)
	}
	for offerID, qty := range reserved {
		if err := e.Repo.DecrementOfferAvailableTx(ctx, tx, offerID, qty, now); err != nil {
			return nil, fmt.Errorf("decrement offer %s: %w", offerID, err)
		}
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.Status = domain.OrderActive
	order.UpdatedAt = now
	e.dispatch(pctx, "on_confirm", order)
	return &order, nil
}

// Cancel aborts a PENDING order: status flips to CANCELLED, reserved blocks go
// back to AVAILABLE, and the provider takes a failed-order trust update.
// Cancelling an already-CANCELLED order is a no-op.
func (e *Engine) Cancel(ctx context.Context, pctx Context) (*domain.Order, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	order, err := e.Repo.GetOrderByTransaction(ctx, pctx.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, Errf(CodeOrderNotFound, "no order for transaction %s", pctx.TransactionID)
	}
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case domain.OrderCancelled:
		if err := e.recordInbound(ctx, pctx, nil); err != nil {
			return nil, err
		}
		e.dispatch(pctx, "on_cancel", order)
		return &order, nil
	case domain.OrderPending:
		// proceed
	default:
		return nil, Errf(CodeInvalidRequest, "cannot cancel a %s order", order.Status)
	}

	provider, err := e.Repo.GetProvider(ctx, order.ProviderID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	haveProvider := err == nil

	now := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	moved, err := e.Repo.AdvanceOrderStatusTx(ctx, tx, order.ID, domain.OrderPending, domain.OrderCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if !moved {
		// a concurrent cancel or confirm won between the pre-check and this update
		tx.Rollback()
		current, err := e.Repo.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.OrderCancelled {
			return nil, Errf(CodeInvalidRequest, "cannot cancel a %s order", current.Status)
		}
		if err := e.recordInbound(ctx, pctx, nil); err != nil {
			return nil, err
		}
		e.dispatch(pctx, "on_cancel", current)
		return &current, nil
	}
	if haveProvider {
		provider = matching.ApplyOrderOutcome(provider, false)
		provider.UpdatedAt = now
		if err := e.Repo.UpdateProviderTrustTx(ctx, tx, provider); err != nil {
			return nil, fmt.Errorf("update provider trust: %w", err)
		}
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.release(pctx.TransactionID)
	order.Status = domain.OrderCancelled
	order.UpdatedAt = now
	e.dispatch(pctx, "on_cancel", order)
	return &order, nil
}

// StatusResult is the read-only order status answer.
type StatusResult struct {
	Order  domain.Order   `json:"order"`
	Blocks []domain.Block `json:"blocks,omitempty"`
}

// Status answers in any order state without mutation beyond the event log.
func (e *Engine) Status(ctx context.Context, pctx Context) (*StatusResult, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	order, err := e.Repo.GetOrderByTransaction(ctx, pctx.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, Errf(CodeOrderNotFound, "no order for transaction %s", pctx.TransactionID)
	}
	if err != nil {
		return nil, err
	}
	blocks, err := e.Ledger.BlocksForOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	res := &StatusResult{Order: order, Blocks: blocks}

	if err := e.recordInbound(ctx, pctx, nil); err != nil {
		return nil, err
	}
	e.dispatch(pctx, "on_status", res)
	return res, nil
}
