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

// The settlement penalty thresholds are deliberately distinct from the
// verification tolerance rule; the two deviation cutoffs are separate knobs
// pending product clarification.
const (
	settlementDeviationCutoffPercent = 5.0
	settlementPenaltyRate            = 0.05
)

type SettlementStartRequest struct {
	CaseID         string `json:"case_id,omitempty"`
	SettlementType string `json:"settlement_type,omitempty"`
}

// SettlementStart computes the payout from the verified delivery and creates
// the settlement INITIATED. The record then progresses unattended through
// PENDING to SETTLED after the configured delays; at SETTLED the order
// completes and the provider takes a successful-order trust update.
func (e *Engine) SettlementStart(ctx context.Context, pctx Context, req SettlementStartRequest) (*domain.Settlement, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	vc, err := e.resolveCase(ctx, pctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if vc.DeliveredQuantity == nil {
		return nil, Errf(CodeInvalidRequest, "case %s has no delivered quantity; submit proofs first", vc.ID)
	}
	order, err := e.Repo.GetOrder(ctx, vc.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, Errf(CodeOrderNotFound, "order %s not found", vc.OrderID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetSettlementByCase(ctx, vc.ID); err == nil {
		return nil, Errf(CodeInvalidRequest, "settlement already exists for case %s", vc.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if order.Quote.TotalQuantity <= 0 {
		return nil, Errf(CodeInvalidRequest, "order %s has no quoted quantity", order.ID)
	}
	unitPrice := order.Quote.Price.Value / float64(order.Quote.TotalQuantity)
	base := *vc.DeliveredQuantity * unitPrice
	penalty := 0.0
	if vc.DeviationPercent != nil && *vc.DeviationPercent > settlementDeviationCutoffPercent {
		penalty = base * settlementPenaltyRate
	}
	final := base - penalty

	settlementType := req.SettlementType
	if settlementType == "" {
		settlementType = "FULL"
	}
	s := domain.Settlement{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		CaseID:         vc.ID,
		TransactionID:  pctx.TransactionID,
		SettlementType: settlementType,
		State:          domain.SettlementInitiated,
		Amount:         domain.Money{Value: final, Currency: order.Quote.Price.Currency},
		Breakdown: domain.SettlementBreakdown{
			BaseAmount: base,
			Penalty:    penalty,
		},
		InitiatedAt: e.ts(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSettlementTx(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("insert settlement: %w", err)
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.dispatch(pctx, "on_settlement_initiated", s)
	e.Sched.Schedule(e.Config.SettlementPendingDelay(), func() {
		e.settlementToPending(pctx, s)
	})
	return &s, nil
}

func (e *Engine) settlementToPending(pctx Context, s domain.Settlement) {
	ctx := context.Background()
	moved, err := e.advanceSettlement(ctx, s.ID, domain.SettlementInitiated, domain.SettlementPending, nil)
	if err != nil {
		log.Printf("settlement %s to PENDING: %v", s.ID, err)
		return
	}
	if !moved {
		return
	}
	s.State = domain.SettlementPending
	e.dispatch(pctx, "on_settlement_pending", s)
	e.Sched.Schedule(e.Config.SettlementSettledDelay(), func() {
		e.settlementToSettled(pctx, s)
	})
}

func (e *Engine) settlementToSettled(pctx Context, s domain.Settlement) {
	ctx := context.Background()
	completedAt := e.ts()

	provider, perr := e.providerForOrder(ctx, s.OrderID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("settlement %s to SETTLED: %v", s.ID, err)
		return
	}
	defer tx.Rollback()
	moved, err := e.Repo.AdvanceSettlementTx(ctx, tx, s.ID, domain.SettlementPending, domain.SettlementSettled, &completedAt)
	if err != nil {
		log.Printf("settlement %s to SETTLED: %v", s.ID, err)
		return
	}
	if !moved {
		return
	}
	completed, err := e.Repo.AdvanceOrderStatusTx(ctx, tx, s.OrderID, domain.OrderActive, domain.OrderCompleted, completedAt)
	if err != nil {
		log.Printf("complete order %s: %v", s.OrderID, err)
		tx.Rollback()
		e.failSettlement(ctx, s.ID)
		return
	}
	if !completed {
		log.Printf("settlement %s: order %s left ACTIVE before completion", s.ID, s.OrderID)
		tx.Rollback()
		e.failSettlement(ctx, s.ID)
		return
	}
	if perr == nil {
		provider = matching.ApplyOrderOutcome(provider, true)
		provider.UpdatedAt = completedAt
		if err := e.Repo.UpdateProviderTrustTx(ctx, tx, provider); err != nil {
			log.Printf("update provider trust for order %s: %v", s.OrderID, err)
			tx.Rollback()
			e.failSettlement(ctx, s.ID)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("settlement %s commit: %v", s.ID, err)
		return
	}

	s.State = domain.SettlementSettled
	s.CompletedAt = &completedAt
	e.dispatch(pctx, "on_settlement_settled", s)
}

// failSettlement diverts a settlement whose completion work failed. The
// progression stays one-directional: FAILED is terminal.
func (e *Engine) failSettlement(ctx context.Context, id string) {
	ts := e.ts()
	if _, err := e.advanceSettlement(ctx, id, domain.SettlementPending, domain.SettlementFailed, &ts); err != nil {
		log.Printf("settlement %s to FAILED: %v", id, err)
	}
}

func (e *Engine) advanceSettlement(ctx context.Context, id, from, to string, completedAt *string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	moved, err := e.Repo.AdvanceSettlementTx(ctx, tx, id, from, to, completedAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return moved, nil
}

func (e *Engine) providerForOrder(ctx context.Context, orderID string) (domain.Provider, error) {
	order, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Provider{}, err
	}
	return e.Repo.GetProvider(ctx, order.ProviderID)
}
