package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voltgrid/internal/domain"
	"voltgrid/internal/repo"
)

type VerificationStartRequest struct {
	OrderID             string             `json:"order_id,omitempty"`
	ExpectedQuantity    float64            `json:"expected_quantity,omitempty"`
	MaxDeviationPercent *float64           `json:"max_deviation_percent,omitempty"`
	RequiredProofs      []string           `json:"required_proofs,omitempty"`
	Window              *domain.TimeWindow `json:"window,omitempty"`
}

// VerificationStart opens a PENDING case against the transaction's order.
// Expected quantity defaults to the order quote; tolerance defaults from
// config. The case expires after the configured TTL.
func (e *Engine) VerificationStart(ctx context.Context, pctx Context, req VerificationStartRequest) (*domain.VerificationCase, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	order, err := e.caseOrder(ctx, pctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	expected := req.ExpectedQuantity
	if expected <= 0 {
		expected = float64(order.Quote.TotalQuantity)
	}
	if expected <= 0 {
		return nil, Errf(CodeInvalidRequest, "expected_quantity must be positive")
	}
	tolerance := e.Config.Verification.DefaultMaxDeviationPercent
	if req.MaxDeviationPercent != nil {
		if *req.MaxDeviationPercent < 0 {
			return nil, Errf(CodeInvalidRequest, "max_deviation_percent must be non-negative")
		}
		tolerance = *req.MaxDeviationPercent
	}

	now := e.now().UTC()
	vc := domain.VerificationCase{
		ID:               uuid.New().String(),
		OrderID:          order.ID,
		TransactionID:    pctx.TransactionID,
		State:            domain.CasePending,
		ExpectedQuantity: expected,
		RequiredProofs:   req.RequiredProofs,
		Tolerance:        domain.ToleranceRules{MaxDeviationPercent: tolerance},
		Window:           req.Window,
		ExpiresAt:        now.Add(e.Config.CaseTTL()).Format(time.RFC3339),
		CreatedAt:        now.Format(time.RFC3339),
		UpdatedAt:        now.Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCaseTx(ctx, tx, vc); err != nil {
		return nil, fmt.Errorf("insert verification case: %w", err)
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, req); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.dispatch(pctx, "on_verification_start", vc)
	return &vc, nil
}

type SubmitProofsRequest struct {
	CaseID string                 `json:"case_id,omitempty"`
	Proofs []domain.DeliveryProof `json:"proofs"`
}

// SubmitProofs sums the proof quantities into delivered_quantity and
// classifies the case: VERIFIED when the deviation percentage stays within
// the tolerance rule, DEVIATED otherwise.
func (e *Engine) SubmitProofs(ctx context.Context, pctx Context, req SubmitProofsRequest) (*domain.VerificationCase, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	if len(req.Proofs) == 0 {
		return nil, Errf(CodeInvalidRequest, "at least one proof is required")
	}
	vc, err := e.resolveCase(ctx, pctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if vc.State != domain.CasePending {
		return nil, Errf(CodeInvalidRequest, "cannot submit proofs to a %s case", vc.State)
	}

	delivered := 0.0
	for _, p := range req.Proofs {
		if p.Quantity < 0 {
			return nil, Errf(CodeInvalidRequest, "proof quantity must be non-negative")
		}
		delivered += p.Quantity
	}
	deviationQty := vc.ExpectedQuantity - delivered
	deviationPct := 0.0
	if vc.ExpectedQuantity > 0 {
		deviationPct = abs(deviationQty) / vc.ExpectedQuantity * 100
	}
	vc.DeliveredQuantity = &delivered
	vc.DeviationQty = &deviationQty
	vc.DeviationPercent = &deviationPct
	if deviationPct <= vc.Tolerance.MaxDeviationPercent {
		vc.State = domain.CaseVerified
	} else {
		vc.State = domain.CaseDeviated
	}
	vc.UpdatedAt = e.ts()

	if err := e.updateCase(ctx, pctx, vc, req); err != nil {
		return nil, err
	}
	e.dispatch(pctx, "on_proofs_submitted", vc)
	return &vc, nil
}

// AcceptVerification force-sets VERIFIED: the buyer accepts the delivery
// despite a recorded deviation.
func (e *Engine) AcceptVerification(ctx context.Context, pctx Context, caseID string) (*domain.VerificationCase, error) {
	dup, done, err := e.begin(ctx, pctx)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, nil
	}
	defer done()

	vc, err := e.resolveCase(ctx, pctx, caseID)
	if err != nil {
		return nil, err
	}
	switch vc.State {
	case domain.CasePending, domain.CaseDeviated, domain.CaseVerified:
		// acceptable inputs; accepting a VERIFIED case is a no-op transition
	default:
		return nil, Errf(CodeInvalidRequest, "cannot accept a %s case", vc.State)
	}
	vc.State = domain.CaseVerified
	vc.UpdatedAt = e.ts()

	if err := e.updateCase(ctx, pctx, vc, nil); err != nil {
		return nil, err
	}
	e.dispatch(pctx, "on_verification_accepted", vc)
	return &vc, nil
}

type RejectVerificationRequest struct {
	CaseID  string `json:"case_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Dispute bool   `json:"dispute,omitempty"`
}

// RejectVerification closes the case as REJECTED, or DISPUTED when the buyer
// flags the rejection as contested.
func (e *Engine) RejectVerification(ctx context.Context, pctx Context, req RejectVerificationRequest) (*domain.VerificationCase, error) {
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
	switch vc.State {
	case domain.CasePending, domain.CaseDeviated:
		// proceed
	default:
		return nil, Errf(CodeInvalidRequest, "cannot reject a %s case", vc.State)
	}
	if req.Dispute {
		vc.State = domain.CaseDisputed
	} else {
		vc.State = domain.CaseRejected
	}
	vc.UpdatedAt = e.ts()

	if err := e.updateCase(ctx, pctx, vc, req); err != nil {
		return nil, err
	}
	e.dispatch(pctx, "on_verification_rejected", vc)
	return &vc, nil
}

func (e *Engine) caseOrder(ctx context.Context, pctx Context, orderID string) (domain.Order, error) {
	if orderID != "" {
		order, err := e.Repo.GetOrder(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return order, Errf(CodeOrderNotFound, "order %s not found", orderID)
		}
		return order, err
	}
	order, err := e.Repo.GetOrderByTransaction(ctx, pctx.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return order, Errf(CodeOrderNotFound, "no order for transaction %s", pctx.TransactionID)
	}
	return order, err
}

func (e *Engine) resolveCase(ctx context.Context, pctx Context, caseID string) (domain.VerificationCase, error) {
	if caseID != "" {
		vc, err := e.Repo.GetCase(ctx, caseID)
		if errors.Is(err, repo.ErrNotFound) {
			return vc, Errf(CodeCaseNotFound, "verification case %s not found", caseID)
		}
		return vc, err
	}
	order, err := e.caseOrder(ctx, pctx, "")
	if err != nil {
		return domain.VerificationCase{}, err
	}
	vc, err := e.Repo.GetCaseByOrder(ctx, order.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return vc, Errf(CodeCaseNotFound, "no verification case for order %s", order.ID)
	}
	return vc, err
}

func (e *Engine) updateCase(ctx context.Context, pctx Context, vc domain.VerificationCase, payload any) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCaseTx(ctx, tx, vc); err != nil {
		return fmt.Errorf("update verification case: %w", err)
	}
	if err := e.Events.Inbound(ctx, tx, pctx.TransactionID, pctx.MessageID, pctx.Action, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
