package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"voltgrid/internal/domain"
)

// --- verification cases ---

const caseColumns = `id,order_id,transaction_id,state,expected_quantity,delivered_quantity,deviation_qty,deviation_percent,required_proofs_json,max_deviation_percent,window_start,window_end,expires_at,created_at,updated_at`

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.VerificationCase) error {
	var proofsJSON any
	if len(c.RequiredProofs) > 0 {
		b, err := json.Marshal(c.RequiredProofs)
		if err != nil {
			return fmt.Errorf("marshal required proofs: %w", err)
		}
		proofsJSON = string(b)
	}
	var wStart, wEnd any
	if c.Window != nil {
		wStart, wEnd = c.Window.Start, c.Window.End
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO verification_cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrderID, c.TransactionID, c.State, c.ExpectedQuantity,
		nullableFloatPtr(c.DeliveredQuantity), nullableFloatPtr(c.DeviationQty), nullableFloatPtr(c.DeviationPercent),
		proofsJSON, c.Tolerance.MaxDeviationPercent, wStart, wEnd, c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func scanCase(scan func(dest ...any) error) (domain.VerificationCase, error) {
	var c domain.VerificationCase
	var delivered, devQty, devPct sql.NullFloat64
	var proofsJSON, wStart, wEnd sql.NullString
	err := scan(&c.ID, &c.OrderID, &c.TransactionID, &c.State, &c.ExpectedQuantity,
		&delivered, &devQty, &devPct, &proofsJSON, &c.Tolerance.MaxDeviationPercent,
		&wStart, &wEnd, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if delivered.Valid {
		c.DeliveredQuantity = &delivered.Float64
	}
	if devQty.Valid {
		c.DeviationQty = &devQty.Float64
	}
	if devPct.Valid {
		c.DeviationPercent = &devPct.Float64
	}
	if proofsJSON.Valid {
		if err := json.Unmarshal([]byte(proofsJSON.String), &c.RequiredProofs); err != nil {
			return c, fmt.Errorf("unmarshal required proofs: %w", err)
		}
	}
	if wStart.Valid && wEnd.Valid {
		c.Window = &domain.TimeWindow{Start: wStart.String, End: wEnd.String}
	}
	return c, nil
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.VerificationCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM verification_cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

// GetCaseByOrder returns the most recent verification case for an order.
func (r Repo) GetCaseByOrder(ctx context.Context, orderID string) (domain.VerificationCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM verification_cases WHERE order_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, orderID)
	return scanCase(row.Scan)
}

func (r Repo) UpdateCaseTx(ctx context.Context, tx *sql.Tx, c domain.VerificationCase) error {
	res, err := tx.ExecContext(ctx, `UPDATE verification_cases SET state=?, delivered_quantity=?, deviation_qty=?, deviation_percent=?, updated_at=? WHERE id=?`,
		c.State, nullableFloatPtr(c.DeliveredQuantity), nullableFloatPtr(c.DeviationQty), nullableFloatPtr(c.DeviationPercent), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- settlements ---

const settlementColumns = `id,order_id,verification_case_id,transaction_id,settlement_type,state,amount_value,amount_currency,base_amount,penalty,deviation_adjustment,initiated_at,completed_at`

func (r Repo) InsertSettlementTx(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO settlements(`+settlementColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OrderID, s.CaseID, s.TransactionID, s.SettlementType, s.State,
		s.Amount.Value, s.Amount.Currency, s.Breakdown.BaseAmount, s.Breakdown.Penalty, s.Breakdown.DeviationAdjustment,
		s.InitiatedAt, nullableStringPtr(s.CompletedAt))
	return err
}

func scanSettlement(scan func(dest ...any) error) (domain.Settlement, error) {
	var s domain.Settlement
	var completedAt sql.NullString
	err := scan(&s.ID, &s.OrderID, &s.CaseID, &s.TransactionID, &s.SettlementType, &s.State,
		&s.Amount.Value, &s.Amount.Currency, &s.Breakdown.BaseAmount, &s.Breakdown.Penalty, &s.Breakdown.DeviationAdjustment,
		&s.InitiatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) GetSettlement(ctx context.Context, id string) (domain.Settlement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id=?`, id)
	return scanSettlement(row.Scan)
}

func (r Repo) GetSettlementByCase(ctx context.Context, caseID string) (domain.Settlement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE verification_case_id=? ORDER BY initiated_at DESC LIMIT 1`, caseID)
	return scanSettlement(row.Scan)
}

// AdvanceSettlementTx moves a settlement from one state to the next. The WHERE
// guard keeps the progression monotonic: a stale or repeated transition
// affects zero rows and is reported as such.
func (r Repo) AdvanceSettlementTx(ctx context.Context, tx *sql.Tx, id, fromState, toState string, completedAt *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE settlements SET state=?, completed_at=COALESCE(?, completed_at) WHERE id=? AND state=?`,
		toState, nullableStringPtr(completedAt), id, fromState)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
