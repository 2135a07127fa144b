// Package ledger owns the per-offer pool of indivisible blocks. Block status
// is the only authoritative measure of remaining capacity; every transition
// runs as an atomic select-then-update under an offer-scoped lock.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"voltgrid/internal/domain"
)

type Ledger struct {
	DB    *sql.DB
	Now   func() time.Time
	locks keyedMutex
}

func New(db *sql.DB) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Stats is a per-offer block status census.
type Stats struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Sold      int `json:"sold"`
}

// Total returns the full block count for the offer.
func (s Stats) Total() int { return s.Available + s.Reserved + s.Sold }

// CreateBlocksTx mints count blocks for a freshly published offer, inside the
// offer-publication transaction.
func (l *Ledger) CreateBlocksTx(ctx context.Context, tx *sql.Tx, offerID string, count int) error {
	if count <= 0 {
		return fmt.Errorf("block count must be positive, got %d", count)
	}
	ts := l.now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offer_blocks(id,offer_id,status,updated_at) VALUES (?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < count; i++ {
		if _, err := stmt.ExecContext(ctx, uuid.New().String(), offerID, domain.BlockAvailable, ts); err != nil {
			return err
		}
	}
	return nil
}

// ClaimBlocks atomically moves up to quantity AVAILABLE blocks of the offer to
// RESERVED, tagging them with the order and transaction. It may return fewer
// blocks than requested; the caller must treat a short result as a partial
// failure and release.
func (l *Ledger) ClaimBlocks(ctx context.Context, offerID string, quantity int, orderID, transactionID string) ([]domain.Block, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("claim quantity must be positive, got %d", quantity)
	}
	unlock := l.locks.Lock(offerID)
	defer unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM offer_blocks WHERE offer_id=? AND status=? ORDER BY id LIMIT ?`,
		offerID, domain.BlockAvailable, quantity)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	ts := l.now().UTC().Format(time.RFC3339)
	args := []any{domain.BlockReserved, orderID, transactionID, ts}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE offer_blocks SET status=?, order_id=?, transaction_id=?, updated_at=? WHERE id IN (%s) AND status='AVAILABLE'`,
		strings.Join(placeholders, ","))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return nil, fmt.Errorf("claim updated %d of %d selected blocks for offer %s", n, len(ids), offerID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	claimed := make([]domain.Block, len(ids))
	for i, id := range ids {
		oid, tid := orderID, transactionID
		claimed[i] = domain.Block{
			ID:            id,
			OfferID:       offerID,
			Status:        domain.BlockReserved,
			OrderID:       &oid,
			TransactionID: &tid,
			UpdatedAt:     ts,
		}
	}
	return claimed, nil
}

// ReleaseBlocks reverts all RESERVED blocks of a transaction to AVAILABLE.
// Idempotent: releasing a nonexistent or already-released reservation is a
// no-op.
func (l *Ledger) ReleaseBlocks(ctx context.Context, transactionID string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := l.DB.ExecContext(ctx, `UPDATE offer_blocks SET status=?, order_id=NULL, transaction_id=NULL, updated_at=? WHERE transaction_id=? AND status=?`,
		domain.BlockAvailable, ts, transactionID, domain.BlockReserved)
	return err
}

// ReleaseOrphanedReservations reverts RESERVED blocks whose transaction has no
// order row. A crash between a committed claim and the order insert leaves
// blocks in that state; the sweep runs once at startup and reports how many
// blocks it freed.
func (l *Ledger) ReleaseOrphanedReservations(ctx context.Context) (int, error) {
	ts := l.now().UTC().Format(time.RFC3339)
	res, err := l.DB.ExecContext(ctx, `UPDATE offer_blocks SET status=?, order_id=NULL, transaction_id=NULL, updated_at=?
		WHERE status=? AND (transaction_id IS NULL OR transaction_id NOT IN (SELECT transaction_id FROM orders))`,
		domain.BlockAvailable, ts, domain.BlockReserved)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkBlocksSold moves all RESERVED blocks of an order to SOLD. Idempotent.
func (l *Ledger) MarkBlocksSold(ctx context.Context, orderID string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := l.DB.ExecContext(ctx, `UPDATE offer_blocks SET status=?, updated_at=? WHERE order_id=? AND status=?`,
		domain.BlockSold, ts, orderID, domain.BlockReserved)
	return err
}

// MarkBlocksSoldTx is MarkBlocksSold inside the caller's transaction, used by
// confirm so the block flip and the order activation commit together.
func (l *Ledger) MarkBlocksSoldTx(ctx context.Context, tx *sql.Tx, orderID string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `UPDATE offer_blocks SET status=?, updated_at=? WHERE order_id=? AND status=?`,
		domain.BlockSold, ts, orderID, domain.BlockReserved)
	return err
}

// AvailableCount returns the number of AVAILABLE blocks for an offer.
func (l *Ledger) AvailableCount(ctx context.Context, offerID string) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM offer_blocks WHERE offer_id=? AND status=?`,
		offerID, domain.BlockAvailable).Scan(&n)
	return n, err
}

// AvailableCounts returns AVAILABLE block counts for every offer, for bulk
// selection against live inventory.
func (l *Ledger) AvailableCounts(ctx context.Context) (map[string]int, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT offer_id, COUNT(*) FROM offer_blocks WHERE status=? GROUP BY offer_id`, domain.BlockAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var offerID string
		var n int
		if err := rows.Scan(&offerID, &n); err != nil {
			return nil, err
		}
		res[offerID] = n
	}
	return res, rows.Err()
}

// BlockStats returns the status census for an offer.
func (l *Ledger) BlockStats(ctx context.Context, offerID string) (Stats, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM offer_blocks WHERE offer_id=? GROUP BY status`, offerID)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case domain.BlockAvailable:
			s.Available = n
		case domain.BlockReserved:
			s.Reserved = n
		case domain.BlockSold:
			s.Sold = n
		}
	}
	return s, rows.Err()
}

// BlocksForOrder lists all blocks tagged with an order.
func (l *Ledger) BlocksForOrder(ctx context.Context, orderID string) ([]domain.Block, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,offer_id,status,order_id,transaction_id,updated_at FROM offer_blocks WHERE order_id=? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		var b domain.Block
		var oid, tid sql.NullString
		if err := rows.Scan(&b.ID, &b.OfferID, &b.Status, &oid, &tid, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if oid.Valid {
			b.OrderID = &oid.String
		}
		if tid.Valid {
			b.TransactionID = &tid.String
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ReservedQuantityByOffer sums the RESERVED blocks of an order per offer,
// which is the actual claimed quantity confirm must decrement.
func (l *Ledger) ReservedQuantityByOffer(ctx context.Context, orderID string) (map[string]int, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT offer_id, COUNT(*) FROM offer_blocks WHERE order_id=? AND status=? GROUP BY offer_id`,
		orderID, domain.BlockReserved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var offerID string
		var n int
		if err := rows.Scan(&offerID, &n); err != nil {
			return nil, err
		}
		res[offerID] = n
	}
	return res, rows.Err()
}
