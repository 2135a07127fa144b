package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"voltgrid/internal/domain"
)

// Order items and quotes are stored as JSON columns but always travel through
// the typed structs; the boundary validates them before persisting.

func marshalItems(items []domain.OrderItem) (string, error) {
	if items == nil {
		items = []domain.OrderItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal order items: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	itemsJSON, err := marshalItems(o.Items)
	if err != nil {
		return err
	}
	quoteJSON, err := json.Marshal(o.Quote)
	if err != nil {
		return fmt.Errorf("marshal order quote: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders(id,transaction_id,status,provider_id,items_json,quote_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.TransactionID, o.Status, o.ProviderID, itemsJSON, string(quoteJSON), o.CreatedAt, o.UpdatedAt)
	return err
}

func scanOrder(scan func(dest ...any) error) (domain.Order, error) {
	var o domain.Order
	var itemsJSON, quoteJSON string
	err := scan(&o.ID, &o.TransactionID, &o.Status, &o.ProviderID, &itemsJSON, &quoteJSON, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &o.Items); err != nil {
		return o, fmt.Errorf("unmarshal order items: %w", err)
	}
	if err := json.Unmarshal([]byte(quoteJSON), &o.Quote); err != nil {
		return o, fmt.Errorf("unmarshal order quote: %w", err)
	}
	return o, nil
}

const orderColumns = `id,transaction_id,status,provider_id,items_json,quote_json,created_at,updated_at`

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrderByTransaction(ctx context.Context, transactionID string) (domain.Order, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE transaction_id=?`, transactionID)
	return scanOrder(row.Scan)
}

func (r Repo) ListOrdersByProvider(ctx context.Context, providerID string) ([]domain.Order, error) {
	return r.listOrders(ctx, `WHERE provider_id=?`, providerID)
}

func (r Repo) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return r.listOrders(ctx, "")
}

func (r Repo) listOrders(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

// AdvanceOrderStatusTx moves an order between statuses, guarded on the
// expected current status. It reports false when the order is no longer in
// from, so a concurrent transition loses cleanly instead of overwriting.
func (r Repo) AdvanceOrderStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
