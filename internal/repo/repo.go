package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"voltgrid/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- providers ---

func (r Repo) InsertProvider(ctx context.Context, p domain.Provider) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO providers(id,name,trust_score,total_orders,successful_orders,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.TrustScore, p.TotalOrders, p.SuccessfulOrders, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	var p domain.Provider
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,trust_score,total_orders,successful_orders,created_at,updated_at FROM providers WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.TrustScore, &p.TotalOrders, &p.SuccessfulOrders, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,trust_score,total_orders,successful_orders,created_at,updated_at FROM providers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Provider
	for rows.Next() {
		var p domain.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.TrustScore, &p.TotalOrders, &p.SuccessfulOrders, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

// ProvidersByID loads all providers keyed by id, for matching lookups.
func (r Repo) ProvidersByID(ctx context.Context) (map[string]domain.Provider, error) {
	items, err := r.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.Provider, len(items))
	for _, p := range items {
		res[p.ID] = p
	}
	return res, nil
}

// UpdateProviderTrustTx persists a recomputed trust score and order counters.
func (r Repo) UpdateProviderTrustTx(ctx context.Context, tx *sql.Tx, p domain.Provider) error {
	res, err := tx.ExecContext(ctx, `UPDATE providers SET trust_score=?, total_orders=?, successful_orders=?, updated_at=? WHERE id=?`,
		p.TrustScore, p.TotalOrders, p.SuccessfulOrders, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- offers ---

func scanOffer(scan func(dest ...any) error) (domain.Offer, error) {
	var o domain.Offer
	var wStart, wEnd sql.NullString
	err := scan(&o.ID, &o.ItemID, &o.ProviderID, &o.Price.Value, &o.Price.Currency,
		&o.MaxQuantity, &o.AvailableQuantity, &wStart, &wEnd, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if wStart.Valid && wEnd.Valid {
		o.Window = &domain.TimeWindow{Start: wStart.String, End: wEnd.String}
	}
	return o, nil
}

const offerColumns = `id,item_id,provider_id,price_value,price_currency,max_quantity,available_quantity,window_start,window_end,status,created_at,updated_at`

func (r Repo) InsertOfferTx(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	var wStart, wEnd any
	if o.Window != nil {
		wStart, wEnd = o.Window.Start, o.Window.End
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ItemID, o.ProviderID, o.Price.Value, o.Price.Currency,
		o.MaxQuantity, o.AvailableQuantity, wStart, wEnd, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id)
	return scanOffer(row.Scan)
}

func (r Repo) GetOfferByItem(ctx context.Context, itemID string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE item_id=? AND status='published' ORDER BY created_at DESC LIMIT 1`, itemID)
	return scanOffer(row.Scan)
}

type OfferFilters struct {
	ProviderID string
	Status     string
	Limit      int
}

func (r Repo) ListOffers(ctx context.Context, f OfferFilters) ([]domain.Offer, error) {
	var clauses []string
	var args []any
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id=?")
		args = append(args, f.ProviderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + offerColumns + ` FROM offers ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, nil
}

// DecrementOfferAvailableTx reduces the item-level counter by the actual sold
// quantity. The counter never goes negative.
func (r Repo) DecrementOfferAvailableTx(ctx context.Context, tx *sql.Tx, offerID string, qty int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET available_quantity=MAX(0, available_quantity-?), updated_at=? WHERE id=?`,
		qty, updatedAt, offerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateOfferStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE offers SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
