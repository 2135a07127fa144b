package repo

import (
	"context"
	"strings"

	"voltgrid/internal/domain"
)

// SeenInboundMessage reports whether an inbound protocol message with this
// message_id was already processed. This is the duplicate-suppression lookup.
func (r Repo) SeenInboundMessage(ctx context.Context, messageID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM protocol_events WHERE message_id=? AND direction=? LIMIT 1`,
		messageID, domain.DirectionInbound)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

type EventFilters struct {
	TransactionID string
	Action        string
	Direction     string
	Limit         int
	Cursor        int64
}

// LatestEvents pages backwards through the protocol event log.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.ProtocolEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TransactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, f.TransactionID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Direction != "" {
		clauses = append(clauses, "direction=?")
		args = append(args, f.Direction)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,message_id,action,direction,payload_json,created_at FROM protocol_events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProtocolEvent
	for rows.Next() {
		var e domain.ProtocolEvent
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.MessageID, &e.Action, &e.Direction, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// CountEvents returns the number of protocol events for a transaction.
func (r Repo) CountEvents(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM protocol_events WHERE transaction_id=?`, transactionID).Scan(&n)
	return n, err
}
