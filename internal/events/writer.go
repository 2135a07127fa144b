// Package events appends inbound and outbound protocol messages to the
// append-only audit log. Inbound message IDs double as the dedup key.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"voltgrid/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records a protocol message inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, transactionID, messageID, action, direction string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO protocol_events(transaction_id,message_id,action,direction,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		transactionID, messageID, action, direction, data, ts)
	return err
}

// AppendDirect records a protocol message outside any transaction; used by
// the outbound callback path where the local state change already committed.
func (w Writer) AppendDirect(ctx context.Context, transactionID, messageID, action, direction string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = w.DB.ExecContext(ctx, `INSERT INTO protocol_events(transaction_id,message_id,action,direction,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		transactionID, messageID, action, direction, data, ts)
	return err
}

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}

// Inbound is shorthand for appending an INBOUND record.
func (w Writer) Inbound(ctx context.Context, tx *sql.Tx, transactionID, messageID, action string, payload any) error {
	return w.Append(ctx, tx, transactionID, messageID, action, domain.DirectionInbound, payload)
}

// Outbound is shorthand for appending an OUTBOUND record.
func (w Writer) Outbound(ctx context.Context, transactionID, messageID, action string, payload any) error {
	return w.AppendDirect(ctx, transactionID, messageID, action, domain.DirectionOutbound, payload)
}
