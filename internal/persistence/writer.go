package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/event"

	"github.com/google/uuid"
)

// EventLogWriter writes settlement envelopes to Postgres using multi-row
// INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in settlement.events
type EventRow struct {
	Sequence       int64
	EventID        uuid.UUID
	EventType      string
	IdempotencyKey string
	PoolAddress    *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an envelope for storage.
func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventID:        env.EventID,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolAddress:    env.PoolAddress,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

const eventColumns = 9

// WriteEventBatch writes a batch of events inside tx. Rows whose sequence
// is already present are skipped so a retried batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.events
		(sequence, event_id, event_type, idempotency_key, pool_address, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		base := i * eventColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.IdempotencyKey, e.PoolAddress,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestEvent returns the tip of the event log. ok is false for an empty
// log.
func (w *EventLogWriter) LatestEvent(ctx context.Context) (seq int64, hash [32]byte, ok bool, err error) {
	var raw []byte
	err = w.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM settlement.events
		ORDER BY sequence DESC LIMIT 1
	`).Scan(&seq, &raw)
	if err == sql.ErrNoRows {
		return 0, hash, false, nil
	}
	if err != nil {
		return 0, hash, false, err
	}
	copy(hash[:], raw)
	return seq, hash, true, nil
}

// RecentIdempotencyKeys returns composite "type:key" strings of the most
// recent executions that still stand, oldest first, for warming the dedup
// LRU. An execution followed by a rollback of its txid is left out.
func (w *EventLogWriter) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT e.sequence, e.event_type, e.idempotency_key
			FROM settlement.events e
			WHERE e.event_type = 'TxExecuted'
			  AND NOT EXISTS (
			      SELECT 1 FROM settlement.events r
			      WHERE r.event_type = 'TxRolledBack'
			        AND r.payload->>'txid' = e.payload->>'txid'
			        AND r.sequence > e.sequence
			  )
			ORDER BY e.sequence DESC LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
