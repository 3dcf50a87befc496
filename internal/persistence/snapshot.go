package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SnapshotManager handles creating and loading engine snapshots for
// recovery. A snapshot holds every pool, retained block and tx record plus
// the event log position they correspond to.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of a snapshot.
type SnapshotData struct {
	core.SnapshotState
	CreatedAt time.Time `json:"created_at"`
}

const snapshotFormatVersion = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It starts unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settlement.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), snap.CreatedAt)
	return len(data), err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM settlement.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Verify checks the snapshot's state hash against the event log entry at
// the same sequence and marks it verified on a match. A snapshot taken
// before the log caught up is left unverified.
func (sm *SnapshotManager) Verify(ctx context.Context, snap *SnapshotData) (bool, error) {
	if snap.Sequence <= 0 {
		return false, nil
	}
	var logged []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM settlement.events WHERE sequence = $1
	`, snap.Sequence).Scan(&logged)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(logged, snap.StateHash[:]) {
		return false, fmt.Errorf("snapshot %d: state hash diverges from event log", snap.Sequence)
	}
	return true, sm.MarkVerified(ctx, snap.Sequence)
}

// VerifyPending marks every unverified snapshot whose state hash now
// matches the event log.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE settlement.snapshots s SET verified = TRUE
		FROM settlement.events e
		WHERE s.verified = FALSE AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE settlement.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence, ascending.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key, pool_address, payload,
		       state_hash, prev_hash, timestamp
		FROM settlement.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey, &e.PoolAddress,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Exporter is the engine side of snapshotting.
type Exporter interface {
	ExportSnapshot(ctx context.Context) (*core.SnapshotState, error)
}

// SnapshotScheduler takes a snapshot every interval.
type SnapshotScheduler struct {
	manager  *SnapshotManager
	source   Exporter
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewSnapshotScheduler(manager *SnapshotManager, source Exporter, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *SnapshotScheduler {
	return &SnapshotScheduler{manager: manager, source: source, interval: interval, metrics: metrics, log: logger}
}

// Run blocks until ctx is cancelled.
func (s *SnapshotScheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastSeq int64 = -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			seq, err := s.TakeSnapshot(ctx, lastSeq)
			if err != nil {
				s.log.Error().Err(err).Msg("snapshot failed")
				continue
			}
			lastSeq = seq
		}
	}
}

// TakeSnapshot exports and saves a snapshot unless nothing was sequenced
// since lastSeq. It returns the snapshot sequence.
func (s *SnapshotScheduler) TakeSnapshot(ctx context.Context, lastSeq int64) (int64, error) {
	start := time.Now()
	if n, err := s.manager.VerifyPending(ctx); err != nil {
		s.log.Warn().Err(err).Msg("verify pending snapshots")
	} else if n > 0 {
		s.log.Info().Int64("count", n).Msg("verified pending snapshots")
	}

	state, err := s.source.ExportSnapshot(ctx)
	if err != nil {
		return lastSeq, err
	}
	if state.Sequence == lastSeq {
		return lastSeq, nil
	}

	snap := &SnapshotData{SnapshotState: *state, CreatedAt: time.Now().UTC()}
	size, err := s.manager.SaveSnapshot(ctx, snap)
	if err != nil {
		return lastSeq, err
	}
	verified, err := s.manager.Verify(ctx, snap)
	if err != nil {
		return lastSeq, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.log.Info().
		Int64("sequence", snap.Sequence).
		Int("bytes", size).
		Bool("verified", verified).
		Msg("snapshot saved")
	return snap.Sequence, nil
}
