package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const watermarkWorker = "main"

// execer is the part of *sql.Tx the projection writers need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ProjectionWorker updates read-model tables from settlement events. It is
// fed by the non-blocking projection channel; anything it misses can be
// rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq > pw.lastSeq+1 && pw.lastSeq > 0 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap, rebuild to catch up")
			}
			if err := pw.Apply(ctx, output.Envelope, output.Event); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq = seq
		}
	}
}

// Apply projects one event and advances the watermark in a single
// transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, env *event.EventEnvelope, evt event.Event) error {
	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	name, err := project(ctx, tx, env, evt)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return nil
}

// project dispatches evt to the projections it affects and returns the
// name used for metrics.
func project(ctx context.Context, tx execer, env *event.EventEnvelope, evt event.Event) (string, error) {
	seq, ts := env.Sequence, env.Timestamp
	switch e := evt.(type) {
	case *event.PoolInitialized:
		return "pool_reserves", initPoolReserve(ctx, tx, e, seq, ts)
	case *event.TxExecuted:
		if err := applyExecutedReserve(ctx, tx, e, seq, ts); err != nil {
			return "pool_reserves", err
		}
		return "tx_status", recordExecuted(ctx, tx, e, seq, ts)
	case *event.TxConfirmed:
		h := int64(e.Height)
		return "tx_status", setTxStatus(ctx, tx, e.Txid, StatusConfirmed, &h, seq, ts)
	case *event.TxFinalized:
		h := int64(e.Height)
		return "tx_status", setTxStatus(ctx, tx, e.Txid, StatusFinalized, &h, seq, ts)
	case *event.TxRolledBack:
		if err := applyRolledBackReserves(ctx, tx, e, seq, ts); err != nil {
			return "pool_reserves", err
		}
		return "tx_status", setTxStatus(ctx, tx, e.Txid, StatusRolledBack, nil, seq, ts)
	case *event.ReorgRecovered:
		for _, txid := range e.Demoted {
			if err := setTxStatus(ctx, tx, txid, StatusUnconfirmed, nil, seq, ts); err != nil {
				return "tx_status", err
			}
		}
		return "tx_status", nil
	default:
		return "watermark", nil
	}
}

func setWatermark(ctx context.Context, tx execer, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkWorker, seq)
	return err
}

// RebuildProjections truncates the read models and replays the whole
// settlement event log into them.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.pool_reserves`,
		`TRUNCATE projections.tx_status`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	const page = 1000
	var (
		from    int64
		applied int
	)
	for {
		n, last, err := replayPage(ctx, db, from, page)
		if err != nil {
			return err
		}
		applied += n
		if n < page {
			break
		}
		from = last + 1
	}

	logger.Info().Int("events", applied).Msg("projection rebuild complete")
	return nil
}

func replayPage(ctx context.Context, db *sql.DB, from int64, limit int) (int, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM settlement.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return 0, 0, err
	}
	type row struct {
		env     event.EventEnvelope
		payload []byte
	}
	var page []row
	for rows.Next() {
		var (
			r         row
			eventType string
		)
		if err := rows.Scan(&r.env.Sequence, &eventType, &r.payload, &r.env.Timestamp); err != nil {
			rows.Close()
			return 0, 0, err
		}
		r.env.EventType = event.ParseEventType(eventType)
		page = append(page, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	var last int64
	for _, r := range page {
		evt, err := event.Decode(r.env.EventType, r.payload)
		if err != nil {
			return 0, 0, fmt.Errorf("sequence %d: %w", r.env.Sequence, err)
		}
		if _, err := project(ctx, tx, &r.env, evt); err != nil {
			return 0, 0, fmt.Errorf("sequence %d: %w", r.env.Sequence, err)
		}
		last = r.env.Sequence
	}
	if len(page) > 0 {
		if err := setWatermark(ctx, tx, last); err != nil {
			return 0, 0, err
		}
	}
	return len(page), last, tx.Commit()
}
