package ingestion

import (
	"context"
	"errors"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

// Engine is the part of the core the dispatcher drives.
type Engine interface {
	Execute(ctx context.Context, req event.ExecuteRequest) (*core.ExecuteResult, error)
	OnNewBlock(ctx context.Context, block event.Block) (*core.BlockResult, error)
	OnRollback(ctx context.Context, txid string) (*state.SweepReport, error)
}

// Dispatcher applies orchestrator messages to the engine one at a time and
// settles each message with an ack or a nak.
type Dispatcher struct {
	engine  Engine
	input   <-chan RawEvent
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(engine Engine, input <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, input: input, metrics: metrics, log: logger}
}

// Run processes messages until ctx is done or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle parses and applies one message. Malformed and permanently
// rejected messages are acked so they are not redelivered; everything
// else that fails is naked.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	cmd, err := ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		settle(raw.AckFunc)
		return
	}

	err = d.apply(ctx, cmd)
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(string(cmd.Kind())).Observe(time.Since(raw.Timestamp).Seconds())
	}

	switch {
	case err == nil:
		settle(raw.AckFunc)
	case Permanent(err):
		d.log.Info().Err(err).Str("subject", raw.Subject).Str("kind", string(cmd.Kind())).Msg("message rejected")
		settle(raw.AckFunc)
	default:
		d.log.Warn().Err(err).Str("subject", raw.Subject).Str("kind", string(cmd.Kind())).Msg("message failed, will be redelivered")
		settle(raw.NakFunc)
	}
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case *BlockCommand:
		_, err := d.engine.OnNewBlock(ctx, c.Block)
		return err
	case *RollbackCommand:
		report, err := d.engine.OnRollback(ctx, c.Txid)
		if err != nil {
			return err
		}
		if ferr := report.Err(); ferr != nil {
			d.log.Warn().Err(ferr).Str("txid", c.Txid).Msg("rollback sweep had failures")
		}
		return nil
	case *ExecuteCommand:
		_, err := d.engine.Execute(ctx, c.Request)
		return err
	default:
		return nil
	}
}

// permanentErrors are outcomes a redelivery cannot change.
var permanentErrors = []error{
	core.ErrDuplicateBlock,
	core.ErrAlreadyExecuted,
	core.ErrUnsupportedAction,
	state.ErrTxRecordNotFound,
	state.ErrPoolNotFound,
	ledger.ErrStaleNonce,
	ledger.ErrStateMismatch,
	ledger.ErrBelowMinimum,
	ledger.ErrTooSmallFunds,
	ledger.ErrOfferMismatch,
	ledger.ErrOverflow,
	ledger.ErrEmptyPool,
	ledger.ErrTxidNotFound,
	ledger.ErrInvalidPool,
	ledger.ErrInvalidTxid,
	ledger.ErrInvalidArgs,
}

// Permanent reports whether err should be acked rather than retried.
// Halts, busy pools and signer or storage failures are transient.
func Permanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
