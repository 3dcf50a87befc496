package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
)

// SettlementEventsStream is the outbound stream of settlement events.
const SettlementEventsStream = "LEND_SETTLEMENT_EVENTS"

// OutboundPublisher publishes settlement events to NATS for downstream
// consumers. Subjects follow lend.settlement.events.{event_type}[.{pool}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
}

// PublishableEvent is the outbound wire form of a settlement event.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolAddress    *string         `json:"pool_address,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				// Non-fatal: downstream consumers can read the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	subject, data, err := Outbound(out)
	if err != nil {
		return err
	}
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(out.Envelope.EventID.String()))
	return err
}

// Outbound renders the subject and body for a settlement event.
func Outbound(out core.CoreOutput) (string, []byte, error) {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolAddress:    env.PoolAddress,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("lend.settlement.events.%s", evt.EventType)
	if env.PoolAddress != nil {
		subject = fmt.Sprintf("%s.%s", subject, *env.PoolAddress)
	}
	return subject, data, nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       SettlementEventsStream,
		Subjects:   []string{"lend.settlement.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream " + SettlementEventsStream)
	return nil
}
