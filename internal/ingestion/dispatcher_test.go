package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeEngine struct {
	blockErr    error
	rollbackErr error
	executeErr  error
	blocks      []event.Block
	rollbacks   []string
	executed    []event.ExecuteRequest
}

func (f *fakeEngine) Execute(_ context.Context, req event.ExecuteRequest) (*core.ExecuteResult, error) {
	f.executed = append(f.executed, req)
	return &core.ExecuteResult{}, f.executeErr
}

func (f *fakeEngine) OnNewBlock(_ context.Context, b event.Block) (*core.BlockResult, error) {
	f.blocks = append(f.blocks, b)
	return &core.BlockResult{Height: b.Height}, f.blockErr
}

func (f *fakeEngine) OnRollback(_ context.Context, txid string) (*state.SweepReport, error) {
	f.rollbacks = append(f.rollbacks, txid)
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	return &state.SweepReport{}, nil
}

type settled struct {
	acked, naked int
}

func trackedRaw(t *testing.T, kind ingestion.Kind, v interface{}, s *settled) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "lend.orchestrator.test",
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { s.acked++ },
		NakFunc:   func() { s.naked++ },
	}
}

func blockPayload(height uint32) map[string]interface{} {
	return map[string]interface{}{"height": height, "hash": strings.Repeat("ab", 32), "timestamp": 1700000000}
}

// =============================================================================
// Ack / Nak
// =============================================================================

func TestDispatcher_AcksAppliedBlock(t *testing.T) {
	eng := &fakeEngine{}
	d := ingestion.NewDispatcher(eng, nil, nil, zerolog.Nop())
	var s settled

	d.Handle(context.Background(), trackedRaw(t, ingestion.KindBlock, blockPayload(7), &s))

	if s.acked != 1 || s.naked != 0 {
		t.Fatalf("acked=%d naked=%d", s.acked, s.naked)
	}
	if len(eng.blocks) != 1 || eng.blocks[0].Height != 7 {
		t.Fatalf("engine saw %v", eng.blocks)
	}
}

func TestDispatcher_AcksUnparseable(t *testing.T) {
	eng := &fakeEngine{}
	d := ingestion.NewDispatcher(eng, nil, nil, zerolog.Nop())
	var s settled

	d.Handle(context.Background(), trackedRaw(t, ingestion.KindBlock, map[string]string{"hash": "x"}, &s))

	if s.acked != 1 || s.naked != 0 {
		t.Fatalf("acked=%d naked=%d", s.acked, s.naked)
	}
	if len(eng.blocks) != 0 {
		t.Fatal("engine should not see malformed blocks")
	}
}

func TestDispatcher_AcksDuplicateBlock(t *testing.T) {
	eng := &fakeEngine{blockErr: &core.ReorgError{Kind: core.ReorgDuplicate, Height: 7}}
	d := ingestion.NewDispatcher(eng, nil, nil, zerolog.Nop())
	var s settled

	d.Handle(context.Background(), trackedRaw(t, ingestion.KindBlock, blockPayload(7), &s))

	if s.acked != 1 || s.naked != 0 {
		t.Fatalf("acked=%d naked=%d", s.acked, s.naked)
	}
}

func TestDispatcher_NaksTransient(t *testing.T) {
	cases := map[string]error{
		"halted":        core.ErrSettlementHalted,
		"unrecoverable": &core.ReorgError{Kind: core.ReorgUnrecoverable},
		"storage":       fmt.Errorf("bolt: disk full"),
	}
	for name, blockErr := range cases {
		t.Run(name, func(t *testing.T) {
			d := ingestion.NewDispatcher(&fakeEngine{blockErr: blockErr}, nil, nil, zerolog.Nop())
			var s settled
			d.Handle(context.Background(), trackedRaw(t, ingestion.KindBlock, blockPayload(9), &s))
			if s.acked != 0 || s.naked != 1 {
				t.Fatalf("acked=%d naked=%d", s.acked, s.naked)
			}
		})
	}
}

func TestDispatcher_ExecuteOutcomes(t *testing.T) {
	payload := map[string]interface{}{
		"pool_address": "bcrt1qpool",
		"action":       "deposit",
		"txid":         strings.Repeat("c", 64),
		"nonce":        0,
	}
	cases := []struct {
		name    string
		err     error
		wantAck bool
	}{
		{"ok", nil, true},
		{"replay", core.ErrAlreadyExecuted, true},
		{"stale", &ledger.StaleNonceError{Expected: 2, Got: 1}, true},
		{"busy", core.ErrPoolBusy, false},
		{"signer down", core.ErrSigningUnavailable, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := ingestion.NewDispatcher(&fakeEngine{executeErr: c.err}, nil, nil, zerolog.Nop())
			var s settled
			d.Handle(context.Background(), trackedRaw(t, ingestion.KindExecute, payload, &s))
			if got := s.acked == 1; got != c.wantAck {
				t.Fatalf("acked=%d naked=%d, want ack=%v", s.acked, s.naked, c.wantAck)
			}
		})
	}
}

func TestDispatcher_RollbackUnknownIsAcked(t *testing.T) {
	eng := &fakeEngine{rollbackErr: fmt.Errorf("rollback: %w", state.ErrTxRecordNotFound)}
	d := ingestion.NewDispatcher(eng, nil, nil, zerolog.Nop())
	var s settled

	d.Handle(context.Background(), trackedRaw(t, ingestion.KindRollback, map[string]string{"txid": strings.Repeat("d", 64)}, &s))

	if s.acked != 1 || s.naked != 0 {
		t.Fatalf("acked=%d naked=%d", s.acked, s.naked)
	}
}

func TestDispatcher_RunDrainsUntilClosed(t *testing.T) {
	eng := &fakeEngine{}
	in := make(chan ingestion.RawEvent, 3)
	var s settled
	for h := uint32(1); h <= 3; h++ {
		in <- trackedRaw(t, ingestion.KindBlock, blockPayload(h), &s)
	}
	close(in)

	if err := ingestion.NewDispatcher(eng, in, nil, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(eng.blocks) != 3 || s.acked != 3 {
		t.Fatalf("blocks=%d acked=%d", len(eng.blocks), s.acked)
	}
}

// =============================================================================
// Outbound
// =============================================================================

func TestOutbound_SubjectIncludesPool(t *testing.T) {
	pool := "bcrt1qpool"
	out := core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:    4,
		EventID:     uuid.New(),
		EventType:   event.EventTypeTxExecuted,
		PoolAddress: &pool,
		Payload:     []byte(`{"txid":"x"}`),
	}}

	subject, data, err := ingestion.Outbound(out)
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if subject != "lend.settlement.events.TxExecuted.bcrt1qpool" {
		t.Fatalf("subject = %s", subject)
	}
	var body ingestion.PublishableEvent
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Sequence != 4 || string(body.Payload) != `{"txid":"x"}` {
		t.Fatalf("body = %+v", body)
	}
}

func TestOutbound_BlockEventHasNoPoolSuffix(t *testing.T) {
	out := core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:  5,
		EventType: event.EventTypeBlockAccepted,
		Payload:   []byte(`{}`),
	}}
	subject, _, err := ingestion.Outbound(out)
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if subject != "lend.settlement.events.BlockAccepted" {
		t.Fatalf("subject = %s", subject)
	}
}
