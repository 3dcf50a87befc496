package ingestion_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
)

var (
	txidA = strings.Repeat("a", 64)
	txidB = strings.Repeat("b", 64)
	hashA = strings.Repeat("0f", 32)
)

func rawFromJSON(t *testing.T, kind ingestion.Kind, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

// =============================================================================
// NewBlock
// =============================================================================

func TestParseBlock(t *testing.T) {
	payload := map[string]interface{}{
		"height":          uint32(840000),
		"hash":            hashA,
		"timestamp":       uint64(1700000000),
		"confirmed_txids": []string{txidA, txidB},
	}

	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBlock, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	bc, ok := cmd.(*ingestion.BlockCommand)
	if !ok {
		t.Fatalf("expected *BlockCommand, got %T", cmd)
	}
	if bc.Block.Height != 840000 {
		t.Errorf("height: got %d, want 840000", bc.Block.Height)
	}
	if bc.Block.Hash != hashA {
		t.Errorf("hash: got %s", bc.Block.Hash)
	}
	if len(bc.Block.ConfirmedTxids) != 2 {
		t.Errorf("confirmed: got %d, want 2", len(bc.Block.ConfirmedTxids))
	}
}

func TestParseBlock_EmptyTxidsNotNil(t *testing.T) {
	payload := map[string]interface{}{"height": 0, "hash": hashA, "timestamp": 1}

	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBlock, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := cmd.(*ingestion.BlockCommand).Block.ConfirmedTxids; got == nil {
		t.Fatal("confirmed txids should be empty, not nil")
	}
}

func TestParseBlock_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing height": {"hash": hashA},
		"short hash":     {"height": 1, "hash": "abcd"},
		"non-hex hash":   {"height": 1, "hash": strings.Repeat("zz", 32)},
		"bad txid":       {"height": 1, "hash": hashA, "confirmed_txids": []string{"nope"}},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindBlock, payload))
			if !errors.Is(err, ingestion.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

// =============================================================================
// RollbackTx / Execute
// =============================================================================

func TestParseRollback(t *testing.T) {
	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindRollback, map[string]string{"txid": txidA}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if rc := cmd.(*ingestion.RollbackCommand); rc.Txid != txidA {
		t.Errorf("txid: got %s", rc.Txid)
	}

	_, err = ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindRollback, map[string]string{"txid": "short"}))
	if !errors.Is(err, ingestion.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseExecute(t *testing.T) {
	payload := map[string]interface{}{
		"pool_address":       "bcrt1qpool",
		"action":             "borrow",
		"txid":               txidA,
		"nonce":              3,
		"pool_utxo_spent":    []string{txidB + ":0"},
		"pool_utxo_received": []interface{}{},
		"input_coins":        []interface{}{},
		"output_coins":       []interface{}{},
	}

	cmd, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindExecute, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ec := cmd.(*ingestion.ExecuteCommand)
	if ec.Request.Txid != txidA {
		t.Errorf("txid: got %s", ec.Request.Txid)
	}
	if ec.Request.Intention.PoolAddress != "bcrt1qpool" {
		t.Errorf("pool: got %s", ec.Request.Intention.PoolAddress)
	}
	if _, ok := ec.Request.Intention.Action.(event.Borrow); !ok {
		t.Errorf("action: got %T, want event.Borrow", ec.Request.Intention.Action)
	}
	if tr := ec.Request.Transition(); tr.Nonce != 3 || tr.Txid != txidA {
		t.Errorf("transition: %+v", tr)
	}
}

func TestParseExecute_UnknownAction(t *testing.T) {
	payload := map[string]interface{}{"pool_address": "p", "action": "swap", "txid": txidA}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindExecute, payload))
	if !errors.Is(err, ingestion.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseRawEvent_UnknownKind(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.Kind("Bogus"), map[string]string{}))
	if !errors.Is(err, ingestion.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
