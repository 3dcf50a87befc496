package ledger_test

import (
	"LendLedger/internal/ledger"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func txid(n int) string {
	return fmt.Sprintf("%064x", n)
}

func outpoint(n int, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid(n), vout)
}

func newTestPool() *ledger.Pool {
	meta := ledger.CoinMeta{
		ID:        ledger.MustParseCoinID(ledger.DefaultCollateralID),
		Symbol:    "TEST•RUNE",
		MinAmount: 1,
	}
	return ledger.NewPool("bcrt1qtestpool", "02aa", meta)
}

func depositTx(n int, nonce uint64, spent []string, sats uint64) ledger.Transition {
	return ledger.Transition{
		Txid:             txid(n),
		Nonce:            nonce,
		PoolUtxoSpent:    spent,
		PoolUtxoReceived: []ledger.Utxo{{Txid: txid(n), Vout: 0}},
		InputCoins:       []ledger.CoinBalance{ledger.BTCBalance(sats)},
	}
}

// deposit validates and commits, failing the test on error.
func deposit(t *testing.T, p *ledger.Pool, n int, sats uint64) ledger.PoolState {
	t.Helper()
	var spent []string
	if u := p.CurrentUtxo(); u != nil {
		spent = []string{u.Outpoint()}
	}
	next, _, err := p.ValidateDeposit(depositTx(n, p.Nonce(), spent, sats))
	if err != nil {
		t.Fatalf("deposit %d: %v", n, err)
	}
	p.Commit(next)
	return next
}

func borrowTx(t *testing.T, p *ledger.Pool, n int, want uint64) ledger.Transition {
	t.Helper()
	required, offered, err := p.AvailableToBorrow(ledger.BTCBalance(want))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	return ledger.Transition{
		Txid:             txid(n),
		Nonce:            p.Nonce(),
		PoolUtxoSpent:    []string{p.CurrentUtxo().Outpoint()},
		PoolUtxoReceived: []ledger.Utxo{{Txid: txid(n), Vout: 1}},
		InputCoins:       []ledger.CoinBalance{required},
		OutputCoins:      []ledger.CoinBalance{offered},
	}
}

func assertNonceIndex(t *testing.T, p *ledger.Pool) {
	t.Helper()
	if len(p.States) == 0 {
		return
	}
	base := p.States[0].Nonce
	for i, s := range p.States {
		if s.Nonce != base+uint64(i) {
			t.Fatalf("states[%d].nonce = %d, want %d", i, s.Nonce, base+uint64(i))
		}
	}
}

// ============================================================================
// Test: CoinID
// ============================================================================

func TestParseCoinID(t *testing.T) {
	id, err := ledger.ParseCoinID("72798:1058")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Block != 72798 || id.Tx != 1058 {
		t.Errorf("got %+v", id)
	}
	if id.String() != "72798:1058" {
		t.Errorf("string: got %s", id)
	}
	if id.IsBTC() {
		t.Error("rune id should not be BTC")
	}
	if !ledger.BTC.IsBTC() {
		t.Error("0:0 should be BTC")
	}
}

func TestParseCoinID_Invalid(t *testing.T) {
	for _, in := range []string{"", "1", "a:b", "1:2:3", "1:99999999999"} {
		if _, err := ledger.ParseCoinID(in); err == nil {
			t.Errorf("%q: expected error", in)
		}
	}
}

func TestCoinID_Bytes(t *testing.T) {
	b := ledger.MustParseCoinID("1:2").Bytes()
	want := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 2}
	if string(b) != string(want) {
		t.Errorf("got %x, want %x", b, want)
	}
}

// ============================================================================
// Test: Utxo
// ============================================================================

func TestParseOutpoint(t *testing.T) {
	id, vout, err := ledger.ParseOutpoint(outpoint(7, 3))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != txid(7) || vout != 3 {
		t.Errorf("got %s:%d", id, vout)
	}

	if _, _, err := ledger.ParseOutpoint("deadbeef:0"); !errors.Is(err, ledger.ErrInvalidTxid) {
		t.Errorf("short txid: got %v, want ErrInvalidTxid", err)
	}
	if _, _, err := ledger.ParseOutpoint(strings.Repeat("z", 64) + ":0"); !errors.Is(err, ledger.ErrInvalidTxid) {
		t.Errorf("non-hex txid: got %v, want ErrInvalidTxid", err)
	}
	if _, _, err := ledger.ParseOutpoint(txid(1)); !errors.Is(err, ledger.ErrInvalidTxid) {
		t.Errorf("missing vout: got %v, want ErrInvalidTxid", err)
	}
}

// ============================================================================
// Test: Deposit
// ============================================================================

func TestDeposit_FirstDepositMaterialisesGenesis(t *testing.T) {
	p := newTestPool()
	next, prev, err := p.ValidateDeposit(depositTx(1, 0, nil, 100_000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if prev != nil {
		t.Errorf("first deposit should spend nothing, got %v", prev.Outpoint())
	}
	if next.Nonce != 1 || next.BTCSupply() != 100_000 {
		t.Errorf("got nonce=%d sats=%d", next.Nonce, next.BTCSupply())
	}

	p.Commit(next)
	if len(p.States) != 2 {
		t.Fatalf("expected genesis + 1 state, got %d", len(p.States))
	}
	if !p.States[0].IsGenesis() {
		t.Error("states[0] should be genesis")
	}
	for i, s := range p.States {
		if s.Nonce != uint64(i) {
			t.Errorf("states[%d].nonce = %d", i, s.Nonce)
		}
	}
}

func TestDeposit_Accumulates(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)
	deposit(t, p, 2, 50_000)
	deposit(t, p, 3, 10_000)

	if p.Nonce() != 3 {
		t.Errorf("nonce: got %d, want 3", p.Nonce())
	}
	u := p.CurrentUtxo()
	if u.Sats != 160_000 {
		t.Errorf("sats: got %d, want 160000", u.Sats)
	}
	if u.Outpoint() != outpoint(3, 0) {
		t.Errorf("utxo: got %s", u.Outpoint())
	}
	assertNonceIndex(t, p)
}

func TestDeposit_StaleNonce(t *testing.T) {
	p := newTestPool()
	tx := depositTx(1, 0, nil, 100_000)
	next, _, err := p.ValidateDeposit(tx)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	p.Commit(next)

	_, _, err = p.ValidateDeposit(tx)
	if !errors.Is(err, ledger.ErrStaleNonce) {
		t.Fatalf("replay: got %v, want ErrStaleNonce", err)
	}
	var stale *ledger.StaleNonceError
	if !errors.As(err, &stale) {
		t.Fatalf("expected *StaleNonceError, got %T", err)
	}
	if stale.Expected != 1 || stale.Got != 0 {
		t.Errorf("got expected=%d got=%d", stale.Expected, stale.Got)
	}
}

func TestDeposit_Errors(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	tests := []struct {
		name string
		tx   ledger.Transition
		want error
	}{
		{
			name: "output coins present",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.OutputCoins = []ledger.CoinBalance{ledger.BTCBalance(1)}
				return tx
			}(),
			want: ledger.ErrInvalidArgs,
		},
		{
			name: "non-BTC input",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.InputCoins = []ledger.CoinBalance{ledger.NewCoinBalance(ledger.MustParseCoinID("1:1"), 20_000)}
				return tx
			}(),
			want: ledger.ErrInvalidArgs,
		},
		{
			name: "spent does not match current utxo",
			tx:   depositTx(2, 1, []string{outpoint(9, 0)}, 20_000),
			want: ledger.ErrStateMismatch,
		},
		{
			name: "spent missing on funded pool",
			tx:   depositTx(2, 1, nil, 20_000),
			want: ledger.ErrStateMismatch,
		},
		{
			name: "no received utxo",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.PoolUtxoReceived = nil
				return tx
			}(),
			want: ledger.ErrInvalidArgs,
		},
		{
			name: "below minimum",
			tx:   depositTx(2, 1, []string{outpoint(1, 0)}, 9_999),
			want: ledger.ErrBelowMinimum,
		},
		{
			name: "empty txid",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.Txid = ""
				return tx
			}(),
			want: ledger.ErrInvalidTxid,
		},
		{
			name: "malformed txid",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.Txid = "not-a-txid"
				return tx
			}(),
			want: ledger.ErrInvalidTxid,
		},
		{
			name: "malformed received txid",
			tx: func() ledger.Transition {
				tx := depositTx(2, 1, []string{outpoint(1, 0)}, 20_000)
				tx.PoolUtxoReceived = []ledger.Utxo{{Txid: "abc"}}
				return tx
			}(),
			want: ledger.ErrInvalidTxid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.ValidateDeposit(tt.tx)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	// Validation never mutates.
	if p.Nonce() != 1 || len(p.States) != 2 {
		t.Errorf("pool mutated by failed validation: nonce=%d states=%d", p.Nonce(), len(p.States))
	}
}

func TestDeposit_Overflow(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, ^uint64(0)-5_000)

	_, _, err := p.ValidateDeposit(depositTx(2, 1, []string{outpoint(1, 0)}, 10_000))
	if !errors.Is(err, ledger.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Test: AvailableToBorrow
// ============================================================================

func TestAvailableToBorrow_Clamps(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	required, offered, err := p.AvailableToBorrow(ledger.BTCBalance(200_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if offered.Value.Uint64() != 99_454 {
		t.Errorf("offered: got %d, want 99454", offered.Value.Uint64())
	}
	if !offered.ID.IsBTC() {
		t.Errorf("offered id: got %s", offered.ID)
	}
	if required.Value.Uint64() != 99_454 {
		t.Errorf("required: got %d, want 99454", required.Value.Uint64())
	}
	if required.ID != p.Meta.ID {
		t.Errorf("required id: got %s, want %s", required.ID, p.Meta.ID)
	}
}

func TestAvailableToBorrow_UnderCap(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	required, offered, err := p.AvailableToBorrow(ledger.BTCBalance(30_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if offered.Value.Uint64() != 30_000 || required.Value.Uint64() != 30_000 {
		t.Errorf("got offered=%s required=%s", offered, required)
	}
}

func TestAvailableToBorrow_Errors(t *testing.T) {
	empty := newTestPool()
	if _, _, err := empty.AvailableToBorrow(ledger.BTCBalance(10_000)); !errors.Is(err, ledger.ErrEmptyPool) {
		t.Errorf("empty pool: got %v, want ErrEmptyPool", err)
	}

	p := newTestPool()
	deposit(t, p, 1, 100_000)
	collateral := ledger.NewCoinBalance(p.Meta.ID, 10_000)
	_, _, err := p.AvailableToBorrow(collateral)
	if !errors.Is(err, ledger.ErrInvalidPool) {
		t.Errorf("non-BTC request: got %v, want ErrInvalidPool", err)
	}
	if !errors.Is(err, ledger.ErrInvalidArgs) {
		t.Errorf("non-BTC request: got %v, want ErrInvalidArgs", err)
	}

	// With a lowered per-tx minimum a pool can hold less than the reserve.
	v := ledger.NewValidator(100)
	small := newTestPool()
	next, _, err := v.ValidateDeposit(small, depositTx(1, 0, nil, 500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	small.Commit(next)
	if _, _, err := v.AvailableToBorrow(small, ledger.BTCBalance(100)); !errors.Is(err, ledger.ErrOverflow) {
		t.Errorf("reserve below dust: got %v, want ErrOverflow", err)
	}

	exact := newTestPool()
	next, _, err = v.ValidateDeposit(exact, depositTx(1, 0, nil, ledger.DustLimit))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	exact.Commit(next)
	if _, _, err := v.AvailableToBorrow(exact, ledger.BTCBalance(100)); !errors.Is(err, ledger.ErrEmptyPool) {
		t.Errorf("reserve at dust: got %v, want ErrEmptyPool", err)
	}
}

// ============================================================================
// Test: Borrow
// ============================================================================

func TestBorrow_MovesBalances(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	next, prev, err := p.ValidateBorrow(borrowTx(t, p, 2, 200_000))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if prev.Outpoint() != outpoint(1, 0) {
		t.Errorf("spent: got %s", prev.Outpoint())
	}
	if next.Nonce != 2 {
		t.Errorf("nonce: got %d, want 2", next.Nonce)
	}
	if next.BTCSupply() != ledger.DustLimit {
		t.Errorf("sats: got %d, want %d", next.BTCSupply(), ledger.DustLimit)
	}
	if next.CollateralSupply().Uint64() != 99_454 {
		t.Errorf("collateral: got %s, want 99454", next.CollateralSupply().Dec())
	}
	if next.Utxo.Outpoint() != outpoint(2, 1) {
		t.Errorf("utxo: got %s", next.Utxo.Outpoint())
	}

	p.Commit(next)
	assertNonceIndex(t, p)

	// The reserve is now exactly the dust limit.
	if _, _, err := p.AvailableToBorrow(ledger.BTCBalance(10_000)); !errors.Is(err, ledger.ErrEmptyPool) {
		t.Errorf("drained pool: got %v, want ErrEmptyPool", err)
	}
}

func TestBorrow_Errors(t *testing.T) {
	empty := newTestPool()
	_, _, err := empty.ValidateBorrow(ledger.Transition{
		Txid:        txid(1),
		InputCoins:  []ledger.CoinBalance{ledger.NewCoinBalance(empty.Meta.ID, 10_000)},
		OutputCoins: []ledger.CoinBalance{ledger.BTCBalance(10_000)},
	})
	if !errors.Is(err, ledger.ErrEmptyPool) {
		t.Errorf("empty pool: got %v, want ErrEmptyPool", err)
	}

	p := newTestPool()
	deposit(t, p, 1, 100_000)

	tests := []struct {
		name   string
		mutate func(*ledger.Transition)
		want   error
	}{
		{
			name:   "missing output",
			mutate: func(tx *ledger.Transition) { tx.OutputCoins = nil },
			want:   ledger.ErrInvalidArgs,
		},
		{
			name:   "stale nonce",
			mutate: func(tx *ledger.Transition) { tx.Nonce = 0 },
			want:   ledger.ErrStaleNonce,
		},
		{
			name:   "missing spent",
			mutate: func(tx *ledger.Transition) { tx.PoolUtxoSpent = nil },
			want:   ledger.ErrInvalidArgs,
		},
		{
			name:   "wrong spent",
			mutate: func(tx *ledger.Transition) { tx.PoolUtxoSpent = []string{outpoint(5, 0)} },
			want:   ledger.ErrStateMismatch,
		},
		{
			name: "output deviates from quote",
			mutate: func(tx *ledger.Transition) {
				tx.OutputCoins = []ledger.CoinBalance{ledger.BTCBalance(200_000)}
			},
			want: ledger.ErrOfferMismatch,
		},
		{
			name: "collateral short",
			mutate: func(tx *ledger.Transition) {
				tx.InputCoins = []ledger.CoinBalance{ledger.NewCoinBalance(p.Meta.ID, 1)}
			},
			want: ledger.ErrOfferMismatch,
		},
		{
			name: "offer below minimum",
			mutate: func(tx *ledger.Transition) {
				tx.InputCoins = []ledger.CoinBalance{ledger.NewCoinBalance(p.Meta.ID, 5_000)}
				tx.OutputCoins = []ledger.CoinBalance{ledger.BTCBalance(5_000)}
			},
			want: ledger.ErrTooSmallFunds,
		},
		{
			name:   "no received utxo",
			mutate: func(tx *ledger.Transition) { tx.PoolUtxoReceived = nil },
			want:   ledger.ErrInvalidArgs,
		},
		{
			name:   "empty txid",
			mutate: func(tx *ledger.Transition) { tx.Txid = "" },
			want:   ledger.ErrInvalidTxid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := borrowTx(t, p, 2, 50_000)
			tt.mutate(&tx)
			_, _, err := p.ValidateBorrow(tx)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

// ============================================================================
// Test: Rollback / Finalize
// ============================================================================

func TestRollback_ThenRetry(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)
	tx := borrowTx(t, p, 2, 50_000)
	next, _, err := p.ValidateBorrow(tx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	p.Commit(next)
	deposit(t, p, 3, 20_000)

	if err := p.Rollback(txid(2)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if p.Nonce() != 1 {
		t.Fatalf("nonce after rollback: got %d, want 1", p.Nonce())
	}
	if p.CurrentUtxo().Outpoint() != outpoint(1, 0) {
		t.Errorf("utxo after rollback: got %s", p.CurrentUtxo().Outpoint())
	}

	// The same transaction validates again against the restored state.
	again, _, err := p.ValidateBorrow(tx)
	if err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if again.Nonce != 2 {
		t.Errorf("retry nonce: got %d", again.Nonce)
	}
}

func TestRollback_UnknownTxid(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)
	if err := p.Rollback(txid(99)); !errors.Is(err, ledger.ErrTxidNotFound) {
		t.Errorf("got %v, want ErrTxidNotFound", err)
	}
	// Genesis has no txid and can never be addressed.
	if err := p.Rollback(""); !errors.Is(err, ledger.ErrTxidNotFound) {
		t.Errorf("empty txid: got %v, want ErrTxidNotFound", err)
	}
}

func TestFinalize_KeepsCurrentState(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)
	deposit(t, p, 2, 20_000)
	deposit(t, p, 3, 30_000)

	before, _ := p.CurrentState()
	if err := p.Finalize(txid(2)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	after, _ := p.CurrentState()
	if after.Txid != before.Txid || after.Nonce != before.Nonce {
		t.Errorf("current state changed: %+v -> %+v", before, after)
	}
	if p.States[0].Txid != txid(2) {
		t.Errorf("states[0]: got %s, want %s", p.States[0].Txid, txid(2))
	}
	if len(p.States) != 2 {
		t.Errorf("states: got %d, want 2", len(p.States))
	}
	assertNonceIndex(t, p)

	// Finalizing the first retained state is a no-op.
	if err := p.Finalize(txid(2)); err != nil {
		t.Fatalf("re-finalize: %v", err)
	}
	if len(p.States) != 2 {
		t.Errorf("re-finalize trimmed states: %d", len(p.States))
	}

	// Rolling back the first retained state clears the chain.
	if err := p.Rollback(txid(2)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(p.States) != 0 {
		t.Errorf("states after rollback at 0: %d", len(p.States))
	}
}

func TestCommit_NonceGapPanics(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on nonce gap")
		}
	}()
	p.Commit(ledger.PoolState{Txid: txid(5), Nonce: 5})
}

func TestCommit_GenesisStatePanics(t *testing.T) {
	p := newTestPool()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on genesis commit")
		}
		if len(p.States) != 0 {
			t.Errorf("states after rejected commit: %d", len(p.States))
		}
	}()
	p.Commit(ledger.GenesisState(p.Meta.ID))
}

// ============================================================================
// Test: Views
// ============================================================================

func TestPoolInfo(t *testing.T) {
	p := newTestPool()
	deposit(t, p, 1, 100_000)

	info := p.Info()
	if info.Nonce != 1 || info.BTCReserved != 100_000 {
		t.Errorf("got nonce=%d btc=%d", info.Nonce, info.BTCReserved)
	}
	if len(info.Utxos) != 1 || info.Utxos[0].Outpoint() != outpoint(1, 0) {
		t.Errorf("utxos: %+v", info.Utxos)
	}
	if len(info.KeyDerivationPath) != 1 || info.KeyDerivationPath[0] != "0000000000011c5e00000422" {
		t.Errorf("derivation path: %v", info.KeyDerivationPath)
	}
	if !strings.Contains(info.Attributes, `"ratio":"1:1"`) {
		t.Errorf("attributes: %s", info.Attributes)
	}
	if p.Basic().Name != "TEST•RUNE" {
		t.Errorf("basic name: %s", p.Basic().Name)
	}
}
