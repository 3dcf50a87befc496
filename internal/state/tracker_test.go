package state_test

import (
	"fmt"
	"testing"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"
	"LendLedger/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txid(n int) string { return fmt.Sprintf("%064x", n) }

const poolAddr = "bcrt1qtrackerpool"

type fixture struct {
	store   *store.MemoryStore
	tracker *state.Tracker
}

func newTestTracker(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	p := ledger.NewPool(poolAddr, "02ab", ledger.CoinMeta{
		ID:        ledger.MustParseCoinID(ledger.DefaultCollateralID),
		Symbol:    "RICH",
		MinAmount: 1,
	})
	require.NoError(t, s.Update(func(tx store.Tx) error { return tx.PutPool(p) }))
	return &fixture{store: s, tracker: state.NewTracker(zerolog.Nop())}
}

// execute deposits into the pool and records the execution, like the
// engine does in its commit transaction.
func (f *fixture) execute(t *testing.T, n int, sats uint64) {
	t.Helper()
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		p, err := tx.GetPool(poolAddr)
		require.NoError(t, err)
		var spent []string
		if u := p.CurrentUtxo(); u != nil {
			spent = []string{u.Outpoint()}
		}
		next, _, err := p.ValidateDeposit(ledger.Transition{
			Txid:             txid(n),
			Nonce:            p.Nonce(),
			PoolUtxoSpent:    spent,
			PoolUtxoReceived: []ledger.Utxo{{Txid: txid(n)}},
			InputCoins:       []ledger.CoinBalance{ledger.BTCBalance(sats)},
		})
		require.NoError(t, err)
		p.Commit(next)
		require.NoError(t, tx.PutPool(p))
		return f.tracker.RecordExecution(tx, txid(n), poolAddr)
	}))
}

func (f *fixture) confirm(t *testing.T, height uint32, txids ...string) []string {
	t.Helper()
	var confirmed []string
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		blk := event.Block{Height: height, Hash: fmt.Sprintf("hash-%d", height), ConfirmedTxids: txids}
		if err := tx.PutBlock(blk); err != nil {
			return err
		}
		var err error
		confirmed, err = f.tracker.OnBlockConfirmed(tx, blk)
		return err
	}))
	return confirmed
}

func (f *fixture) pool(t *testing.T) *ledger.Pool {
	t.Helper()
	var p *ledger.Pool
	require.NoError(t, f.store.View(func(tx store.Tx) error {
		var err error
		p, err = tx.GetPool(poolAddr)
		return err
	}))
	return p
}

func (f *fixture) record(t *testing.T, id string, confirmed bool) *state.TxRecord {
	t.Helper()
	var rec *state.TxRecord
	require.NoError(t, f.store.View(func(tx store.Tx) error {
		var err error
		rec, err = tx.GetTxRecord(id, confirmed)
		return err
	}))
	return rec
}

func TestRecordExecution_DeduplicatesPools(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		require.NoError(t, f.tracker.RecordExecution(tx, txid(1), poolAddr))
		return f.tracker.RecordExecution(tx, txid(1), "bcrt1qother")
	}))

	rec := f.record(t, txid(1), false)
	require.NotNil(t, rec)
	assert.Equal(t, []string{poolAddr, "bcrt1qother"}, rec.Pools)
}

func TestOnBlockConfirmed_KeepsBothSlots(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)

	confirmed := f.confirm(t, 100, txid(1), txid(99))
	assert.Equal(t, []string{txid(1)}, confirmed, "unknown txids are skipped")

	assert.NotNil(t, f.record(t, txid(1), false))
	conf := f.record(t, txid(1), true)
	require.NotNil(t, conf)
	assert.True(t, conf.Confirmed)
	assert.Equal(t, []string{poolAddr}, conf.Pools)
}

func TestComputeConfirmedHeight(t *testing.T) {
	h, ok := state.ComputeConfirmedHeight(105, 6)
	assert.True(t, ok)
	assert.Equal(t, uint32(100), h)

	h, ok = state.ComputeConfirmedHeight(6, 6)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), h)

	_, ok = state.ComputeConfirmedHeight(4, 6)
	assert.False(t, ok)

	h, ok = state.ComputeConfirmedHeight(5, 6)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), h)
}

func TestOnFinalizationThreshold_PivotsAndPurges(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)
	f.execute(t, 2, 20_000)
	f.execute(t, 3, 30_000)
	f.confirm(t, 100, txid(1))
	f.confirm(t, 101, txid(2))
	f.confirm(t, 102, txid(3))

	before := f.pool(t)
	last, _ := before.CurrentState()

	var report *state.SweepReport
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		var err error
		report, err = f.tracker.OnFinalizationThreshold(tx, 101)
		return err
	}))
	require.NoError(t, report.Err())
	require.Len(t, report.Finalized, 2)
	assert.Equal(t, txid(1), report.Finalized[0].Txid)
	assert.Equal(t, txid(2), report.Finalized[1].Txid)
	assert.Equal(t, []uint32{100, 101}, report.PurgedHeights)

	p := f.pool(t)
	assert.Equal(t, txid(2), p.States[0].Txid)
	cur, _ := p.CurrentState()
	assert.Equal(t, last.Txid, cur.Txid, "finalize never moves the current state")
	assert.Equal(t, last.Nonce, cur.Nonce)

	assert.Nil(t, f.record(t, txid(1), true))
	assert.Nil(t, f.record(t, txid(1), false))
	assert.NotNil(t, f.record(t, txid(3), true))

	require.NoError(t, f.store.View(func(tx store.Tx) error {
		blocks, err := tx.ListBlocks()
		require.NoError(t, err)
		require.Len(t, blocks, 1)
		assert.Equal(t, uint32(102), blocks[0].Height)
		return nil
	}))
}

func TestOnFinalizationThreshold_CollectsFailures(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)
	f.execute(t, 2, 20_000)
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		// txid 1 also claims a pool that does not exist.
		return f.tracker.RecordExecution(tx, txid(1), "bcrt1qmissing")
	}))
	f.confirm(t, 100, txid(1), txid(2))

	var report *state.SweepReport
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		var err error
		report, err = f.tracker.OnFinalizationThreshold(tx, 100)
		return err
	}))
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Err(), state.ErrPoolNotFound)
	assert.Len(t, report.Finalized, 2, "one failure does not block the batch")
	assert.Equal(t, txid(2), f.pool(t).States[0].Txid)
}

func TestOnRollbackSignal(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)
	f.execute(t, 2, 20_000)
	f.confirm(t, 100, txid(2))

	var report *state.SweepReport
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		var err error
		report, err = f.tracker.OnRollbackSignal(tx, txid(2))
		return err
	}))
	require.NoError(t, report.Err())
	assert.Equal(t, []string{poolAddr}, report.RolledBack)

	p := f.pool(t)
	assert.Equal(t, uint64(1), p.Nonce())
	assert.Equal(t, uint64(100_000), p.BTCReserve())
	assert.Nil(t, f.record(t, txid(2), true))
	assert.Nil(t, f.record(t, txid(2), false))

	err := f.store.Update(func(tx store.Tx) error {
		_, err := f.tracker.OnRollbackSignal(tx, txid(2))
		return err
	})
	assert.ErrorIs(t, err, state.ErrTxRecordNotFound)
}

func TestDemote_MergesIntoUnconfirmed(t *testing.T) {
	f := newTestTracker(t)
	f.execute(t, 1, 100_000)
	f.confirm(t, 100, txid(1))
	require.NoError(t, f.store.Update(func(tx store.Tx) error {
		// Drop the unconfirmed copy to check Demote recreates it.
		require.NoError(t, tx.DeleteTxRecord(txid(1), false))
		ok, err := f.tracker.Demote(tx, txid(1))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.tracker.Demote(tx, txid(1))
		require.NoError(t, err)
		assert.False(t, ok, "nothing left to demote")
		return nil
	}))

	assert.Nil(t, f.record(t, txid(1), true))
	rec := f.record(t, txid(1), false)
	require.NotNil(t, rec)
	assert.Equal(t, []string{poolAddr}, rec.Pools)
	assert.Equal(t, uint64(1), f.pool(t).Nonce(), "demotion leaves pools alone")

	var unconf []state.TxRecord
	require.NoError(t, f.store.View(func(tx store.Tx) error {
		var err error
		unconf, err = f.tracker.UnconfirmedTxs(tx)
		return err
	}))
	assert.Len(t, unconf, 1)
}
