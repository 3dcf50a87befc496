package store_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/state"
	"LendLedger/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txid(n int) string { return fmt.Sprintf("%064x", n) }

type storeFactory func(t *testing.T) store.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"bolt": func(t *testing.T) store.Store {
			s, err := store.OpenBolt(filepath.Join(t.TempDir(), "lend.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// runSuite runs fn against every Store implementation.
func runSuite(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			fn(t, f(t))
		})
	}
}

func testPool(t *testing.T) *ledger.Pool {
	p := ledger.NewPool("bcrt1qpool", "02ab", ledger.CoinMeta{
		ID:        ledger.MustParseCoinID(ledger.DefaultCollateralID),
		Symbol:    "RICH",
		MinAmount: 1,
	})
	next, _, err := p.ValidateDeposit(ledger.Transition{
		Txid:             txid(1),
		PoolUtxoReceived: []ledger.Utxo{{Txid: txid(1)}},
		InputCoins:       []ledger.CoinBalance{ledger.BTCBalance(100_000)},
	})
	require.NoError(t, err)
	p.Commit(next)
	return p
}

func TestStore_PoolRoundTrip(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		p := testPool(t)
		require.NoError(t, s.Update(func(tx store.Tx) error { return tx.PutPool(p) }))

		require.NoError(t, s.View(func(tx store.Tx) error {
			got, err := tx.GetPool(p.Address)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, uint64(1), got.Nonce())
			assert.Equal(t, uint64(100_000), got.BTCReserve())
			assert.Equal(t, p.Meta, got.Meta)
			assert.Equal(t, txid(1)+":0", got.CurrentUtxo().Outpoint())

			missing, err := tx.GetPool("nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			all, err := tx.ListPools()
			require.NoError(t, err)
			assert.Len(t, all, 1)
			return nil
		}))
	})
}

func TestStore_BlocksAscending(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		require.NoError(t, s.Update(func(tx store.Tx) error {
			// Out of order on purpose; 256 checks the big-endian key order.
			for _, h := range []uint32{256, 3, 100, 7} {
				if err := tx.PutBlock(event.Block{Height: h, Hash: fmt.Sprintf("h%d", h)}); err != nil {
					return err
				}
			}
			return nil
		}))

		require.NoError(t, s.View(func(tx store.Tx) error {
			blocks, err := tx.ListBlocks()
			require.NoError(t, err)
			var heights []uint32
			for _, b := range blocks {
				heights = append(heights, b.Height)
			}
			assert.Equal(t, []uint32{3, 7, 100, 256}, heights)

			latest, err := tx.LatestBlock()
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, uint32(256), latest.Height)

			b, err := tx.GetBlock(7)
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, "h7", b.Hash)
			return nil
		}))

		require.NoError(t, s.Update(func(tx store.Tx) error {
			require.NoError(t, tx.DeleteBlock(256))
			latest, err := tx.LatestBlock()
			require.NoError(t, err)
			assert.Equal(t, uint32(100), latest.Height)
			return tx.ClearBlocks()
		}))

		require.NoError(t, s.View(func(tx store.Tx) error {
			latest, err := tx.LatestBlock()
			require.NoError(t, err)
			assert.Nil(t, latest)
			return nil
		}))
	})
}

func TestStore_TxRecordSlotsAreIndependent(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		require.NoError(t, s.Update(func(tx store.Tx) error {
			require.NoError(t, tx.PutTxRecord(state.TxRecord{Txid: txid(1), Pools: []string{"a"}}))
			require.NoError(t, tx.PutTxRecord(state.TxRecord{Txid: txid(1), Confirmed: true, Pools: []string{"a", "b"}}))
			require.NoError(t, tx.PutTxRecord(state.TxRecord{Txid: txid(2), Pools: []string{"c"}}))
			return nil
		}))

		require.NoError(t, s.Update(func(tx store.Tx) error {
			unconf, err := tx.ListTxRecords(false)
			require.NoError(t, err)
			require.Len(t, unconf, 2)
			assert.Equal(t, txid(1), unconf[0].Txid)
			assert.Equal(t, txid(2), unconf[1].Txid)

			conf, err := tx.GetTxRecord(txid(1), true)
			require.NoError(t, err)
			require.NotNil(t, conf)
			assert.Equal(t, []string{"a", "b"}, conf.Pools)

			require.NoError(t, tx.DeleteTxRecord(txid(1), true))
			gone, err := tx.GetTxRecord(txid(1), true)
			require.NoError(t, err)
			assert.Nil(t, gone)

			still, err := tx.GetTxRecord(txid(1), false)
			require.NoError(t, err)
			assert.NotNil(t, still)
			return nil
		}))
	})
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		boom := errors.New("boom")
		err := s.Update(func(tx store.Tx) error {
			require.NoError(t, tx.PutPool(testPool(t)))
			require.NoError(t, tx.PutBlock(event.Block{Height: 1, Hash: "x"}))
			require.NoError(t, tx.SetHalted(true, "test"))
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(func(tx store.Tx) error {
			pools, err := tx.ListPools()
			require.NoError(t, err)
			assert.Empty(t, pools)

			blocks, err := tx.ListBlocks()
			require.NoError(t, err)
			assert.Empty(t, blocks)

			halted, _, err := tx.Halted()
			require.NoError(t, err)
			assert.False(t, halted)
			return nil
		}))
	})
}

func TestStore_Meta(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		require.NoError(t, s.Update(func(tx store.Tx) error {
			_, ok, err := tx.BlockState()
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tx.SetBlockState(840_000))
			require.NoError(t, tx.SetHalted(true, "unrecoverable reorg at 840000"))
			return nil
		}))

		require.NoError(t, s.View(func(tx store.Tx) error {
			h, ok, err := tx.BlockState()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint32(840_000), h)

			halted, reason, err := tx.Halted()
			require.NoError(t, err)
			assert.True(t, halted)
			assert.Contains(t, reason, "840000")
			return nil
		}))

		require.NoError(t, s.Update(func(tx store.Tx) error {
			return tx.SetHalted(false, "")
		}))
		require.NoError(t, s.View(func(tx store.Tx) error {
			halted, _, err := tx.Halted()
			require.NoError(t, err)
			assert.False(t, halted)
			return nil
		}))
	})
}

func TestStore_ClearAll(t *testing.T) {
	runSuite(t, func(t *testing.T, s store.Store) {
		require.NoError(t, s.Update(func(tx store.Tx) error {
			require.NoError(t, tx.PutPool(testPool(t)))
			require.NoError(t, tx.PutTxRecord(state.TxRecord{Txid: txid(1)}))
			require.NoError(t, tx.SetBlockState(5))
			return tx.ClearAll()
		}))
		require.NoError(t, s.View(func(tx store.Tx) error {
			pools, err := tx.ListPools()
			require.NoError(t, err)
			assert.Empty(t, pools)
			recs, err := tx.ListTxRecords(false)
			require.NoError(t, err)
			assert.Empty(t, recs)
			_, ok, err := tx.BlockState()
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.View(func(tx store.Tx) error {
		return tx.PutBlock(event.Block{Height: 1})
	})
	require.Error(t, err)
}
