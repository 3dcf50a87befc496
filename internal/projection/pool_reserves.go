package projection

import (
	"context"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

func initPoolReserve(ctx context.Context, tx execer, e *event.PoolInitialized, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_reserves
			(pool_address, symbol, collateral_id, nonce, btc_reserved, coin_reserved, utxo, last_txid, last_sequence, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, NULL, NULL, $4, $5)
		ON CONFLICT (pool_address) DO NOTHING
	`, e.Address, e.Meta.Symbol, e.Meta.ID.String(), seq, ts)
	return err
}

func applyExecutedReserve(ctx context.Context, tx execer, e *event.TxExecuted, seq int64, ts time.Time) error {
	return upsertReserve(ctx, tx, e.Pool, &e.NewState, seq, ts)
}

// applyRolledBackReserves resets each touched pool to the state the
// rollback left behind.
func applyRolledBackReserves(ctx context.Context, tx execer, e *event.TxRolledBack, seq int64, ts time.Time) error {
	for _, pool := range e.Pools {
		if err := upsertReserve(ctx, tx, pool, e.Current[pool], seq, ts); err != nil {
			return err
		}
	}
	return nil
}

// upsertReserve writes the reserve row for pool. A nil state means the
// pool's chain is empty.
func upsertReserve(ctx context.Context, tx execer, pool string, st *ledger.PoolState, seq int64, ts time.Time) error {
	var (
		nonce    uint64
		btc      uint64
		coins    = "0"
		utxo     *string
		lastTxid *string
	)
	if st != nil {
		nonce = st.Nonce
		btc = st.BTCSupply()
		coins = st.CollateralSupply().Dec()
		if st.Utxo != nil {
			op := st.Utxo.Outpoint()
			utxo = &op
		}
		if st.Txid != "" {
			txid := st.Txid
			lastTxid = &txid
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_reserves
			(pool_address, symbol, collateral_id, nonce, btc_reserved, coin_reserved, utxo, last_txid, last_sequence, updated_at)
		VALUES ($1, '', '', $2, $3, $4::NUMERIC, $5, $6, $7, $8)
		ON CONFLICT (pool_address) DO UPDATE SET
			nonce = EXCLUDED.nonce,
			btc_reserved = EXCLUDED.btc_reserved,
			coin_reserved = EXCLUDED.coin_reserved,
			utxo = EXCLUDED.utxo,
			last_txid = EXCLUDED.last_txid,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, pool, int64(nonce), int64(btc), coins, utxo, lastTxid, seq, ts)
	return err
}
