package projection

import (
	"context"
	"time"

	"LendLedger/internal/event"
)

// Settlement statuses stored in projections.tx_status.
const (
	StatusUnconfirmed = "unconfirmed"
	StatusConfirmed   = "confirmed"
	StatusFinalized   = "finalized"
	StatusRolledBack  = "rolled_back"
)

func recordExecuted(ctx context.Context, tx execer, e *event.TxExecuted, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.tx_status
			(txid, pool_address, action, status, nonce, block_height, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)
		ON CONFLICT (txid, pool_address) DO UPDATE SET
			action = EXCLUDED.action,
			status = EXCLUDED.status,
			nonce = EXCLUDED.nonce,
			block_height = NULL,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, e.Txid, e.Pool, e.Action, StatusUnconfirmed, int64(e.NewState.Nonce), seq, ts)
	return err
}

// setTxStatus moves every pool row of txid to status. A nil height clears
// the recorded block.
func setTxStatus(ctx context.Context, tx execer, txid, status string, height *int64, seq int64, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.tx_status
		SET status = $2, block_height = $3, last_sequence = $4, updated_at = $5
		WHERE txid = $1
	`, txid, status, height, seq, ts)
	return err
}
