package event

import (
	"encoding/hex"
	"fmt"
	"time"

	"LendLedger/internal/ledger"
)

// Block is the retained view of one block report.
type Block struct {
	Height         uint32   `json:"height"`
	Hash           string   `json:"hash"`
	Timestamp      uint64   `json:"timestamp"`
	ConfirmedTxids []string `json:"confirmed_txids"`
}

// Validate checks the hash and every confirmed txid are 64 hex characters.
func (b Block) Validate() error {
	if len(b.Hash) != 64 {
		return fmt.Errorf("%w: block hash %q", ledger.ErrInvalidArgs, b.Hash)
	}
	if _, err := hex.DecodeString(b.Hash); err != nil {
		return fmt.Errorf("%w: block hash: %v", ledger.ErrInvalidArgs, err)
	}
	for _, txid := range b.ConfirmedTxids {
		if err := ledger.ValidateTxid(txid); err != nil {
			return err
		}
	}
	return nil
}

// Time converts the block timestamp (unix seconds).
func (b Block) Time() time.Time {
	return time.Unix(int64(b.Timestamp), 0).UTC()
}

// --- Settlement events ---

type PoolInitialized struct {
	Address string          `json:"address"`
	PubKey  string          `json:"pubkey"`
	Meta    ledger.CoinMeta `json:"meta"`
}

func (e *PoolInitialized) IdempotencyKey() string { return "init:" + e.Address }
func (e *PoolInitialized) EventType() EventType   { return EventTypePoolInitialized }
func (e *PoolInitialized) PoolAddress() *string   { return &e.Address }

// TxExecuted is emitted after a transition is committed to a pool.
type TxExecuted struct {
	Txid      string           `json:"txid"`
	Pool      string           `json:"pool"`
	Action    string           `json:"action"`
	NewState  ledger.PoolState `json:"new_state"`
	Consumed  *ledger.Utxo     `json:"consumed,omitempty"`
	Signature string           `json:"signature,omitempty"`
}

func (e *TxExecuted) IdempotencyKey() string { return "exec:" + e.Txid + ":" + e.Pool }
func (e *TxExecuted) EventType() EventType   { return EventTypeTxExecuted }
func (e *TxExecuted) PoolAddress() *string   { return &e.Pool }

type BlockAccepted struct {
	Block Block `json:"block"`
}

func (e *BlockAccepted) IdempotencyKey() string {
	return fmt.Sprintf("block:%d:%s", e.Block.Height, e.Block.Hash)
}
func (e *BlockAccepted) EventType() EventType { return EventTypeBlockAccepted }
func (e *BlockAccepted) PoolAddress() *string { return nil }

type TxConfirmed struct {
	Txid   string `json:"txid"`
	Height uint32 `json:"height"`
}

func (e *TxConfirmed) IdempotencyKey() string {
	return fmt.Sprintf("confirm:%s:%d", e.Txid, e.Height)
}
func (e *TxConfirmed) EventType() EventType { return EventTypeTxConfirmed }
func (e *TxConfirmed) PoolAddress() *string { return nil }

type TxFinalized struct {
	Txid   string   `json:"txid"`
	Height uint32   `json:"height"`
	Pools  []string `json:"pools"`
}

func (e *TxFinalized) IdempotencyKey() string { return "finalize:" + e.Txid }
func (e *TxFinalized) EventType() EventType   { return EventTypeTxFinalized }
func (e *TxFinalized) PoolAddress() *string   { return nil }

// TxRolledBack carries each touched pool's state after the rollback; a nil
// entry means the pool's chain was cleared.
type TxRolledBack struct {
	Txid    string                       `json:"txid"`
	Pools   []string                     `json:"pools"`
	Current map[string]*ledger.PoolState `json:"current"`
}

func (e *TxRolledBack) IdempotencyKey() string { return "rollback:" + e.Txid }
func (e *TxRolledBack) EventType() EventType   { return EventTypeTxRolledBack }
func (e *TxRolledBack) PoolAddress() *string   { return nil }

type ReorgRecovered struct {
	Height  uint32   `json:"height"`
	Depth   uint32   `json:"depth"`
	Demoted []string `json:"demoted"`
}

func (e *ReorgRecovered) IdempotencyKey() string {
	return fmt.Sprintf("reorg:%d:%d", e.Height, e.Depth)
}
func (e *ReorgRecovered) EventType() EventType { return EventTypeReorgRecovered }
func (e *ReorgRecovered) PoolAddress() *string { return nil }

type BlocksReset struct {
	At time.Time `json:"at"`
}

func (e *BlocksReset) IdempotencyKey() string { return "reset:" + e.At.Format(time.RFC3339Nano) }
func (e *BlocksReset) EventType() EventType   { return EventTypeBlocksReset }
func (e *BlocksReset) PoolAddress() *string   { return nil }

type SettlementHalted struct {
	Reason string `json:"reason"`
	Height uint32 `json:"height"`
}

func (e *SettlementHalted) IdempotencyKey() string {
	return fmt.Sprintf("halt:%d", e.Height)
}
func (e *SettlementHalted) EventType() EventType { return EventTypeSettlementHalted }
func (e *SettlementHalted) PoolAddress() *string { return nil }
