package query

import "time"

// PoolReserveResponse is the projected balance of one pool.
type PoolReserveResponse struct {
	PoolAddress  string    `json:"pool_address"`
	Symbol       string    `json:"symbol"`
	CollateralID string    `json:"collateral_id"`
	Nonce        uint64    `json:"nonce"`
	BTCReserved  uint64    `json:"btc_reserved"`
	CoinReserved string    `json:"coin_reserved"` // decimal, up to u128
	Utxo         *string   `json:"utxo,omitempty"`
	LastTxid     *string   `json:"last_txid,omitempty"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// TxStatusEntry is the settlement status of a transaction in one pool.
type TxStatusEntry struct {
	PoolAddress  string    `json:"pool_address"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	Nonce        uint64    `json:"nonce"`
	BlockHeight  *int64    `json:"block_height,omitempty"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TxStatusResponse groups every pool a transaction touched.
type TxStatusResponse struct {
	Txid         string          `json:"txid"`
	Pools        []TxStatusEntry `json:"pools"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// PoolHistoryEntry is one settlement event recorded against a pool.
type PoolHistoryEntry struct {
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	Txid      *string   `json:"txid,omitempty"`
	Action    *string   `json:"action,omitempty"`
	Nonce     *int64    `json:"nonce,omitempty"`
	StateHash string    `json:"state_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// PoolHistoryResponse is one page of a pool's history, newest first.
type PoolHistoryResponse struct {
	PoolAddress  string             `json:"pool_address"`
	Entries      []PoolHistoryEntry `json:"entries"`
	NextBefore   *int64             `json:"next_before,omitempty"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	ProjectionLag   int64   `json:"projection_lag"`
}
