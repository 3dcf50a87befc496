package state

import (
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

// TxRecord lists the pools a transaction touched. A txid has two
// independent slots keyed by Confirmed so the unconfirmed and confirmed
// views can coexist while a confirmation is still reorg-able.
type TxRecord struct {
	Txid      string   `json:"txid"`
	Confirmed bool     `json:"confirmed"`
	Pools     []string `json:"pools"`
}

// AddPool appends address unless it is already present. Returns whether the
// record changed.
func (r *TxRecord) AddPool(address string) bool {
	for _, p := range r.Pools {
		if p == address {
			return false
		}
	}
	r.Pools = append(r.Pools, address)
	return true
}

// Clone returns a copy with its own pool slice.
func (r TxRecord) Clone() TxRecord {
	pools := make([]string, len(r.Pools))
	copy(pools, r.Pools)
	r.Pools = pools
	return r
}

// Repository is the keyed storage the tracker and the reorg detector work
// over. Getters return (nil, nil) when the key is absent. Implementations
// are expected to be transactional: everything done through one Repository
// value lands together or not at all.
type Repository interface {
	GetPool(address string) (*ledger.Pool, error)
	PutPool(pool *ledger.Pool) error
	ListPools() ([]*ledger.Pool, error)

	GetBlock(height uint32) (*event.Block, error)
	PutBlock(block event.Block) error
	DeleteBlock(height uint32) error
	// ListBlocks returns retained blocks by ascending height.
	ListBlocks() ([]event.Block, error)
	LatestBlock() (*event.Block, error)

	GetTxRecord(txid string, confirmed bool) (*TxRecord, error)
	PutTxRecord(record TxRecord) error
	DeleteTxRecord(txid string, confirmed bool) error
	ListTxRecords(confirmed bool) ([]TxRecord, error)
}
