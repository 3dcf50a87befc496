package store

import (
	"errors"

	"LendLedger/internal/state"
)

// ErrNotFound is returned when a bucket or meta key the store depends on
// is missing.
var ErrNotFound = errors.New("store: not found")

// Tx is one transaction over the settlement state. It is the tracker's
// Repository plus the meta keys the engine keeps next to it.
type Tx interface {
	state.Repository

	// Halted reports whether block processing was stopped by an
	// unrecoverable reorg, and why.
	Halted() (bool, string, error)
	SetHalted(halted bool, reason string) error

	// BlockState is the height of the last block the confirm hook saw.
	BlockState() (uint32, bool, error)
	SetBlockState(height uint32) error

	// ClearBlocks drops every retained block.
	ClearBlocks() error
	// ClearAll drops pools, blocks, tx records and meta.
	ClearAll() error
}

// Store runs transactions. Update is atomic: if fn returns an error
// nothing it wrote is visible afterwards.
type Store interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	Close() error
}

type haltState struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
}

type blockState struct {
	BlockNumber uint32 `json:"block_number"`
}

var errReadOnly = errors.New("store: write in read-only transaction")
