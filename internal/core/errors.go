package core

import (
	"errors"
	"fmt"

	"LendLedger/internal/event"
)

var (
	ErrSettlementHalted   = errors.New("settlement halted: unrecoverable reorg pending manual review")
	ErrPoolBusy           = errors.New("pool is busy with another transaction")
	ErrAlreadyExecuted    = errors.New("transaction already executed for pool")
	ErrSigningUnavailable = errors.New("signing unavailable")
	ErrUnsupportedAction  = event.ErrUnsupportedAction
	ErrBlockNotFound      = errors.New("block not found")
)

// ReorgKind classifies a block report that is not a simple extension.
type ReorgKind int

const (
	ReorgRecoverable ReorgKind = iota + 1
	ReorgDuplicate
	ReorgUnrecoverable
)

func (k ReorgKind) String() string {
	switch k {
	case ReorgRecoverable:
		return "recoverable"
	case ReorgDuplicate:
		return "duplicate"
	case ReorgUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

var (
	ErrRecoverableReorg   = errors.New("recoverable reorg")
	ErrDuplicateBlock     = errors.New("duplicate block")
	ErrUnrecoverableReorg = errors.New("unrecoverable reorg")
)

// ReorgError describes how a reported block relates to the retained chain.
// For a recoverable reorg Height is the current tip and Depth the number of
// blocks to unwind; for a duplicate Height and Hash identify the block.
type ReorgError struct {
	Kind   ReorgKind
	Height uint32
	Depth  uint32
	Hash   string
	Reason string
}

func (e *ReorgError) Error() string {
	switch e.Kind {
	case ReorgRecoverable:
		return fmt.Sprintf("recoverable reorg at height %d, depth %d", e.Height, e.Depth)
	case ReorgDuplicate:
		return fmt.Sprintf("duplicate block at height %d with hash %s", e.Height, e.Hash)
	default:
		return fmt.Sprintf("unrecoverable reorg at height %d: %s", e.Height, e.Reason)
	}
}

func (e *ReorgError) Is(target error) bool {
	switch e.Kind {
	case ReorgRecoverable:
		return target == ErrRecoverableReorg
	case ReorgDuplicate:
		return target == ErrDuplicateBlock
	case ReorgUnrecoverable:
		return target == ErrUnrecoverableReorg
	}
	return false
}
