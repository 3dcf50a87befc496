package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrStaleNonce    = errors.New("pool state expired")
	ErrStateMismatch = errors.New("pool_utxo_spent/pool state mismatch")
	ErrBelowMinimum  = errors.New("amount below minimum")
	ErrTooSmallFunds = errors.New("too small funds")
	ErrOfferMismatch = errors.New("settlement deviates from quoted offer")
	ErrOverflow      = errors.New("overflow")
	ErrEmptyPool     = errors.New("the pool has not been initialized or has no liquidity")
	ErrTxidNotFound  = errors.New("txid not found in pool states")
	ErrInvalidPool   = errors.New("invalid pool")
	ErrInvalidTxid   = errors.New("invalid txid")
	ErrInvalidArgs   = errors.New("invalid settlement arguments")
)

// StaleNonceError carries the nonce the caller should retry with.
type StaleNonceError struct {
	Expected uint64
	Got      uint64
}

func (e *StaleNonceError) Error() string {
	return fmt.Sprintf("pool state expired, current = %d (got %d)", e.Expected, e.Got)
}

func (e *StaleNonceError) Is(target error) bool {
	return target == ErrStaleNonce
}

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgs, fmt.Sprintf(format, args...))
}
