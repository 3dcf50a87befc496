package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MaxAmount is the largest coin amount a pool tracks (2^128 - 1).
// Rune balances are u128 on chain; anything wider is treated as overflow.
var MaxAmount = new(uint256.Int).Sub(
	new(uint256.Int).Lsh(uint256.NewInt(1), 128),
	uint256.NewInt(1),
)

// CheckedAdd returns a + b, or false if the sum exceeds MaxAmount.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow || sum.Gt(MaxAmount) {
		return nil, false
	}
	return sum, true
}

// CheckedSub returns a - b, or false if b > a.
func CheckedSub(a, b *uint256.Int) (*uint256.Int, bool) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, false
	}
	return diff, true
}

// CheckedAddSats adds two satoshi amounts without wrapping.
func CheckedAddSats(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// CheckedSubSats subtracts two satoshi amounts without wrapping.
func CheckedSubSats(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}

// SatsOf narrows an amount to satoshis. BTC values above 2^64-1 cannot exist.
func SatsOf(v *uint256.Int) (uint64, bool) {
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// ParseAmount parses a decimal amount and enforces MaxAmount.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if v.Gt(MaxAmount) {
		return nil, fmt.Errorf("amount %s exceeds 128 bits", s)
	}
	return v, nil
}

// MinUint64 returns the smaller of a and b.
func MinUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
