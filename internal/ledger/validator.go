package ledger

import (
	"fmt"

	lmath "LendLedger/internal/math"
)

// Transition is what a settlement transaction claims to do to a pool.
type Transition struct {
	Txid             string        `json:"txid"`
	Nonce            uint64        `json:"nonce"`
	PoolUtxoSpent    []string      `json:"pool_utxo_spent"`
	PoolUtxoReceived []Utxo        `json:"pool_utxo_received"`
	InputCoins       []CoinBalance `json:"input_coins"`
	OutputCoins      []CoinBalance `json:"output_coins"`
}

// Validator holds the economic policy deposits and borrows are checked
// against. Validation is pure: it reads a pool and returns the state that
// would follow, without mutating anything.
type Validator struct {
	MinTxValue uint64
	MinReserve uint64
}

func NewValidator(minTxValue uint64) *Validator {
	if minTxValue == 0 {
		minTxValue = MinBTCValue
	}
	return &Validator{
		MinTxValue: minTxValue,
		MinReserve: BTCMeta().MinAmount,
	}
}

// DefaultValidator uses MinBTCValue and the BTC dust limit.
func DefaultValidator() *Validator {
	return NewValidator(MinBTCValue)
}

func checkNonce(state PoolState, nonce uint64) error {
	if state.Nonce != nonce {
		return &StaleNonceError{Expected: state.Nonce, Got: nonce}
	}
	return nil
}

func lastString(s []string) (string, bool) {
	if len(s) == 0 {
		return "", false
	}
	return s[len(s)-1], true
}

func lastUtxo(u []Utxo) (Utxo, bool) {
	if len(u) == 0 {
		return Utxo{}, false
	}
	return u[len(u)-1], true
}

// ValidateDeposit checks a BTC deposit into pool and returns the resulting
// state plus the utxo it spends (nil for the first deposit).
func (v *Validator) ValidateDeposit(pool *Pool, t Transition) (PoolState, *Utxo, error) {
	if err := ValidateTxid(t.Txid); err != nil {
		return PoolState{}, nil, err
	}
	if len(t.InputCoins) != 1 || len(t.OutputCoins) != 0 {
		return PoolState{}, nil, invalidArgs("deposit requires 1 input coin and 0 output coins")
	}
	input := t.InputCoins[0]
	if !input.ID.IsBTC() {
		return PoolState{}, nil, invalidArgs("deposit requires BTC, got %s", input.ID)
	}

	state := pool.stateOrGenesis()
	if err := checkNonce(state, t.Nonce); err != nil {
		return PoolState{}, nil, err
	}

	// Both sides absent is a match: first deposit into an empty pool.
	spent, hasSpent := lastString(t.PoolUtxoSpent)
	prev := state.Utxo
	if (prev == nil) != !hasSpent || (prev != nil && prev.Outpoint() != spent) {
		return PoolState{}, nil, ErrStateMismatch
	}

	received, ok := lastUtxo(t.PoolUtxoReceived)
	if !ok {
		return PoolState{}, nil, invalidArgs("pool_utxo_received not found")
	}

	sats, ok := lmath.SatsOf(&input.Value)
	if !ok {
		return PoolState{}, nil, ErrOverflow
	}
	if sats < v.MinTxValue {
		return PoolState{}, nil, ErrBelowMinimum
	}

	btcPool := state.BTCSupply()
	collateral := state.CollateralSupply()
	btcOut, ok := lmath.CheckedAddSats(btcPool, sats)
	if !ok {
		return PoolState{}, nil, ErrOverflow
	}

	coins := CoinBalances{}.With(state.CollateralID, collateral)
	utxo, err := NewUtxo(received.Outpoint(), coins, btcOut)
	if err != nil {
		return PoolState{}, nil, err
	}

	next := PoolState{
		Txid:         t.Txid,
		Nonce:        state.Nonce + 1,
		Utxo:         &utxo,
		CollateralID: state.CollateralID,
	}
	return next, prev, nil
}

// AvailableToBorrow quotes a borrow of requested BTC. The pool keeps at
// least MinReserve sats; larger requests are clamped to what is available.
// Collateral is required 1:1.
func (v *Validator) AvailableToBorrow(pool *Pool, requested CoinBalance) (CoinBalance, CoinBalance, error) {
	if !requested.ID.IsBTC() {
		return CoinBalance{}, CoinBalance{}, fmt.Errorf("%w: %w: borrow output must be BTC, got %s", ErrInvalidArgs, ErrInvalidPool, requested.ID)
	}
	state, ok := pool.CurrentState()
	if !ok {
		return CoinBalance{}, CoinBalance{}, ErrEmptyPool
	}
	supply := state.BTCSupply()
	if supply == 0 {
		return CoinBalance{}, CoinBalance{}, ErrEmptyPool
	}

	maxBorrow, ok := lmath.CheckedSubSats(supply, v.MinReserve)
	if !ok {
		return CoinBalance{}, CoinBalance{}, ErrOverflow
	}
	if maxBorrow == 0 {
		return CoinBalance{}, CoinBalance{}, ErrEmptyPool
	}

	want, ok := lmath.SatsOf(&requested.Value)
	if !ok {
		want = maxBorrow
	}
	offer := lmath.MinUint64(want, maxBorrow)

	return NewCoinBalance(state.CollateralID, offer), BTCBalance(offer), nil
}

// ValidateBorrow checks a borrow of BTC against rune collateral and returns
// the resulting state plus the utxo it spends.
func (v *Validator) ValidateBorrow(pool *Pool, t Transition) (PoolState, Utxo, error) {
	if err := ValidateTxid(t.Txid); err != nil {
		return PoolState{}, Utxo{}, err
	}
	if len(t.InputCoins) != 1 || len(t.OutputCoins) != 1 {
		return PoolState{}, Utxo{}, invalidArgs("borrow requires 1 input coin and 1 output coin")
	}
	input, output := t.InputCoins[0], t.OutputCoins[0]

	current, ok := pool.CurrentState()
	if !ok {
		return PoolState{}, Utxo{}, ErrEmptyPool
	}
	state := current.Clone()
	if err := checkNonce(state, t.Nonce); err != nil {
		return PoolState{}, Utxo{}, err
	}

	spent, ok := lastString(t.PoolUtxoSpent)
	if !ok {
		return PoolState{}, Utxo{}, invalidArgs("pool_utxo_spent not found")
	}
	if state.Utxo == nil {
		return PoolState{}, Utxo{}, ErrEmptyPool
	}
	prev := *state.Utxo
	if prev.Outpoint() != spent {
		return PoolState{}, Utxo{}, ErrStateMismatch
	}

	required, offered, err := v.AvailableToBorrow(pool, output)
	if err != nil {
		return PoolState{}, Utxo{}, err
	}
	borrowed := offered.Value.Uint64()
	if borrowed < v.MinTxValue {
		return PoolState{}, Utxo{}, ErrTooSmallFunds
	}

	if !output.Equal(offered) {
		return PoolState{}, Utxo{}, ErrOfferMismatch
	}
	if !input.Equal(required) {
		return PoolState{}, Utxo{}, ErrOfferMismatch
	}

	btcOut, ok := lmath.CheckedSubSats(prev.Sats, borrowed)
	if !ok {
		return PoolState{}, Utxo{}, ErrOverflow
	}
	collateralOut, ok := lmath.CheckedAdd(prev.Coins.ValueOf(state.CollateralID), &required.Value)
	if !ok {
		return PoolState{}, Utxo{}, ErrOverflow
	}

	received, ok := lastUtxo(t.PoolUtxoReceived)
	if !ok {
		return PoolState{}, Utxo{}, invalidArgs("pool_utxo_received not found")
	}
	utxo, err := NewUtxo(received.Outpoint(), CoinBalances{}.With(state.CollateralID, collateralOut), btcOut)
	if err != nil {
		return PoolState{}, Utxo{}, err
	}

	next := PoolState{
		Txid:         t.Txid,
		Nonce:        state.Nonce + 1,
		Utxo:         &utxo,
		CollateralID: state.CollateralID,
	}
	return next, prev, nil
}

// ValidateDeposit validates against the default policy.
func (p *Pool) ValidateDeposit(t Transition) (PoolState, *Utxo, error) {
	return DefaultValidator().ValidateDeposit(p, t)
}

// ValidateBorrow validates against the default policy.
func (p *Pool) ValidateBorrow(t Transition) (PoolState, Utxo, error) {
	return DefaultValidator().ValidateBorrow(p, t)
}

// AvailableToBorrow quotes against the default policy.
func (p *Pool) AvailableToBorrow(requested CoinBalance) (CoinBalance, CoinBalance, error) {
	return DefaultValidator().AvailableToBorrow(p, requested)
}
