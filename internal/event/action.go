package event

import (
	"errors"
	"fmt"

	"LendLedger/internal/ledger"
)

var ErrUnsupportedAction = errors.New("unsupported action")

// Action is the closed set of pool operations a settlement transaction can
// carry. The unexported method keeps the set sealed to this package; callers
// dispatch with a type switch.
type Action interface {
	Name() string
	Params() ledger.Transition
	isAction()
}

// Deposit adds BTC liquidity to a pool.
type Deposit struct {
	ledger.Transition
}

func (Deposit) Name() string                { return "deposit" }
func (d Deposit) Params() ledger.Transition { return d.Transition }
func (Deposit) isAction()                   {}

// Borrow takes BTC out of a pool against 1:1 collateral.
type Borrow struct {
	ledger.Transition
}

func (Borrow) Name() string                { return "borrow" }
func (b Borrow) Params() ledger.Transition { return b.Transition }
func (Borrow) isAction()                   {}

// NewAction resolves the action tag used on the wire.
func NewAction(name string, t ledger.Transition) (Action, error) {
	switch name {
	case "deposit":
		return Deposit{Transition: t}, nil
	case "borrow":
		return Borrow{Transition: t}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, name)
	}
}

// Intention is one pool's part of a settlement transaction.
type Intention struct {
	PoolAddress string
	Action      Action
}

// ExecuteRequest asks the core to settle txid against a pool.
type ExecuteRequest struct {
	Txid      string
	Intention Intention
}

// Transition returns the action parameters bound to the request txid.
func (r ExecuteRequest) Transition() ledger.Transition {
	t := r.Intention.Action.Params()
	t.Txid = r.Txid
	return t
}

// DepositOffer is the quote returned by pre_deposit.
type DepositOffer struct {
	Input  *ledger.Utxo       `json:"input,omitempty"`
	Output ledger.CoinBalance `json:"output"`
	Nonce  uint64             `json:"nonce"`
}

// BorrowOffer is the quote returned by pre_borrow.
type BorrowOffer struct {
	Input              ledger.Utxo        `json:"input"`
	Output             ledger.CoinBalance `json:"output"`
	RequiredCollateral ledger.CoinBalance `json:"required_collateral"`
	Nonce              uint64             `json:"nonce"`
}

// ExecuteParams is the wire form of an ExecuteRequest: the transition
// fields flattened next to the pool and action tag.
type ExecuteParams struct {
	PoolAddress string `json:"pool_address"`
	Action      string `json:"action"`
	ledger.Transition
}

// Request resolves the action tag.
func (p ExecuteParams) Request() (ExecuteRequest, error) {
	if p.PoolAddress == "" {
		return ExecuteRequest{}, fmt.Errorf("%w: missing pool_address", ledger.ErrInvalidArgs)
	}
	action, err := NewAction(p.Action, p.Transition)
	if err != nil {
		return ExecuteRequest{}, err
	}
	return ExecuteRequest{
		Txid:      p.Txid,
		Intention: Intention{PoolAddress: p.PoolAddress, Action: action},
	}, nil
}
