package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Pool is one lending market: a custodial address plus the chain of states
// produced by executed transactions. The last state is the pool's current
// balance.
type Pool struct {
	Address string      `json:"address"`
	PubKey  string      `json:"pubkey"`
	Meta    CoinMeta    `json:"meta"`
	States  []PoolState `json:"states"`
}

// NewPool creates a pool with no states.
func NewPool(address, pubkey string, meta CoinMeta) *Pool {
	return &Pool{
		Address: address,
		PubKey:  pubkey,
		Meta:    meta,
		States:  []PoolState{},
	}
}

// CurrentState returns the last committed state.
func (p *Pool) CurrentState() (PoolState, bool) {
	if len(p.States) == 0 {
		return PoolState{}, false
	}
	return p.States[len(p.States)-1], true
}

// stateOrGenesis is the basis a deposit validates against.
func (p *Pool) stateOrGenesis() PoolState {
	if s, ok := p.CurrentState(); ok {
		return s.Clone()
	}
	return GenesisState(p.Meta.ID)
}

// Nonce returns the current nonce (0 for a pool that was never deposited to).
func (p *Pool) Nonce() uint64 {
	s, _ := p.CurrentState()
	return s.Nonce
}

// CurrentUtxo returns the utxo holding the pool's balance, if any.
func (p *Pool) CurrentUtxo() *Utxo {
	s, ok := p.CurrentState()
	if !ok || s.Utxo == nil {
		return nil
	}
	u := s.Utxo.Clone()
	return &u
}

// BTCReserve is the satoshi balance of the current state.
func (p *Pool) BTCReserve() uint64 {
	s, _ := p.CurrentState()
	return s.BTCSupply()
}

// CollateralReserve is the collateral balance of the current state.
func (p *Pool) CollateralReserve() *uint256.Int {
	s, ok := p.CurrentState()
	if !ok {
		return new(uint256.Int)
	}
	return s.CollateralSupply()
}

// DerivationPath is the signer path for the pool key.
func (p *Pool) DerivationPath() [][]byte {
	return [][]byte{p.Meta.ID.Bytes()}
}

// Commit appends a validated state. Validation has already happened; the
// only checks here are the chain invariants themselves.
func (p *Pool) Commit(state PoolState) {
	if state.IsGenesis() {
		panic(fmt.Sprintf("FATAL: pool %s: committing a genesis state", p.Address))
	}
	if len(p.States) == 0 && state.Nonce == 1 {
		p.States = append(p.States, GenesisState(p.Meta.ID))
	}
	if last, ok := p.CurrentState(); ok && state.Nonce != last.Nonce+1 {
		panic(fmt.Sprintf("FATAL: pool %s: committing nonce %d after %d", p.Address, state.Nonce, last.Nonce))
	}
	p.States = append(p.States, state.Clone())
}

// Rollback drops the state produced by txid and everything after it. If the
// matching state is the first retained one, the whole chain is cleared.
func (p *Pool) Rollback(txid string) error {
	idx := p.indexOf(txid)
	if idx < 0 {
		return fmt.Errorf("%w: %s in pool %s", ErrTxidNotFound, txid, p.Address)
	}
	if idx == 0 {
		p.States = []PoolState{}
		return nil
	}
	p.States = p.States[:idx]
	return nil
}

// Finalize makes the state produced by txid the first retained state,
// discarding the history before it. The current state never changes.
func (p *Pool) Finalize(txid string) error {
	idx := p.indexOf(txid)
	if idx < 0 {
		return fmt.Errorf("%w: %s in pool %s", ErrTxidNotFound, txid, p.Address)
	}
	if idx == 0 {
		return nil
	}
	kept := make([]PoolState, len(p.States)-idx)
	copy(kept, p.States[idx:])
	p.States = kept
	return nil
}

func (p *Pool) indexOf(txid string) int {
	if txid == "" {
		return -1
	}
	for i := range p.States {
		if p.States[i].Txid == txid {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	out := *p
	out.States = make([]PoolState, len(p.States))
	for i, s := range p.States {
		out.States[i] = s.Clone()
	}
	return &out
}

// PoolBasic is the list view of a pool.
type PoolBasic struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// PoolInfo is the detailed view of a pool's current state.
type PoolInfo struct {
	Key               string        `json:"key"`
	Name              string        `json:"name"`
	KeyDerivationPath []string      `json:"key_derivation_path"`
	Address           string        `json:"address"`
	Nonce             uint64        `json:"nonce"`
	BTCReserved       uint64        `json:"btc_reserved"`
	CoinReserved      []CoinBalance `json:"coin_reserved"`
	Utxos             []Utxo        `json:"utxos"`
	Attributes        string        `json:"attributes"`
}

func (p *Pool) Basic() PoolBasic {
	return PoolBasic{Name: p.Meta.Symbol, Address: p.Address}
}

func (p *Pool) Info() PoolInfo {
	info := PoolInfo{
		Key:          p.PubKey,
		Name:         p.Meta.Symbol,
		Address:      p.Address,
		CoinReserved: []CoinBalance{},
		Utxos:        []Utxo{},
		Attributes:   p.attributes(),
	}
	for _, path := range p.DerivationPath() {
		info.KeyDerivationPath = append(info.KeyDerivationPath, hex.EncodeToString(path))
	}
	if s, ok := p.CurrentState(); ok {
		info.Nonce = s.Nonce
		info.BTCReserved = s.BTCSupply()
		info.CoinReserved = append(info.CoinReserved, CoinBalance{ID: p.Meta.ID, Value: *s.CollateralSupply()})
		if s.Utxo != nil {
			info.Utxos = append(info.Utxos, s.Utxo.Clone())
		}
	}
	return info
}

func (p *Pool) attributes() string {
	attrs, _ := json.Marshal(map[string]any{
		"collateral":   p.Meta.ID.String(),
		"ratio":        "1:1",
		"min_reserved": DustLimit,
	})
	return string(attrs)
}
