package ledger

import (
	"github.com/holiman/uint256"
)

// PoolState is one committed transition of a pool. States are never
// modified after they are appended; rollback and finalize only move the
// boundaries of the chain.
type PoolState struct {
	Txid         string `json:"txid,omitempty"`
	Nonce        uint64 `json:"nonce"`
	Utxo         *Utxo  `json:"utxo,omitempty"`
	CollateralID CoinID `json:"collateral_id"`
}

// GenesisState is the synthetic state a pool validates against before its
// first deposit.
func GenesisState(collateral CoinID) PoolState {
	return PoolState{CollateralID: collateral}
}

func (s PoolState) IsGenesis() bool {
	return s.Txid == "" && s.Nonce == 0 && s.Utxo == nil
}

// BTCSupply is the satoshi balance held by the state's utxo.
func (s PoolState) BTCSupply() uint64 {
	if s.Utxo == nil {
		return 0
	}
	return s.Utxo.Sats
}

// CollateralSupply is the collateral balance held by the state's utxo.
func (s PoolState) CollateralSupply() *uint256.Int {
	if s.Utxo == nil {
		return new(uint256.Int)
	}
	return s.Utxo.Coins.ValueOf(s.CollateralID)
}

// Clone returns a deep copy so callers cannot alias the chain's utxo.
func (s PoolState) Clone() PoolState {
	if s.Utxo != nil {
		u := s.Utxo.Clone()
		s.Utxo = &u
	}
	return s
}
