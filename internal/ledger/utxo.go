package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Utxo is the single output holding a pool's combined BTC and rune balance.
type Utxo struct {
	Txid  string       `json:"txid"`
	Vout  uint32       `json:"vout"`
	Sats  uint64       `json:"sats"`
	Coins CoinBalances `json:"coins"`
}

// Outpoint renders the utxo as "txid:vout".
func (u Utxo) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.Txid, u.Vout)
}

// Clone returns a deep copy.
func (u Utxo) Clone() Utxo {
	coins := make(CoinBalances, len(u.Coins))
	copy(coins, u.Coins)
	u.Coins = coins
	return u
}

// NewUtxo builds a utxo at outpoint holding sats and coins.
func NewUtxo(outpoint string, coins CoinBalances, sats uint64) (Utxo, error) {
	txid, vout, err := ParseOutpoint(outpoint)
	if err != nil {
		return Utxo{}, err
	}
	return Utxo{Txid: txid, Vout: vout, Sats: sats, Coins: coins}, nil
}

// ParseOutpoint splits "txid:vout" and checks the txid is 32 hex bytes.
func ParseOutpoint(outpoint string) (string, uint32, error) {
	idx := strings.LastIndexByte(outpoint, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("%w: outpoint %q has no vout", ErrInvalidTxid, outpoint)
	}
	txid := outpoint[:idx]
	if err := ValidateTxid(txid); err != nil {
		return "", 0, err
	}
	vout, err := strconv.ParseUint(outpoint[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: outpoint %q: %v", ErrInvalidTxid, outpoint, err)
	}
	return txid, uint32(vout), nil
}

// ValidateTxid checks a txid is 64 hex characters.
func ValidateTxid(txid string) error {
	if len(txid) != 64 {
		return fmt.Errorf("%w: %q has length %d", ErrInvalidTxid, txid, len(txid))
	}
	if _, err := hex.DecodeString(txid); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTxid, txid, err)
	}
	return nil
}
