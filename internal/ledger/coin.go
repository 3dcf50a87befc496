package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// CoinID identifies an asset by its etching location (block:tx).
// BTC is the zero value.
type CoinID struct {
	Block uint64
	Tx    uint32
}

// BTC is the settlement asset.
var BTC = CoinID{}

// DefaultCollateralID is the rune accepted as collateral by the demo pool.
const DefaultCollateralID = "72798:1058"

// MinBTCValue is the smallest satoshi amount a single deposit or borrow may move.
const MinBTCValue uint64 = 10_000

// DustLimit is the minimum BTC reserve a pool keeps, and the smallest
// amount a deposit quote accepts.
const DustLimit uint64 = 546

// ParseCoinID parses "block:tx".
func ParseCoinID(s string) (CoinID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return CoinID{}, fmt.Errorf("invalid coin id %q: expected block:tx", s)
	}
	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return CoinID{}, fmt.Errorf("invalid coin id block %q: %w", parts[0], err)
	}
	tx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return CoinID{}, fmt.Errorf("invalid coin id tx %q: %w", parts[1], err)
	}
	return CoinID{Block: block, Tx: uint32(tx)}, nil
}

// MustParseCoinID panics on malformed input. Used for constants.
func MustParseCoinID(s string) CoinID {
	id, err := ParseCoinID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (c CoinID) String() string {
	return fmt.Sprintf("%d:%d", c.Block, c.Tx)
}

func (c CoinID) IsBTC() bool {
	return c == BTC
}

// Bytes is the 12-byte big-endian encoding used as a key derivation path.
func (c CoinID) Bytes() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], c.Block)
	binary.BigEndian.PutUint32(buf[8:], c.Tx)
	return buf
}

func (c CoinID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CoinID) UnmarshalText(b []byte) error {
	id, err := ParseCoinID(string(b))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// CoinBalance is an amount of one asset.
type CoinBalance struct {
	ID    CoinID
	Value uint256.Int
}

func NewCoinBalance(id CoinID, value uint64) CoinBalance {
	return CoinBalance{ID: id, Value: *uint256.NewInt(value)}
}

// BTCBalance is shorthand for a satoshi amount.
func BTCBalance(sats uint64) CoinBalance {
	return NewCoinBalance(BTC, sats)
}

func (c CoinBalance) Equal(other CoinBalance) bool {
	return c.ID == other.ID && c.Value.Eq(&other.Value)
}

func (c CoinBalance) String() string {
	return fmt.Sprintf("%s@%s", c.Value.Dec(), c.ID)
}

type coinBalanceJSON struct {
	ID    CoinID `json:"id"`
	Value string `json:"value"`
}

func (c CoinBalance) MarshalJSON() ([]byte, error) {
	return json.Marshal(coinBalanceJSON{ID: c.ID, Value: c.Value.Dec()})
}

func (c *CoinBalance) UnmarshalJSON(b []byte) error {
	var j coinBalanceJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	v, err := uint256.FromDecimal(j.Value)
	if err != nil {
		return fmt.Errorf("coin value %q: %w", j.Value, err)
	}
	c.ID = j.ID
	c.Value = *v
	return nil
}

// CoinBalances is a small multiset of balances keyed by CoinID.
type CoinBalances []CoinBalance

// ValueOf returns the amount held for id (zero if absent).
func (cb CoinBalances) ValueOf(id CoinID) *uint256.Int {
	for i := range cb {
		if cb[i].ID == id {
			return new(uint256.Int).Set(&cb[i].Value)
		}
	}
	return new(uint256.Int)
}

// With returns a copy of cb where id holds exactly value.
func (cb CoinBalances) With(id CoinID, value *uint256.Int) CoinBalances {
	out := make(CoinBalances, 0, len(cb)+1)
	found := false
	for _, c := range cb {
		if c.ID == id {
			c.Value = *new(uint256.Int).Set(value)
			found = true
		}
		out = append(out, c)
	}
	if !found {
		out = append(out, CoinBalance{ID: id, Value: *new(uint256.Int).Set(value)})
	}
	return out
}

// CoinMeta is the immutable description of a pool's collateral asset.
type CoinMeta struct {
	ID        CoinID `json:"id"`
	Symbol    string `json:"symbol"`
	MinAmount uint64 `json:"min_amount"`
}

// BTCMeta describes the settlement asset.
func BTCMeta() CoinMeta {
	return CoinMeta{ID: BTC, Symbol: "BTC", MinAmount: DustLimit}
}
