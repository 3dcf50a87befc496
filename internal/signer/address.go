package signer

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"
)

// Network selects the address prefix.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// HRP is the bech32 human-readable part for n.
func (n Network) HRP() (string, error) {
	switch n {
	case Mainnet:
		return "bc", nil
	case Testnet:
		return "tb", nil
	case Regtest:
		return "bcrt", nil
	default:
		return "", fmt.Errorf("unknown network %q", n)
	}
}

// Hash160 is RIPEMD160(SHA256(b)).
func Hash160(b []byte) []byte {
	sum := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sum[:])
	return r.Sum(nil)
}

// P2WPKHAddress encodes a compressed pubkey as a version-0 segwit address.
func P2WPKHAddress(pubkey []byte, network Network) (string, error) {
	if len(pubkey) != 33 {
		return "", fmt.Errorf("p2wpkh: expected 33-byte compressed key, got %d", len(pubkey))
	}
	hrp, err := network.HRP()
	if err != nil {
		return "", err
	}
	prog, err := bech32.ConvertBits(Hash160(pubkey), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("p2wpkh: %w", err)
	}
	return bech32.Encode(hrp, append([]byte{0}, prog...))
}

// DecodeP2WPKH returns the hrp and 20-byte program of a v0 address.
func DecodeP2WPKH(addr string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", nil, fmt.Errorf("decode address: %w", err)
	}
	if len(data) == 0 || data[0] != 0 {
		return "", nil, fmt.Errorf("decode address: not a v0 witness program")
	}
	prog, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("decode address: %w", err)
	}
	if len(prog) != 20 {
		return "", nil, fmt.Errorf("decode address: program length %d", len(prog))
	}
	return hrp, prog, nil
}
