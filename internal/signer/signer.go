package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/hkdf"
)

// Signer produces pool keys and signatures for a derivation path. Calls
// may block (remote key service) and must honour ctx.
type Signer interface {
	PublicKey(ctx context.Context, path [][]byte) ([]byte, error)
	Sign(ctx context.Context, digest [32]byte, path [][]byte) ([]byte, error)
}

// ErrEmptySeed is returned by NewLocalSigner for a zero-length seed.
var ErrEmptySeed = errors.New("signer: empty seed")

// LocalSigner derives one secp256k1 key per derivation path from a master
// seed with HKDF-SHA256. The path segments are the HKDF info, so distinct
// pools get unrelated keys.
type LocalSigner struct {
	seed []byte
}

func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &LocalSigner{seed: s}, nil
}

func (s *LocalSigner) key(path [][]byte) (*secp256k1.PrivateKey, error) {
	info := bytes.Join(path, []byte{'/'})
	r := hkdf.New(sha256.New, s.seed, nil, info)
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return secp256k1.PrivKeyFromBytes(buf[:]), nil
}

// PublicKey returns the 33-byte compressed key for path.
func (s *LocalSigner) PublicKey(ctx context.Context, path [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := s.key(path)
	if err != nil {
		return nil, err
	}
	return priv.PubKey().SerializeCompressed(), nil
}

// Sign returns a DER-encoded ECDSA signature over digest.
func (s *LocalSigner) Sign(ctx context.Context, digest [32]byte, path [][]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := s.key(path)
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(priv, digest[:]).Serialize(), nil
}

// Verify checks a DER signature against a compressed public key.
func Verify(pubkey []byte, digest [32]byte, sig []byte) (bool, error) {
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false, fmt.Errorf("parse pubkey: %w", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("parse signature: %w", err)
	}
	return parsed.Verify(digest[:], pk), nil
}

// UtxoDigest is what the pool signs when it spends outpoint in txid.
func UtxoDigest(outpoint, txid string) [32]byte {
	h := sha256.New()
	h.Write([]byte(outpoint))
	h.Write([]byte{0})
	h.Write([]byte(txid))
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}
