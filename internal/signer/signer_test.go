package signer_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"LendLedger/internal/signer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.NewLocalSigner([]byte("lendledger-test-seed"))
	require.NoError(t, err)
	return s
}

func TestLocalSigner_KeysPerPath(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	a, err := s.PublicKey(ctx, [][]byte{{0x01}})
	require.NoError(t, err)
	again, err := s.PublicKey(ctx, [][]byte{{0x01}})
	require.NoError(t, err)
	b, err := s.PublicKey(ctx, [][]byte{{0x02}})
	require.NoError(t, err)

	assert.Len(t, a, 33)
	assert.True(t, a[0] == 0x02 || a[0] == 0x03, "compressed prefix")
	assert.Equal(t, a, again, "derivation is deterministic")
	assert.False(t, bytes.Equal(a, b), "paths get distinct keys")
}

func TestLocalSigner_SignVerifies(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()
	path := [][]byte{{0, 0, 0, 0, 0, 1, 0x1c, 0x5e, 0, 0, 0x04, 0x22}}

	pub, err := s.PublicKey(ctx, path)
	require.NoError(t, err)

	digest := signer.UtxoDigest("aa:0", "bb")
	sig, err := s.Sign(ctx, digest, path)
	require.NoError(t, err)

	ok, err := signer.Verify(pub, digest, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	other := signer.UtxoDigest("aa:1", "bb")
	ok, err = signer.Verify(pub, other, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalSigner_HonoursContext(t *testing.T) {
	s := newTestSigner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Sign(ctx, [32]byte{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalSigner_EmptySeed(t *testing.T) {
	_, err := signer.NewLocalSigner(nil)
	assert.ErrorIs(t, err, signer.ErrEmptySeed)
}

func TestP2WPKHAddress(t *testing.T) {
	// BIP-173 test vector.
	pub, err := hex.DecodeString("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.NoError(t, err)

	addr, err := signer.P2WPKHAddress(pub, signer.Mainnet)
	require.NoError(t, err)
	assert.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", addr)

	hrp, prog, err := signer.DecodeP2WPKH(addr)
	require.NoError(t, err)
	assert.Equal(t, "bc", hrp)
	assert.Equal(t, signer.Hash160(pub), prog)

	reg, err := signer.P2WPKHAddress(pub, signer.Regtest)
	require.NoError(t, err)
	assert.Regexp(t, `^bcrt1q`, reg)

	_, err = signer.P2WPKHAddress(pub[:20], signer.Mainnet)
	assert.Error(t, err)
	_, err = signer.P2WPKHAddress(pub, signer.Network("signet"))
	assert.Error(t, err)
}
