package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

const GenesisHashSeed = "LendLedger:genesis:v1"

// StateHasher chains the settlement log: every envelope's hash commits to
// the previous one.
type StateHasher struct {
	mu       sync.Mutex
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// GenesisHash is the chain tip before any event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip. It returns the previous tip as well.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) (hash, prev [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	copy(hash[:], hasher.Sum(nil))
	prev = h.prevHash
	h.prevHash = hash
	return hash, prev
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevHash
}

// SetPrevHash restores the tip after a restart.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prevHash = hash
}
