package core

import (
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/signer"
	"LendLedger/internal/state"
)

// MaxRecoverableReorgDepth is how many blocks a network may reorganise
// before the local view can no longer be reconciled.
func MaxRecoverableReorgDepth(n signer.Network) uint32 {
	switch n {
	case signer.Testnet:
		return 64
	default:
		return 6
	}
}

// ReorgDetector classifies block reports against the retained blocks.
type ReorgDetector struct {
	network  signer.Network
	maxDepth uint32
}

// NewReorgDetector uses the network depth unless override is non-zero.
func NewReorgDetector(network signer.Network, override uint32) *ReorgDetector {
	depth := MaxRecoverableReorgDepth(network)
	if override > 0 {
		depth = override
	}
	return &ReorgDetector{network: network, maxDepth: depth}
}

// MaxDepth is the reorg depth the detector tolerates, which is also the
// finalization distance.
func (d *ReorgDetector) MaxDepth() uint32 {
	return d.maxDepth
}

func (d *ReorgDetector) Network() signer.Network {
	return d.network
}

// Detect returns nil when block extends (or starts) the retained chain,
// otherwise a *ReorgError.
func (d *ReorgDetector) Detect(repo state.Repository, block event.Block) error {
	current, err := repo.LatestBlock()
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if current == nil {
		return nil
	}

	if block.Height == current.Height+1 {
		return nil
	}
	if block.Height > current.Height+1 {
		return &ReorgError{
			Kind:   ReorgUnrecoverable,
			Height: block.Height,
			Reason: fmt.Sprintf("gap after retained tip %d", current.Height),
		}
	}

	depth := current.Height - block.Height + 1
	if depth > d.maxDepth {
		return &ReorgError{
			Kind:   ReorgUnrecoverable,
			Height: block.Height,
			Depth:  depth,
			Reason: fmt.Sprintf("depth %d exceeds %d", depth, d.maxDepth),
		}
	}

	retained, err := repo.GetBlock(block.Height)
	if err != nil {
		return fmt.Errorf("get block %d: %w", block.Height, err)
	}
	// A height below the retained window was already finalized; treat the
	// report as a replay.
	if retained == nil || retained.Hash == block.Hash {
		return &ReorgError{Kind: ReorgDuplicate, Height: block.Height, Hash: block.Hash}
	}
	return &ReorgError{Kind: ReorgRecoverable, Height: current.Height, Depth: depth}
}

// Recover unwinds depth blocks from height downwards. Confirmations in
// those blocks are demoted back to unconfirmed; pools are left alone since
// the transactions may confirm again on the new chain.
func (d *ReorgDetector) Recover(repo state.Repository, tracker *state.Tracker, height, depth uint32) ([]string, error) {
	var demoted []string
	for i := uint32(0); i < depth && i <= height; i++ {
		h := height - i
		block, err := repo.GetBlock(h)
		if err != nil {
			return nil, fmt.Errorf("get block %d: %w", h, err)
		}
		if block == nil {
			continue
		}
		for _, txid := range block.ConfirmedTxids {
			ok, err := tracker.Demote(repo, txid)
			if err != nil {
				return nil, err
			}
			if ok {
				demoted = append(demoted, txid)
			}
		}
		if err := repo.DeleteBlock(h); err != nil {
			return nil, fmt.Errorf("delete block %d: %w", h, err)
		}
	}
	return demoted, nil
}
