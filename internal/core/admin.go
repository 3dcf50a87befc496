package core

import (
	"context"
	"encoding/hex"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/signer"
	"LendLedger/internal/state"
	"LendLedger/internal/store"
)

// --- Queries ---

func (e *Engine) GetPoolList(ctx context.Context) ([]ledger.PoolBasic, error) {
	var out []ledger.PoolBasic
	err := e.store.View(func(tx store.Tx) error {
		pools, err := tx.ListPools()
		if err != nil {
			return err
		}
		out = make([]ledger.PoolBasic, 0, len(pools))
		for _, p := range pools {
			out = append(out, p.Basic())
		}
		return nil
	})
	return out, err
}

// GetPoolInfo returns nil when the pool is unknown.
func (e *Engine) GetPoolInfo(ctx context.Context, address string) (*ledger.PoolInfo, error) {
	var info *ledger.PoolInfo
	err := e.store.View(func(tx store.Tx) error {
		p, err := tx.GetPool(address)
		if err != nil || p == nil {
			return err
		}
		i := p.Info()
		info = &i
		return nil
	})
	return info, err
}

func (e *Engine) GetMinimalTxValue() uint64 {
	return e.validator.MinTxValue
}

// GetBlocks returns retained blocks by ascending height.
func (e *Engine) GetBlocks(ctx context.Context) ([]event.Block, error) {
	var blocks []event.Block
	err := e.store.View(func(tx store.Tx) error {
		var err error
		blocks, err = tx.ListBlocks()
		return err
	})
	return blocks, err
}

func (e *Engine) GetBlock(ctx context.Context, height uint32) (*event.Block, error) {
	var block *event.Block
	err := e.store.View(func(tx store.Tx) error {
		var err error
		block, err = tx.GetBlock(height)
		return err
	})
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, height)
	}
	return block, nil
}

func (e *Engine) GetUnconfirmedTxs(ctx context.Context) ([]state.TxRecord, error) {
	var recs []state.TxRecord
	err := e.store.View(func(tx store.Tx) error {
		var err error
		recs, err = e.tracker.UnconfirmedTxs(tx)
		return err
	})
	return recs, err
}

// Status is the operator view of block processing.
type Status struct {
	Network     signer.Network `json:"network"`
	Halted      bool           `json:"halted"`
	Reason      string         `json:"reason,omitempty"`
	LatestBlock *event.Block   `json:"latest_block,omitempty"`
	BlockState  uint32         `json:"block_state"`
	MaxDepth    uint32         `json:"max_reorg_depth"`
	Sequence    int64          `json:"sequence"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{Network: e.network, MaxDepth: e.detector.MaxDepth(), Sequence: e.GetSequence() - 1}
	err := e.store.View(func(tx store.Tx) error {
		var err error
		if st.Halted, st.Reason, err = tx.Halted(); err != nil {
			return err
		}
		if st.BlockState, _, err = tx.BlockState(); err != nil {
			return err
		}
		st.LatestBlock, err = tx.LatestBlock()
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Admin ---

// ResetBlocks drops every retained block and lifts a halt.
func (e *Engine) ResetBlocks(ctx context.Context) error {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	err := e.store.Update(func(tx store.Tx) error {
		if err := tx.ClearBlocks(); err != nil {
			return err
		}
		return tx.SetHalted(false, "")
	})
	if err != nil {
		return fmt.Errorf("reset blocks: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SettlementHalted.Set(0)
	}
	now := e.now()
	reset := &event.BlocksReset{At: now.UTC()}
	e.emit(reset, now, mustJSON(reset))
	e.log.Warn().Msg("blocks reset")
	return nil
}

// InitPool creates the pool for a collateral asset. The key comes from the
// signer at the asset's derivation path. Calling it again for the same
// asset returns the existing pool.
func (e *Engine) InitPool(ctx context.Context, meta ledger.CoinMeta) (*ledger.PoolInfo, error) {
	if meta.ID.IsBTC() {
		return nil, fmt.Errorf("%w: %w: BTC cannot be pool collateral", ledger.ErrInvalidArgs, ledger.ErrInvalidPool)
	}
	pubkey, err := e.signer.PublicKey(ctx, [][]byte{meta.ID.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	address, err := signer.P2WPKHAddress(pubkey, e.network)
	if err != nil {
		return nil, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var (
		pool    *ledger.Pool
		created bool
	)
	err = e.store.Update(func(tx store.Tx) error {
		existing, err := tx.GetPool(address)
		if err != nil {
			return err
		}
		if existing != nil {
			pool = existing
			return nil
		}
		pool = ledger.NewPool(address, hex.EncodeToString(pubkey), meta)
		created = true
		return tx.PutPool(pool)
	})
	if err != nil {
		return nil, fmt.Errorf("init pool %s: %w", meta.ID, err)
	}

	if created {
		init := &event.PoolInitialized{Address: pool.Address, PubKey: pool.PubKey, Meta: pool.Meta}
		e.emit(init, e.now(), poolDigest(pool))
		e.log.Info().Str("pool", pool.Address).Str("collateral", meta.ID.String()).Str("symbol", meta.Symbol).Msg("pool initialized")
	}
	info := pool.Info()
	return &info, nil
}

// --- Snapshots ---

// SnapshotState is everything needed to rebuild the engine: the settlement
// store contents plus the log position they correspond to.
type SnapshotState struct {
	Sequence        int64            `json:"sequence"`
	StateHash       [32]byte         `json:"state_hash"`
	Pools           []*ledger.Pool   `json:"pools"`
	Blocks          []event.Block    `json:"blocks"`
	Unconfirmed     []state.TxRecord `json:"unconfirmed"`
	Confirmed       []state.TxRecord `json:"confirmed"`
	Halted          bool             `json:"halted"`
	HaltReason      string           `json:"halt_reason,omitempty"`
	BlockState      uint32           `json:"block_state"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
}

// ExportSnapshot captures a consistent view: no commit can land between
// reading the store and reading the sequence.
func (e *Engine) ExportSnapshot(ctx context.Context) (*SnapshotState, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		IdempotencyKeys: e.idempotency.lru.Keys(),
	}
	err := e.store.View(func(tx store.Tx) error {
		var err error
		if snap.Pools, err = tx.ListPools(); err != nil {
			return err
		}
		if snap.Blocks, err = tx.ListBlocks(); err != nil {
			return err
		}
		if snap.Unconfirmed, err = tx.ListTxRecords(false); err != nil {
			return err
		}
		if snap.Confirmed, err = tx.ListTxRecords(true); err != nil {
			return err
		}
		if snap.Halted, snap.HaltReason, err = tx.Halted(); err != nil {
			return err
		}
		snap.BlockState, _, err = tx.BlockState()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	return snap, nil
}

// RestoreSnapshot replaces the store contents with snap and resumes the
// log after it.
func (e *Engine) RestoreSnapshot(ctx context.Context, snap *SnapshotState) error {
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	err := e.store.Update(func(tx store.Tx) error {
		if err := tx.ClearAll(); err != nil {
			return err
		}
		for _, p := range snap.Pools {
			if err := tx.PutPool(p); err != nil {
				return err
			}
		}
		for _, b := range snap.Blocks {
			if err := tx.PutBlock(b); err != nil {
				return err
			}
		}
		for _, recs := range [][]state.TxRecord{snap.Unconfirmed, snap.Confirmed} {
			for _, r := range recs {
				if err := tx.PutTxRecord(r); err != nil {
					return err
				}
			}
		}
		if snap.BlockState > 0 {
			if err := tx.SetBlockState(snap.BlockState); err != nil {
				return err
			}
		}
		return tx.SetHalted(snap.Halted, snap.HaltReason)
	})
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(snap.Sequence))
		if snap.Halted {
			e.metrics.SettlementHalted.Set(1)
		}
	}
	e.log.Info().Int64("sequence", snap.Sequence).Int("pools", len(snap.Pools)).Msg("restored from snapshot")
	return nil
}
