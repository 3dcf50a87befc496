package state

import (
	"errors"
	"fmt"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"

	"github.com/rs/zerolog"
)

// Tracker moves transactions through unconfirmed, confirmed and finalized,
// and applies each step to the pools a transaction touched. It holds no
// state of its own; everything lives in the Repository.
type Tracker struct {
	log zerolog.Logger
}

func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{log: logger}
}

// RecordExecution adds pool to txid's unconfirmed record.
func (t *Tracker) RecordExecution(repo Repository, txid, pool string) error {
	rec, err := repo.GetTxRecord(txid, false)
	if err != nil {
		return fmt.Errorf("get unconfirmed record %s: %w", txid, err)
	}
	if rec == nil {
		rec = &TxRecord{Txid: txid}
	}
	if !rec.AddPool(pool) {
		return nil
	}
	t.log.Debug().Str("txid", txid).Str("pool", pool).Msg("recorded unconfirmed tx")
	return repo.PutTxRecord(*rec)
}

// OnBlockConfirmed copies the unconfirmed record of every txid in block
// into its confirmed slot. The unconfirmed copy is kept. Returns the txids
// that had a record.
func (t *Tracker) OnBlockConfirmed(repo Repository, block event.Block) ([]string, error) {
	var confirmed []string
	for _, txid := range block.ConfirmedTxids {
		rec, err := repo.GetTxRecord(txid, false)
		if err != nil {
			return nil, fmt.Errorf("get unconfirmed record %s: %w", txid, err)
		}
		if rec == nil {
			continue
		}
		c := rec.Clone()
		c.Confirmed = true
		if err := repo.PutTxRecord(c); err != nil {
			return nil, fmt.Errorf("put confirmed record %s: %w", txid, err)
		}
		confirmed = append(confirmed, txid)
		t.log.Info().
			Str("txid", txid).
			Uint32("height", block.Height).
			Strs("pools", c.Pools).
			Msg("tx confirmed")
	}
	return confirmed, nil
}

// ComputeConfirmedHeight is the highest height that can no longer be
// reorganised away. ok is false while the chain is shorter than maxDepth.
func ComputeConfirmedHeight(latest, maxDepth uint32) (uint32, bool) {
	if maxDepth == 0 || latest+1 < maxDepth {
		return 0, false
	}
	return latest - maxDepth + 1, true
}

// OnFinalizationThreshold finalizes every confirmed txid in retained blocks
// at or below confirmedHeight, ascending, then purges those blocks and the
// txids' records. Per-pool failures are collected in the report; the
// returned error is reserved for repository failures.
func (t *Tracker) OnFinalizationThreshold(repo Repository, confirmedHeight uint32) (*SweepReport, error) {
	report := &SweepReport{}
	blocks, err := repo.ListBlocks()
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}

	for _, block := range blocks {
		if block.Height > confirmedHeight {
			break
		}
		for _, txid := range block.ConfirmedTxids {
			rec, err := repo.GetTxRecord(txid, true)
			if err != nil {
				return nil, fmt.Errorf("get confirmed record %s: %w", txid, err)
			}
			if rec == nil {
				continue
			}
			for _, address := range rec.Pools {
				if err := applyToPool(repo, address, func(p *ledger.Pool) error {
					return p.Finalize(txid)
				}); err != nil {
					report.fail(txid, address, err)
					t.log.Warn().Err(err).Str("txid", txid).Str("pool", address).Msg("finalize failed")
				}
			}
			if err := deleteBothSlots(repo, txid); err != nil {
				return nil, err
			}
			report.Finalized = append(report.Finalized, FinalizedTx{
				Txid:   txid,
				Height: block.Height,
				Pools:  rec.Pools,
			})
			t.log.Info().Str("txid", txid).Uint32("height", block.Height).Msg("tx finalized")
		}
		if err := repo.DeleteBlock(block.Height); err != nil {
			return nil, fmt.Errorf("delete block %d: %w", block.Height, err)
		}
		report.PurgedHeights = append(report.PurgedHeights, block.Height)
	}
	return report, nil
}

// OnRollbackSignal rolls back every pool txid touched and deletes its
// records. The confirmed record takes precedence over the unconfirmed one.
func (t *Tracker) OnRollbackSignal(repo Repository, txid string) (*SweepReport, error) {
	rec, err := repo.GetTxRecord(txid, true)
	if err != nil {
		return nil, fmt.Errorf("get confirmed record %s: %w", txid, err)
	}
	if rec == nil {
		rec, err = repo.GetTxRecord(txid, false)
		if err != nil {
			return nil, fmt.Errorf("get unconfirmed record %s: %w", txid, err)
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxRecordNotFound, txid)
	}

	report := &SweepReport{}
	for _, address := range rec.Pools {
		if err := applyToPool(repo, address, func(p *ledger.Pool) error {
			return p.Rollback(txid)
		}); err != nil {
			report.fail(txid, address, err)
			t.log.Warn().Err(err).Str("txid", txid).Str("pool", address).Msg("rollback failed")
			continue
		}
		report.RolledBack = append(report.RolledBack, address)
	}
	if err := deleteBothSlots(repo, txid); err != nil {
		return nil, err
	}
	t.log.Info().Str("txid", txid).Strs("pools", report.RolledBack).Msg("tx rolled back")
	return report, nil
}

// Demote moves a confirmed record back to unconfirmed, merging pools into
// any unconfirmed copy. Pools are not touched: the transaction may confirm
// again on the new chain. Returns false when there was nothing to demote.
func (t *Tracker) Demote(repo Repository, txid string) (bool, error) {
	conf, err := repo.GetTxRecord(txid, true)
	if err != nil {
		return false, fmt.Errorf("get confirmed record %s: %w", txid, err)
	}
	if conf == nil {
		return false, nil
	}
	unconf, err := repo.GetTxRecord(txid, false)
	if err != nil {
		return false, fmt.Errorf("get unconfirmed record %s: %w", txid, err)
	}
	if unconf == nil {
		unconf = &TxRecord{Txid: txid}
	}
	for _, p := range conf.Pools {
		unconf.AddPool(p)
	}
	if err := repo.DeleteTxRecord(txid, true); err != nil {
		return false, fmt.Errorf("delete confirmed record %s: %w", txid, err)
	}
	if err := repo.PutTxRecord(*unconf); err != nil {
		return false, fmt.Errorf("put unconfirmed record %s: %w", txid, err)
	}
	t.log.Info().Str("txid", txid).Msg("tx demoted to unconfirmed")
	return true, nil
}

// UnconfirmedTxs lists the unconfirmed slot.
func (t *Tracker) UnconfirmedTxs(repo Repository) ([]TxRecord, error) {
	return repo.ListTxRecords(false)
}

func applyToPool(repo Repository, address string, fn func(*ledger.Pool) error) error {
	pool, err := repo.GetPool(address)
	if err != nil {
		return err
	}
	if pool == nil {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, address)
	}
	if err := fn(pool); err != nil {
		return err
	}
	return repo.PutPool(pool)
}

func deleteBothSlots(repo Repository, txid string) error {
	return errors.Join(
		repo.DeleteTxRecord(txid, false),
		repo.DeleteTxRecord(txid, true),
	)
}
