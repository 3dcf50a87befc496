package state

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTxRecordNotFound = errors.New("tx record not found")
	ErrPoolNotFound     = errors.New("pool not found")
)

// SweepFailure is one txid/pool pair a sweep could not apply.
type SweepFailure struct {
	Txid string
	Pool string
	Err  error
}

func (f SweepFailure) Error() string {
	return fmt.Sprintf("txid %s pool %s: %v", f.Txid, f.Pool, f.Err)
}

func (f SweepFailure) Unwrap() error { return f.Err }

// FinalizedTx is a txid whose pools were pivoted past it.
type FinalizedTx struct {
	Txid   string   `json:"txid"`
	Height uint32   `json:"height"`
	Pools  []string `json:"pools"`
}

// SweepReport collects what a finalization or rollback pass did. Failures
// do not abort the pass; the caller decides whether to surface them.
type SweepReport struct {
	Finalized     []FinalizedTx
	RolledBack    []string
	PurgedHeights []uint32
	Failures      []SweepFailure
}

func (r *SweepReport) fail(txid, pool string, err error) {
	r.Failures = append(r.Failures, SweepFailure{Txid: txid, Pool: pool, Err: err})
}

// Err returns nil when the sweep had no failures.
func (r *SweepReport) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return r
}

func (r *SweepReport) Error() string {
	msgs := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d sweep failures: %s", len(r.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is.
func (r *SweepReport) Unwrap() []error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errs
}
