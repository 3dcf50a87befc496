package core

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/signer"
	"LendLedger/internal/state"
	"LendLedger/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// eventIDNamespace scopes envelope IDs so replays of the same log produce
// the same IDs.
var eventIDNamespace = uuid.MustParse("6f1d3c52-8a0e-4d8b-9a57-0c1e2f3a4b5c")

// Config tunes the engine. Zero values fall back to network defaults.
type Config struct {
	Network signer.Network
	// FinalizeThreshold overrides the network's recoverable reorg depth.
	FinalizeThreshold   uint32
	MinTxValue          uint64
	SigningTimeout      time.Duration
	IdempotencyCapacity int
}

// Engine is the settlement exchange. Executions for different pools run
// concurrently; block sweeps and rollbacks are serialized by blockMu.
// Every committed change is sequenced and hash-chained under commitMu and
// emitted as a CoreOutput.
type Engine struct {
	store       store.Store
	signer      signer.Signer
	network     signer.Network
	validator   *ledger.Validator
	tracker     *state.Tracker
	detector    *ReorgDetector
	locker      *PoolLocker
	idempotency *IdempotencyChecker
	hasher      *StateHasher
	metrics     *observability.Metrics
	log         zerolog.Logger

	signingTimeout time.Duration
	now            func() time.Time

	blockMu  sync.Mutex
	commitMu sync.Mutex
	sequence int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one sequenced settlement event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

// ExecuteResult is what a successful execute hands back to the caller.
type ExecuteResult struct {
	NewState  ledger.PoolState `json:"new_state"`
	Signature string           `json:"signature,omitempty"`
	Consumed  *ledger.Utxo     `json:"consumed,omitempty"`
}

// BlockResult summarises one accepted block.
type BlockResult struct {
	Height    uint32              `json:"height"`
	Confirmed []string            `json:"confirmed"`
	Finalized []state.FinalizedTx `json:"finalized"`
	Demoted   []string            `json:"demoted,omitempty"`
	Failures  int                 `json:"failures"`
}

func NewEngine(
	cfg Config,
	st store.Store,
	sg signer.Signer,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	network := cfg.Network
	if network == "" {
		network = signer.Mainnet
	}
	timeout := cfg.SigningTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	return &Engine{
		store:          st,
		signer:         sg,
		network:        network,
		validator:      ledger.NewValidator(cfg.MinTxValue),
		tracker:        state.NewTracker(logger.With().Str("sub", "tracker").Logger()),
		detector:       NewReorgDetector(network, cfg.FinalizeThreshold),
		locker:         NewPoolLocker(),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker, metrics, logger),
		hasher:         NewStateHasher(),
		metrics:        metrics,
		log:            logger,
		signingTimeout: timeout,
		now:            time.Now,
		sequence:       1,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Resume continues the settlement log after lastSequence with the given
// chain tip, as read back from the event log on startup.
func (e *Engine) Resume(lastSequence int64, stateHash [32]byte) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	e.sequence = lastSequence + 1
	e.hasher.SetPrevHash(stateHash)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// MaxReorgDepth is the finalization distance in blocks.
func (e *Engine) MaxReorgDepth() uint32 {
	return e.detector.MaxDepth()
}

func (e *Engine) Network() signer.Network {
	return e.network
}

// --- Quotes ---

// PreDeposit quotes a deposit: the utxo the settlement must spend and the
// nonce it must carry.
func (e *Engine) PreDeposit(ctx context.Context, address string, amount uint64) (event.DepositOffer, error) {
	if err := ctx.Err(); err != nil {
		return event.DepositOffer{}, err
	}
	if amount < ledger.DustLimit {
		return event.DepositOffer{}, fmt.Errorf("%w: %d < %d", ledger.ErrTooSmallFunds, amount, ledger.DustLimit)
	}
	pool, err := e.loadPool(address)
	if err != nil {
		return event.DepositOffer{}, err
	}
	return event.DepositOffer{
		Input:  pool.CurrentUtxo(),
		Output: ledger.NewCoinBalance(pool.Meta.ID, 0),
		Nonce:  pool.Nonce(),
	}, nil
}

// PreBorrow quotes a borrow of up to amount sats.
func (e *Engine) PreBorrow(ctx context.Context, address string, amount uint64) (event.BorrowOffer, error) {
	if err := ctx.Err(); err != nil {
		return event.BorrowOffer{}, err
	}
	pool, err := e.loadPool(address)
	if err != nil {
		return event.BorrowOffer{}, err
	}
	input := pool.CurrentUtxo()
	if input == nil {
		return event.BorrowOffer{}, fmt.Errorf("%w: %s", ledger.ErrEmptyPool, address)
	}
	required, offered, err := e.validator.AvailableToBorrow(pool, ledger.BTCBalance(amount))
	if err != nil {
		return event.BorrowOffer{}, err
	}
	return event.BorrowOffer{
		Input:              *input,
		Output:             offered,
		RequiredCollateral: required,
		Nonce:              pool.Nonce(),
	}, nil
}

func (e *Engine) loadPool(address string) (*ledger.Pool, error) {
	var pool *ledger.Pool
	err := e.store.View(func(tx store.Tx) error {
		p, err := tx.GetPool(address)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", address, err)
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidPool, address)
	}
	return pool, nil
}

// --- Execute ---

// Execute settles one pool's part of a transaction: validate, sign the
// consumed utxo, commit.
func (e *Engine) Execute(ctx context.Context, req event.ExecuteRequest) (*ExecuteResult, error) {
	start := time.Now()
	address := req.Intention.PoolAddress
	action := "unknown"
	if req.Intention.Action != nil {
		action = req.Intention.Action.Name()
	}

	res, err := e.execute(ctx, req)
	if e.metrics != nil {
		e.metrics.Executions.WithLabelValues(action, resultLabel(err)).Inc()
		if err != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(event.EventTypeTxExecuted.String(), resultLabel(err)).Inc()
		} else {
			e.metrics.CoreEventDuration.WithLabelValues(event.EventTypeTxExecuted.String()).
				Observe(time.Since(start).Seconds())
		}
	}
	if err != nil {
		e.log.Debug().Err(err).Str("txid", req.Txid).Str("pool", address).Str("action", action).Msg("execute rejected")
		return nil, err
	}
	e.log.Info().
		Str("txid", req.Txid).
		Str("pool", address).
		Str("action", action).
		Uint64("nonce", res.NewState.Nonce).
		Msg("executed")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, req event.ExecuteRequest) (*ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Intention.Action == nil {
		return nil, fmt.Errorf("%w: missing action", ErrUnsupportedAction)
	}
	if err := e.checkHalted(); err != nil {
		return nil, err
	}

	address := req.Intention.PoolAddress
	unlock, ok := e.locker.TryLock(address)
	if !ok {
		if e.metrics != nil {
			e.metrics.PoolLockBusy.WithLabelValues(address).Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrPoolBusy, address)
	}
	defer unlock()

	executed := &event.TxExecuted{Txid: req.Txid, Pool: address, Action: req.Intention.Action.Name()}
	eventType := executed.EventType().String()
	if e.idempotency.IsDuplicate(eventType, executed.IdempotencyKey()) {
		return nil, fmt.Errorf("%w: %s in %s", ErrAlreadyExecuted, req.Txid, address)
	}

	pool, err := e.loadPool(address)
	if err != nil {
		return nil, err
	}
	t := req.Transition()
	newState, consumed, err := e.validate(pool, req.Intention.Action, t)
	if err != nil {
		return nil, err
	}

	var sig []byte
	if consumed != nil {
		sig, err = e.sign(ctx, pool, *consumed, req.Txid)
		if err != nil {
			return nil, err
		}
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var committed *ledger.Pool
	err = e.store.Update(func(tx store.Tx) error {
		current, err := tx.GetPool(address)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: %s", ledger.ErrInvalidPool, address)
		}
		if current.Nonce() != t.Nonce {
			return &ledger.StaleNonceError{Expected: current.Nonce(), Got: t.Nonce}
		}
		current.Commit(newState)
		if err := tx.PutPool(current); err != nil {
			return err
		}
		committed = current
		return e.tracker.RecordExecution(tx, req.Txid, address)
	})
	if err != nil {
		return nil, err
	}

	executed.NewState = newState
	executed.Consumed = consumed
	if sig != nil {
		executed.Signature = hex.EncodeToString(sig)
	}
	e.emit(executed, e.now(), poolDigest(committed))
	e.idempotency.MarkProcessed(eventType, executed.IdempotencyKey())

	if e.metrics != nil {
		e.metrics.PoolNonce.WithLabelValues(address).Set(float64(committed.Nonce()))
		e.metrics.PoolBTCReserve.WithLabelValues(address).Set(float64(committed.BTCReserve()))
	}

	return &ExecuteResult{
		NewState:  newState,
		Signature: executed.Signature,
		Consumed:  consumed,
	}, nil
}

func (e *Engine) validate(pool *ledger.Pool, action event.Action, t ledger.Transition) (ledger.PoolState, *ledger.Utxo, error) {
	switch action.(type) {
	case event.Deposit:
		return e.validator.ValidateDeposit(pool, t)
	case event.Borrow:
		s, consumed, err := e.validator.ValidateBorrow(pool, t)
		if err != nil {
			return ledger.PoolState{}, nil, err
		}
		return s, &consumed, nil
	default:
		return ledger.PoolState{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, action.Name())
	}
}

func (e *Engine) sign(ctx context.Context, pool *ledger.Pool, consumed ledger.Utxo, txid string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.signingTimeout)
	defer cancel()

	start := time.Now()
	digest := signer.UtxoDigest(consumed.Outpoint(), txid)
	sig, err := e.signer.Sign(ctx, digest, pool.DerivationPath())
	if e.metrics != nil {
		e.metrics.SigningDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.SigningFailures.Inc()
		}
		e.log.Error().Err(err).Str("pool", pool.Address).Str("txid", txid).Msg("signing failed")
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	return sig, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, ErrPoolBusy):
		return "busy"
	case errors.Is(err, ErrAlreadyExecuted):
		return "duplicate"
	case errors.Is(err, ErrSigningUnavailable):
		return "signing"
	case errors.Is(err, ErrSettlementHalted):
		return "halted"
	default:
		return "rejected"
	}
}

// --- Blocks ---

// OnNewBlock runs reorg detection, confirmation and finalization for one
// block report in a single store transaction.
func (e *Engine) OnNewBlock(ctx context.Context, block event.Block) (*BlockResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.blockMu.Lock()
	defer e.blockMu.Unlock()

	if err := e.checkHalted(); err != nil {
		return nil, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var (
		result    = &BlockResult{Height: block.Height}
		recovered *event.ReorgRecovered
		report    *state.SweepReport
	)
	err := e.store.Update(func(tx store.Tx) error {
		if err := e.detector.Detect(tx, block); err != nil {
			var re *ReorgError
			if !errors.As(err, &re) || re.Kind != ReorgRecoverable {
				return err
			}
			demoted, err := e.detector.Recover(tx, e.tracker, re.Height, re.Depth)
			if err != nil {
				return fmt.Errorf("recover reorg: %w", err)
			}
			recovered = &event.ReorgRecovered{Height: re.Height, Depth: re.Depth, Demoted: demoted}
		}

		if err := tx.PutBlock(block); err != nil {
			return fmt.Errorf("put block %d: %w", block.Height, err)
		}
		if err := tx.SetBlockState(block.Height); err != nil {
			return err
		}
		confirmed, err := e.tracker.OnBlockConfirmed(tx, block)
		if err != nil {
			return err
		}
		result.Confirmed = confirmed

		if confirmedHeight, ok := state.ComputeConfirmedHeight(block.Height, e.detector.MaxDepth()); ok {
			report, err = e.tracker.OnFinalizationThreshold(tx, confirmedHeight)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, e.blockRejected(block, err)
	}

	if recovered != nil {
		result.Demoted = recovered.Demoted
		if e.metrics != nil {
			e.metrics.ReorgsDetected.WithLabelValues(ReorgRecoverable.String()).Inc()
		}
		e.log.Warn().
			Uint32("height", recovered.Height).
			Uint32("depth", recovered.Depth).
			Strs("demoted", recovered.Demoted).
			Msg("reorg recovered")
		e.emit(recovered, block.Time(), mustJSON(recovered))
	}

	accepted := &event.BlockAccepted{Block: block}
	e.emit(accepted, block.Time(), blockDigest(block))
	for _, txid := range result.Confirmed {
		c := &event.TxConfirmed{Txid: txid, Height: block.Height}
		e.emit(c, block.Time(), mustJSON(c))
	}
	if report != nil {
		result.Finalized = report.Finalized
		result.Failures = len(report.Failures)
		for _, f := range report.Finalized {
			fin := &event.TxFinalized{Txid: f.Txid, Height: f.Height, Pools: f.Pools}
			e.emit(fin, block.Time(), mustJSON(fin))
		}
		if len(report.Failures) > 0 {
			e.log.Error().Err(report.Err()).Uint32("height", block.Height).Msg("finalization sweep had failures")
		}
	}

	if e.metrics != nil {
		e.metrics.BlocksProcessed.Inc()
		e.metrics.BlockHeight.Set(float64(block.Height))
		e.metrics.TxsConfirmed.Add(float64(len(result.Confirmed)))
		e.metrics.TxsFinalized.Add(float64(len(result.Finalized)))
		if result.Failures > 0 {
			e.metrics.SweepFailures.WithLabelValues("finalize").Add(float64(result.Failures))
		}
	}
	e.log.Info().
		Uint32("height", block.Height).
		Str("hash", block.Hash).
		Int("confirmed", len(result.Confirmed)).
		Int("finalized", len(result.Finalized)).
		Msg("block accepted")
	return result, nil
}

// blockRejected handles a failed sweep. Duplicates are reported as is; an
// unrecoverable reorg halts block processing until ResetBlocks.
func (e *Engine) blockRejected(block event.Block, err error) error {
	var re *ReorgError
	if !errors.As(err, &re) {
		return fmt.Errorf("block %d: %w", block.Height, err)
	}
	if e.metrics != nil {
		e.metrics.ReorgsDetected.WithLabelValues(re.Kind.String()).Inc()
	}
	if re.Kind == ReorgDuplicate {
		e.log.Debug().Uint32("height", block.Height).Str("hash", block.Hash).Msg("duplicate block ignored")
		return err
	}

	reason := re.Error()
	if herr := e.store.Update(func(tx store.Tx) error {
		return tx.SetHalted(true, reason)
	}); herr != nil {
		return errors.Join(err, fmt.Errorf("persist halt: %w", herr))
	}
	if e.metrics != nil {
		e.metrics.SettlementHalted.Set(1)
	}
	e.log.Error().Err(err).Uint32("height", block.Height).Msg("settlement halted")
	halted := &event.SettlementHalted{Reason: reason, Height: block.Height}
	e.emit(halted, e.now(), mustJSON(halted))
	return err
}

// OnRollback undoes txid in every pool it touched.
func (e *Engine) OnRollback(ctx context.Context, txid string) (*state.SweepReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var (
		report  *state.SweepReport
		current = make(map[string]*ledger.PoolState)
	)
	err := e.store.Update(func(tx store.Tx) error {
		r, err := e.tracker.OnRollbackSignal(tx, txid)
		if err != nil {
			return err
		}
		report = r
		for _, address := range r.RolledBack {
			p, err := tx.GetPool(address)
			if err != nil {
				return err
			}
			if s, ok := p.CurrentState(); ok {
				current[address] = &s
			} else {
				current[address] = nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, pool := range report.RolledBack {
		key := (&event.TxExecuted{Txid: txid, Pool: pool}).IdempotencyKey()
		e.idempotency.Forget(event.EventTypeTxExecuted.String(), key)
	}
	rb := &event.TxRolledBack{Txid: txid, Pools: report.RolledBack, Current: current}
	e.emit(rb, e.now(), mustJSON(rb))

	if e.metrics != nil {
		e.metrics.TxsRolledBack.Inc()
		if len(report.Failures) > 0 {
			e.metrics.SweepFailures.WithLabelValues("rollback").Add(float64(len(report.Failures)))
		}
	}
	return report, nil
}

func (e *Engine) checkHalted() error {
	var (
		halted bool
		reason string
	)
	err := e.store.View(func(tx store.Tx) error {
		var err error
		halted, reason, err = tx.Halted()
		return err
	})
	if err != nil {
		return fmt.Errorf("read halt flag: %w", err)
	}
	if halted {
		return fmt.Errorf("%w: %s", ErrSettlementHalted, reason)
	}
	return nil
}

// --- Emission ---

// emit sequences and hash-chains evt. Callers hold commitMu so the log
// order matches the commit order.
func (e *Engine) emit(evt event.Event, ts time.Time, digest []byte) {
	start := time.Now()
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s: %v", evt.EventType(), err))
	}

	seq := e.sequence
	e.sequence++
	stateHash, prevHash := e.hasher.ComputeHash(seq, digest)

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		EventID:        uuid.NewSHA1(eventIDNamespace, []byte(fmt.Sprintf("%d:%s", seq, evt.IdempotencyKey()))),
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		PoolAddress:    evt.PoolAddress(),
		Timestamp:      ts.UTC(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{Envelope: envelope, Event: evt}

	// Persistence: blocking send. The engine stalls until the writer
	// drains so no event is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projections can be
	// rebuilt from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	if e.metrics != nil {
		eventType := evt.EventType().String()
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreSequence.Set(float64(seq))
		e.metrics.ApplyToPersist.Observe(time.Since(start).Seconds())
	}
}

// poolDigest is the canonical byte form of a pool's current state.
func poolDigest(p *ledger.Pool) []byte {
	digest := make([]byte, 0, 128)
	digest = append(digest, byte(len(p.Address)))
	digest = append(digest, p.Address...)
	digest = binary.LittleEndian.AppendUint64(digest, p.Nonce())
	digest = binary.LittleEndian.AppendUint64(digest, p.BTCReserve())
	collateral := p.CollateralReserve().Bytes32()
	digest = append(digest, collateral[:]...)
	if u := p.CurrentUtxo(); u != nil {
		op := u.Outpoint()
		digest = append(digest, byte(len(op)))
		digest = append(digest, op...)
	}
	return digest
}

func blockDigest(b event.Block) []byte {
	digest := binary.LittleEndian.AppendUint32(nil, b.Height)
	digest = append(digest, b.Hash...)
	txids := append([]string(nil), b.ConfirmedTxids...)
	sort.Strings(txids)
	for _, txid := range txids {
		digest = append(digest, txid...)
	}
	return digest
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %T: %v", v, err))
	}
	return b
}
