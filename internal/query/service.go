package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a projection has no row for the key.
var ErrNotFound = errors.New("not found")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// QueryService provides read-only access to projection tables and the
// settlement event log. Projection responses carry as_of_sequence, the
// last event the projection worker applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPoolReserve returns the projected reserves of a pool.
func (qs *QueryService) GetPoolReserve(ctx context.Context, address string) (*PoolReserveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	r := &PoolReserveResponse{AsOfSequence: asOfSeq}
	var nonce, btc int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool_address, symbol, collateral_id, nonce, btc_reserved, coin_reserved::TEXT,
		       utxo, last_txid, last_sequence, updated_at
		FROM projections.pool_reserves
		WHERE pool_address = $1
	`, address).Scan(
		&r.PoolAddress, &r.Symbol, &r.CollateralID, &nonce, &btc, &r.CoinReserved,
		&r.Utxo, &r.LastTxid, &r.LastSequence, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	r.Nonce, r.BTCReserved = uint64(nonce), uint64(btc)
	return r, nil
}

// GetTxStatus returns the settlement status of txid in every pool it
// touched.
func (qs *QueryService) GetTxStatus(ctx context.Context, txid string) (*TxStatusResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_address, action, status, nonce, block_height, last_sequence, updated_at
		FROM projections.tx_status
		WHERE txid = $1
		ORDER BY pool_address
	`, txid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TxStatusResponse{Txid: txid, AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			e     TxStatusEntry
			nonce int64
		)
		if err := rows.Scan(&e.PoolAddress, &e.Action, &e.Status, &nonce, &e.BlockHeight, &e.LastSequence, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Nonce = uint64(nonce)
		resp.Pools = append(resp.Pools, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(resp.Pools) == 0 {
		return nil, fmt.Errorf("%w: tx %s", ErrNotFound, txid)
	}
	return resp, nil
}

// GetPoolHistory pages through the events recorded against a pool, newest
// first. before is an exclusive sequence cursor.
func (qs *QueryService) GetPoolHistory(
	ctx context.Context,
	address string,
	limit int,
	before *int64,
) (*PoolHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	query := `
		SELECT sequence, event_type, payload->>'txid', payload->>'action',
		       (payload->'new_state'->>'nonce')::BIGINT, state_hash, timestamp
		FROM settlement.events
		WHERE pool_address = $1
	`
	args := []interface{}{address}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PoolHistoryResponse{PoolAddress: address, AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			e    PoolHistoryEntry
			hash []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Txid, &e.Action, &e.Nonce, &hash, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(hash)
		resp.Entries = append(resp.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(resp.Entries) == limit {
		next := resp.Entries[len(resp.Entries)-1].Sequence
		resp.NextBefore = &next
	}
	return resp, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and sequence density of the
// event log, and how far the projections trail it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM settlement.events
	`).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}

	breaks, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM settlement.events e1
		JOIN settlement.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.collectSequences(ctx, `
		SELECT e.sequence + 1
		FROM settlement.events e
		WHERE e.sequence < (SELECT MAX(sequence) FROM settlement.events)
		  AND NOT EXISTS (SELECT 1 FROM settlement.events n WHERE n.sequence = e.sequence + 1)
		ORDER BY e.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.SequenceGaps = gaps

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = report.LatestSequence - watermark

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) collectSequences(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}
