package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"
	"LendLedger/migrations"

	"github.com/google/uuid"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	if err := persistence.NewMigrator(db, migrations.FS).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func hashOf(n byte) []byte {
	h := make([]byte, 32)
	h[0] = n
	return h
}

func row(seq int64, eventType, key, payload string) persistence.EventRow {
	pool := "bcrt1qpool"
	return persistence.EventRow{
		Sequence:       seq,
		EventID:        uuid.New(),
		EventType:      eventType,
		IdempotencyKey: key,
		PoolAddress:    &pool,
		Payload:        []byte(payload),
		StateHash:      hashOf(byte(seq)),
		PrevHash:       hashOf(byte(seq - 1)),
		Timestamp:      time.Now().UTC(),
	}
}

func writeRows(t *testing.T, db *sql.DB, rows ...persistence.EventRow) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := persistence.NewEventLogWriter(db).WriteEventBatch(ctx, tx, rows); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Event log
// ============================================================================

func TestEventLogRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)

	if _, _, ok, err := writer.LatestEvent(ctx); err != nil || ok {
		t.Fatalf("empty log: ok=%v err=%v", ok, err)
	}

	txid := fmt.Sprintf("%064x", 1)
	writeRows(t, db,
		row(1, "PoolInitialized", "init:bcrt1qpool", `{}`),
		row(2, "TxExecuted", "exec:"+txid+":bcrt1qpool", `{"txid":"`+txid+`"}`),
	)
	// retried batch is ignored
	writeRows(t, db, row(2, "TxExecuted", "exec:"+txid+":bcrt1qpool", `{"txid":"`+txid+`"}`))

	seq, hash, ok, err := writer.LatestEvent(ctx)
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if seq != 2 || hash[0] != 2 {
		t.Fatalf("latest = %d/%x", seq, hash)
	}

	events, err := persistence.NewSnapshotManager(db).LoadEventsFrom(ctx, 1, 10)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 2 || events[1].EventType != "TxExecuted" {
		t.Fatalf("events = %+v", events)
	}

	keys, err := writer.RecentIdempotencyKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "TxExecuted:exec:"+txid+":bcrt1qpool" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestIdempotencyCheckerIgnoresRolledBackExecution(t *testing.T) {
	db := setupDB(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)
	txid := fmt.Sprintf("%064x", 9)
	key := "exec:" + txid + ":bcrt1qpool"

	writeRows(t, db, row(1, "TxExecuted", key, `{"txid":"`+txid+`"}`))
	dup, err := checker.IsDuplicate("TxExecuted", key)
	if err != nil || !dup {
		t.Fatalf("executed tx: dup=%v err=%v", dup, err)
	}

	writeRows(t, db, row(2, "TxRolledBack", "rollback:"+txid, `{"txid":"`+txid+`"}`))
	dup, err = checker.IsDuplicate("TxExecuted", key)
	if err != nil || dup {
		t.Fatalf("rolled back tx: dup=%v err=%v", dup, err)
	}
}

func TestRecentIdempotencyKeysSkipRolledBackExecution(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)

	rolled := fmt.Sprintf("%064x", 10)
	kept := fmt.Sprintf("%064x", 11)
	rolledKey := "exec:" + rolled + ":bcrt1qpool"
	keptKey := "exec:" + kept + ":bcrt1qpool"

	writeRows(t, db,
		row(1, "TxExecuted", rolledKey, `{"txid":"`+rolled+`"}`),
		row(2, "TxExecuted", keptKey, `{"txid":"`+kept+`"}`),
		row(3, "TxRolledBack", "rollback:"+rolled, `{"txid":"`+rolled+`"}`),
	)

	keys, err := writer.RecentIdempotencyKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	lru := core.NewIdempotencyLRU(10)
	lru.WarmFromKeys(keys)
	if lru.Contains("TxExecuted:" + rolledKey) {
		t.Fatalf("rolled back execution warmed into cache: %v", keys)
	}
	if !lru.Contains("TxExecuted:" + keptKey) {
		t.Fatalf("standing execution missing from cache: %v", keys)
	}

	// re-executed after the rollback
	writeRows(t, db, row(4, "TxExecuted", rolledKey, `{"txid":"`+rolled+`"}`))
	keys, err = writer.RecentIdempotencyKeys(ctx, 10)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 2 || keys[1] != "TxExecuted:"+rolledKey {
		t.Fatalf("keys after retry = %v", keys)
	}
}

// ============================================================================
// Snapshots
// ============================================================================

func TestSnapshotVerifiedOnlyWhenLogMatches(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	mgr := persistence.NewSnapshotManager(db)

	snap := &persistence.SnapshotData{
		SnapshotState: core.SnapshotState{Sequence: 1, BlockState: 100},
		CreatedAt:     time.Now().UTC(),
	}
	copy(snap.StateHash[:], hashOf(1))

	if _, err := mgr.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, err := mgr.Verify(ctx, snap); err != nil || ok {
		t.Fatalf("verify before log: ok=%v err=%v", ok, err)
	}
	if loaded, err := mgr.LoadLatestSnapshot(ctx); err != nil || loaded != nil {
		t.Fatalf("unverified snapshot loaded: %v %v", loaded, err)
	}

	writeRows(t, db, row(1, "PoolInitialized", "init:bcrt1qpool", `{}`))
	n, err := mgr.VerifyPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("verify pending: n=%d err=%v", n, err)
	}

	loaded, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil || loaded == nil {
		t.Fatalf("load: %v %v", loaded, err)
	}
	if loaded.Sequence != 1 || loaded.BlockState != 100 {
		t.Fatalf("loaded = %+v", loaded.SnapshotState)
	}
}

func TestMigratorStatusAndDown(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, migrations.FS)

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("%s not applied after Up", s.Filename)
		}
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("re-up: %v", err)
	}
}
