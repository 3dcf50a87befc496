package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/signer"
	"LendLedger/internal/store"
	"LendLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: LendLedger starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}

	// --- Contexts ---
	// ingressCtx stops everything that calls into the engine; workerCtx
	// stops the output workers once the engine is quiet.
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	defer stopIngress()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Settlement store ---
	st, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		log.Fatalf("FATAL: open store %s: %v", cfg.StorePath, err)
	}
	defer st.Close()
	log.Printf("INFO: settlement store opened at %s", cfg.StorePath)

	sg, err := signer.NewLocalSigner(cfg.Seed())
	if err != nil {
		log.Fatalf("FATAL: signer: %v", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("store", func(ctx context.Context) error {
		return st.View(func(tx store.Tx) error {
			_, _, err := tx.Halted()
			return err
		})
	})

	// --- Postgres (optional) ---
	var (
		db        *sql.DB
		dbChecker core.DBIdempotencyChecker
	)
	if cfg.PostgresURL != "" {
		db = openPostgres(ingressCtx, cfg)
		defer db.Close()
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		log.Println("WARN: no Postgres configured, event log, projections and snapshots disabled")
	}

	// --- Channels ---
	// persist blocks (backpressure), projection drops when full
	var (
		persistChan    chan core.CoreOutput
		projectionChan chan core.CoreOutput
	)
	if db != nil {
		persistChan = make(chan core.CoreOutput, cfg.PersistChanSize)
		projectionChan = make(chan core.CoreOutput, cfg.ProjectionChanSize)
	}

	engine := core.NewEngine(
		cfg.Engine(),
		st,
		sg,
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
		observability.NewLogger("engine"),
	)

	// --- Recovery ---
	var snapMgr *persistence.SnapshotManager
	if db != nil {
		snapMgr = persistence.NewSnapshotManager(db)
		if err := recoverEngine(ingressCtx, engine, db, snapMgr, cfg.IdempotencyLRUCapacity); err != nil {
			log.Fatalf("FATAL: recovery: %v", err)
		}
	}

	// --- Pools ---
	for _, p := range cfg.Pools {
		meta, err := p.Meta()
		if err != nil {
			log.Fatalf("FATAL: pool %s: %v", p.CollateralID, err)
		}
		info, err := engine.InitPool(ingressCtx, meta)
		if err != nil {
			log.Fatalf("FATAL: init pool %s: %v", p.CollateralID, err)
		}
		log.Printf("INFO: pool %s ready (collateral=%s, symbol=%s)", info.Address, meta.ID, meta.Symbol)
	}

	errChan := make(chan error, 16)
	var ingress, workers sync.WaitGroup
	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// --- NATS (optional) ---
	var (
		js             jetstream.JetStream
		natsSubscriber *ingestion.NATSSubscriber
	)
	if cfg.NATSURL != "" {
		nc, jsCtx, err := ingestion.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()
		js = jsCtx
		log.Println("INFO: NATS connected")
		healthChecker.AddCheck("nats", func(ctx context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ingressCtx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ingressCtx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}
	} else {
		log.Println("WARN: no NATS configured, orchestrator feed and event publishing disabled")
	}

	// --- Output workers ---
	var scheduler *persistence.SnapshotScheduler
	if db != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
		goRun(&workers, "persistence worker", func() error { return persistWorker.Run(workerCtx) })

		fanout := projection.NewFanout(projectionChan, metrics)
		projectionIn := make(chan core.CoreOutput, cfg.ProjectionChanSize)
		fanout.Add("projection", projectionIn)
		projWorker := projection.NewProjectionWorker(db, projectionIn, metrics, observability.NewLogger("projection"))
		goRun(&workers, "projection worker", func() error { return projWorker.Run(workerCtx) })

		if js != nil {
			publishIn := make(chan core.CoreOutput, cfg.ProjectionChanSize)
			fanout.Add("publisher", publishIn)
			publisher := ingestion.NewOutboundPublisher(js, publishIn, metrics)
			goRun(&workers, "outbound publisher", func() error { return publisher.Run(workerCtx) })
		}
		goRun(&workers, "fanout", func() error { return fanout.Run(workerCtx) })

		scheduler = persistence.NewSnapshotScheduler(snapMgr, engine, cfg.SnapshotInterval, metrics, observability.NewLogger("snapshot"))
		goRun(&ingress, "snapshot scheduler", func() error { return scheduler.Run(ingressCtx) })
	}

	// --- Orchestrator feed ---
	if js != nil {
		rawEventChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan, metrics)
		if err := natsSubscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}
		dispatcher := ingestion.NewDispatcher(engine, rawEventChan, metrics, observability.NewLogger("ingestion"))
		goRun(&ingress, "dispatcher", func() error { return dispatcher.Run(ingressCtx) })
	}

	// --- gRPC + HTTP ---
	deps := &server.Deps{
		Backend:       engine,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	}
	if db != nil {
		deps.History = query.NewQueryService(db)
		deps.Rebuild = func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, observability.NewLogger("projection"))
		}
		deps.Snapshot = func(ctx context.Context) (int64, error) {
			return scheduler.TakeSnapshot(ctx, -1)
		}
	}
	grpcServer := server.NewGRPCServer(server.Config{
		GRPCAddr:   cfg.GRPCAddr,
		HTTPAddr:   cfg.HTTPAddr,
		AdminToken: cfg.AdminToken,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	}, deps)
	if cfg.AdminToken == "" {
		log.Println("WARN: no admin token configured, admin methods disabled")
	}
	goRun(&ingress, "grpc server", func() error { return grpcServer.StartGRPC(ingressCtx) })
	goRun(&ingress, "http gateway", func() error { return grpcServer.StartHTTPGateway(ingressCtx) })

	// --- Metrics ---
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 10 * time.Second}
	goRun(&workers, "metrics server", func() error {
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	healthChecker.SetReady(true)
	log.Printf("INFO: LendLedger ready (network=%s, sequence=%d, grpc=%s, http=%s, metrics=%s)",
		cfg.Network, engine.GetSequence()-1, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop engine callers first, then drain the output channels, then
	// snapshot the quiesced state.
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	stopIngress()
	ingress.Wait()

	if persistChan != nil {
		close(persistChan)
		close(projectionChan)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if scheduler != nil {
		if seq, err := scheduler.TakeSnapshot(shutdownCtx, -1); err != nil {
			log.Printf("ERROR: final snapshot failed: %v", err)
		} else {
			log.Printf("INFO: final snapshot saved at sequence %d", seq)
		}
	}

	metricsServer.Shutdown(shutdownCtx)
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Println("WARN: output workers did not drain in time")
	}
	stopWorkers()

	log.Println("INFO: LendLedger shutdown complete")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func openPostgres(ctx context.Context, cfg config.Config) *sql.DB {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	var migrationFS fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		migrationFS = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, migrationFS).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")
	return db
}

// recoverEngine positions the engine's event log after the last persisted
// event. When the settlement store is empty (first start on a new disk)
// and a verified snapshot exists, the store is rebuilt from it first.
func recoverEngine(
	ctx context.Context,
	engine *core.Engine,
	db *sql.DB,
	snapMgr *persistence.SnapshotManager,
	lruCapacity int,
) error {
	pools, err := engine.GetPoolList(ctx)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}

	if len(pools) == 0 {
		snap, err := snapMgr.LoadLatestSnapshot(ctx)
		if err != nil {
			log.Printf("WARN: failed to load snapshot: %v", err)
		}
		if snap != nil {
			if err := engine.RestoreSnapshot(ctx, &snap.SnapshotState); err != nil {
				return err
			}
			log.Printf("INFO: settlement store rebuilt from snapshot at sequence %d", snap.Sequence)
		}
	}

	writer := persistence.NewEventLogWriter(db)
	seq, hash, ok, err := writer.LatestEvent(ctx)
	if err != nil {
		return fmt.Errorf("latest event: %w", err)
	}
	if ok && seq >= engine.GetSequence() {
		engine.Resume(seq, hash)
		log.Printf("INFO: event log resumed after sequence %d", seq)
	} else if !ok {
		log.Println("INFO: empty event log, cold start from sequence 1")
	}

	keys, err := writer.RecentIdempotencyKeys(ctx, lruCapacity)
	if err != nil {
		log.Printf("WARN: LRU warm-up skipped: %v", err)
		return nil
	}
	if len(keys) > 0 {
		engine.WarmLRU(keys)
		log.Printf("INFO: warmed LRU with %d keys", len(keys))
	}
	return nil
}
