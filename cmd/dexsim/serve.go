package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wonj1012/blockchain-simulator/internal/chain"
	"github.com/wonj1012/blockchain-simulator/internal/config"
	"github.com/wonj1012/blockchain-simulator/internal/ingestion"
	"github.com/wonj1012/blockchain-simulator/internal/observability"
	"github.com/wonj1012/blockchain-simulator/internal/persistence"
	"github.com/wonj1012/blockchain-simulator/internal/projection"
	"github.com/wonj1012/blockchain-simulator/internal/query"
	"github.com/wonj1012/blockchain-simulator/internal/server"
	"github.com/wonj1012/blockchain-simulator/internal/sim"
)

const (
	poolHistoryDepth = 1000
	shutdownTimeout  = 30 * time.Second
)

// serveFlags override the matching config keys when set.
func serveFlags(cfg *config.Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.StringVar(&cfg.Server.HTTPAddr, "http-addr", cfg.Server.HTTPAddr, "HTTP API listen address")
	fs.StringVar(&cfg.Server.GRPCAddr, "grpc-addr", cfg.Server.GRPCAddr, "gRPC health listen address")
	fs.StringVar(&cfg.Server.MetricsAddr, "metrics-addr", cfg.Server.MetricsAddr, "Prometheus listen address")
	fs.DurationVar(&cfg.Server.BlockInterval, "block-interval", cfg.Server.BlockInterval, "pause after each block (0 runs flat out)")
	fs.BoolVar(&cfg.Postgres.Enabled, "postgres", cfg.Postgres.Enabled, "persist blocks to Postgres")
	fs.BoolVar(&cfg.NATS.Enabled, "nats", cfg.NATS.Enabled, "publish blocks and take transactions over NATS")
	fs.BoolVar(&cfg.ClickHouse.Enabled, "clickhouse", cfg.ClickHouse.Enabled, "project pool states into ClickHouse")
	return fs
}

func newServeCmd(root *rootOptions) *cobra.Command {
	// flags bind to overrides; the ones the user set are copied onto the
	// loaded config
	overrides := config.DefaultConfig()
	flags := serveFlags(&overrides)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation behind the HTTP, gRPC, websocket and NATS interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, sc, err := root.load()
			if err != nil {
				return err
			}
			target := serveFlags(&cfg)
			flags.VisitAll(func(f *pflag.Flag) {
				if f.Changed {
					_ = target.Set(f.Name, f.Value.String())
				}
			})

			logger, closeLog, err := newLogger(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, sc, logger)
		},
	}
	cmd.Flags().AddFlagSet(flags)
	return cmd
}

func serve(parent context.Context, cfg config.Config, sc config.Scenario, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	logger.Info().Int64("seed", sc.Seed).Int("epochs", len(sc.Epochs)).Msg("dexsim starting")

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Postgres ---
	var (
		db          *sql.DB
		persistChan chan *chain.Block
		keyStore    ingestion.KeyStore
		recentKeys  []string
	)
	if cfg.Postgres.Enabled {
		var err error
		db, err = openPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		health.AddCheck("postgres", db.PingContext)

		checker := persistence.NewTxKeyChecker(db)
		keyStore = checker
		recentKeys, err = checker.RecentKeys(ctx, cfg.Ingest.LRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("could not load recent idempotency keys")
		}
		persistChan = make(chan *chain.Block, cfg.Persist.ChanSize)
	}

	// --- Simulation ---
	var pace func(int, *chain.Block)
	if interval := cfg.Server.BlockInterval; interval > 0 {
		pace = func(int, *chain.Block) {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}
	s, err := sim.Build(sc, sim.BuildOptions{
		PersistChan: persistChan,
		OnBlock:     pace,
		Metrics:     metrics,
		Logger:      &logger,
	})
	if err != nil {
		return err
	}
	l := s.Ledger()

	// --- Intake ---
	dedup := ingestion.NewDeduplicator(cfg.Ingest.LRUCapacity, keyStore, metrics, logger)
	if len(recentKeys) > 0 {
		dedup.Warm(recentKeys)
		logger.Info().Int("keys", len(recentKeys)).Msg("warmed dedup LRU from block log")
	}
	intake := ingestion.NewIntake(l, dedup, metrics, logger)

	// --- Projections ---
	history := projection.NewPoolHistory(poolHistoryDepth)
	stores := []projection.NamedStore{{Name: "memory", Store: history}}
	if cfg.ClickHouse.Enabled {
		ch, err := projection.OpenClickHouse(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return err
		}
		defer ch.Close()
		health.AddCheck("clickhouse", ch.Ping)
		stores = append(stores, projection.NamedStore{Name: "clickhouse", Store: ch})
		logger.Info().Msg("ClickHouse connected")
	}

	// --- Servers ---
	hub := server.NewHub(metrics, logger)
	httpSrv, err := server.NewHTTPServer(cfg.Server.HTTPAddr, server.Deps{
		Query:   query.NewService(l, history, db),
		Intake:  intake,
		Health:  health,
		Feed:    hub,
		Limiter: server.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	grpcSrv := server.NewGRPCServer(cfg.Server.GRPCAddr, logger)

	// --- Goroutines ---
	g := &group{ctx: ctx, errs: make(chan error, 16)}

	// The persist worker outlives ctx so it can drain what the simulation
	// committed before stopping. It ends when the channel closes.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan struct{})
	if persistChan != nil {
		worker := persistence.NewWorker(persistence.NewBlockLogWriter(db), persistChan, persistence.WorkerConfig{
			BatchSize:        cfg.Persist.BatchSize,
			FlushTimeout:     cfg.Persist.FlushTimeout,
			SnapshotInterval: cfg.Persist.SnapshotInterval,
		}, persistence.NewSnapshotManager(db, l, metrics), metrics, logger)
		go func() {
			defer close(persistDone)
			if err := worker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("persistence worker stopped")
			}
		}()
	} else {
		close(persistDone)
	}

	g.Go("projection", projection.NewWorker(l.Subscribe("projection", cfg.Persist.FeedBuffer), stores, metrics, logger).Run)
	blocks := l.Subscribe("websocket", cfg.Persist.FeedBuffer)
	g.Go("websocket", func(ctx context.Context) error { return hub.Run(ctx, blocks) })

	if cfg.NATS.Enabled {
		nc, err := startNATS(g, cfg.NATS, l, intake, metrics, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	g.Go("http", httpSrv.Start)
	g.Go("grpc", grpcSrv.Start)
	g.Go("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.Server.MetricsAddr, logger) })

	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		err := s.Run(ctx, sim.Epochs(sc.Epochs), true)
		// no more blocks: refuse new transactions, execute the ones that
		// slipped in after the last scheduled block, then let the sinks
		// drain and stop
		intake.Close()
		if err == nil && l.MempoolSize() > 0 {
			b := l.CommitBlock()
			logger.Info().Int64("block", b.Number).Int("txs", len(b.Receipts)).Msg("committed trailing external transactions")
		}
		if persistChan != nil {
			close(persistChan)
		}
		l.CloseSubscriptions()
		switch {
		case err == nil:
			logger.Info().Int64("height", l.Height()).Msg("simulation finished, still serving")
		case !errors.Is(err, context.Canceled):
			g.errs <- fmt.Errorf("simulation: %w", err)
		}
	}()

	grpcSrv.SetServing(true)
	health.SetReady(true)
	logger.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("postgres", cfg.Postgres.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Msg("dexsim ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-g.errs:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}
	health.SetReady(false)
	grpcSrv.SetServing(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	<-simDone
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before the shutdown timeout")
		persistCancel()
		<-persistDone
	}
	if !g.Wait(shutdownCtx) {
		logger.Warn().Msg("some components did not stop before the shutdown timeout")
	}

	if db != nil {
		saveFinalSnapshot(shutdownCtx, db, l, metrics, logger)
	}
	logger.Info().Msg("dexsim shutdown complete")
	return runErr
}

// group runs components until ctx ends and collects their failures.
// context.Canceled is a normal stop.
type group struct {
	ctx  context.Context
	wg   sync.WaitGroup
	errs chan error
}

func (g *group) Go(name string, run func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := run(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case g.errs <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

// Wait reports whether every component stopped before ctx ended.
func (g *group) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// startNATS wires external transaction intake and block publishing. The
// subscriber stops when the group's context ends.
func startNATS(g *group, cfg config.NATSConfig, l *chain.Ledger, intake *ingestion.Intake, metrics *observability.Metrics, logger zerolog.Logger) (*nats.Conn, error) {
	nc, js, err := ingestion.ConnectNATS(cfg.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := ingestion.EnsureStreams(g.ctx, js, logger); err != nil {
		nc.Close()
		return nil, err
	}

	raw := make(chan ingestion.RawMessage, 4096)
	sub := ingestion.NewTxSubscriber(js, raw, logger)
	if err := sub.Subscribe(g.ctx, ingestion.DefaultSubjects()); err != nil {
		nc.Close()
		return nil, err
	}
	g.Go("nats-subscriber", func(ctx context.Context) error {
		<-ctx.Done()
		sub.Stop()
		return nil
	})
	g.Go("intake", func(ctx context.Context) error { return intake.Run(ctx, raw) })
	g.Go("block-publisher", ingestion.NewBlockPublisher(js, l.Subscribe("nats", 4096), metrics, logger).Run)

	logger.Info().Str("url", cfg.URL).Msg("NATS connected")
	return nc, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func saveFinalSnapshot(ctx context.Context, db *sql.DB, l *chain.Ledger, metrics *observability.Metrics, logger zerolog.Logger) {
	var snap *persistence.SnapshotData
	_ = l.Read(func(st chain.State) error {
		snap = persistence.CaptureSnapshot(st)
		return nil
	})
	if _, err := persistence.NewSnapshotManager(db, l, metrics).Save(ctx, snap); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
		return
	}
	logger.Info().Int64("height", snap.Height).Msg("final snapshot saved")
}
