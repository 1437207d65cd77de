package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"perpex/api/grpcserver"
	"perpex/api/httpapi"
	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/ledger"
	"perpex/domain/orderbook"
	"perpex/infra/auth"
	"perpex/infra/config"
	"perpex/infra/kafka"
	"perpex/infra/logging"
	"perpex/infra/metrics"
	"perpex/infra/postgres"
	entrywal "perpex/infra/wal/entry"
	exitwal "perpex/infra/wal/exit"
	"perpex/jobs/broadcaster"
	"perpex/jobs/pricefeed"
	"perpex/service"
	"perpex/snapshot"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.Env)

	if err := run(cfg, logger); err != nil {
		logger.Error("perpex stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// ---------------- Entry WAL ----------------

	journal, err := entrywal.Open(entrywal.Config{
		Dir:             cfg.Storage.JournalDir,
		SegmentSize:     cfg.Storage.SegmentSize,
		SegmentDuration: cfg.Storage.SegmentDuration,
		Sync:            cfg.Storage.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("entry wal: %w", err)
	}
	defer journal.Close()

	// ---------------- Exit WAL ----------------

	outbox, err := exitwal.Open(cfg.Storage.OutboxDir)
	if err != nil {
		return fmt.Errorf("exit wal: %w", err)
	}
	defer outbox.Close()

	// ---------------- Venue ----------------

	policy, err := orderbook.ParseSelfTradePolicy(cfg.Engine.SelfTradePolicy)
	if err != nil {
		return err
	}
	grants := authz.GrantPolicy{}
	venue := service.New(service.Config{
		MaxBatchCancel: cfg.Engine.MaxBatchCancel,
		SelfTrade:      policy,
	}, service.Options{
		Ledger: ledger.New(ledger.Config{
			FeeSink:    cfg.Engine.FeeSinkAccount,
			Insurance:  cfg.Engine.InsuranceAccount,
			Authorizer: grants,
			Logger:     logger,
		}),
		Authorizer: grants,
		Journal:    journal,
		Events:     service.OutboxSink(outbox),
		Metrics:    m,
		Logger:     logger,
	})

	start := time.Now()
	if err := venue.Recover(cfg.Storage.SnapshotDir, cfg.Storage.JournalDir); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("venue recovered", "markets", len(venue.Markets()), "took", time.Since(start))

	if err := createCatalogMarkets(ctx, venue, cfg.Engine.MarketsFile, logger); err != nil {
		return err
	}

	// ---------------- Snapshots ----------------

	snapJob := service.NewSnapshotJob(venue, &snapshot.Writer{Dir: cfg.Storage.SnapshotDir}, journal, outbox, logger)
	background := []<-chan struct{}{snapJob.Start(ctx, cfg.Storage.SnapshotInterval)}

	// ---------------- Broadcaster ----------------

	hub := httpapi.NewHub()
	sinks := []broadcaster.Sink{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := broadcaster.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		store := postgres.NewEventStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		sinks = append(sinks, store)
	}
	bc := broadcaster.New(outbox, sinks, broadcaster.Config{Interval: cfg.Engine.PublishInterval}, logger, m)
	background = append(background, bc.Start(ctx))

	// ---------------- Price feed ----------------

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.PricesTopic != "" {
		reader := kafka.NewPriceReader(cfg.Kafka.Brokers, cfg.Kafka.PricesTopic, cfg.Kafka.ConsumerGroup)
		defer reader.Close()
		oracle := authz.Caller{
			Subject: cfg.Engine.OracleSubject,
			Grants:  []authz.Grant{{Capability: authz.CapOracle, Market: authz.AnyMarket}},
		}
		feedDone := make(chan struct{})
		go func() {
			defer close(feedDone)
			pricefeed.New(reader, venue, oracle, logger).Run(ctx)
		}()
		background = append(background, feedDone)
	}

	// ---------------- Servers ----------------

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TTL)
	grpcServer, healthServer := grpcserver.New(
		grpcserver.NewServer(venue, cfg.Engine.DepthLevels, logger),
		issuer,
	)
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Venue:       venue,
			Issuer:      issuer,
			Hub:         hub,
			Registry:    registry,
			AllowOrigin: cfg.HTTP.AllowOrigin,
			DepthLevels: cfg.Engine.DepthLevels,
			Logger:      logger,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		logger.Info("grpc starting", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	go func() {
		logger.Info("http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, cancel, logger)

	// the loops share the outbox and the snapshot directory with the final pass
	for _, done := range background {
		<-done
	}
	if _, err := bc.Drain(context.Background()); err != nil {
		logger.Warn("final outbox drain incomplete", "error", err)
	}
	if err := snapJob.RunOnce(); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	return nil
}

// createCatalogMarkets creates catalog markets the recovered state does not
// know yet. Existing markets keep their journaled parameters.
func createCatalogMarkets(ctx context.Context, venue *service.Venue, path string, logger *slog.Logger) error {
	specs, err := config.LoadMarkets(path)
	if err != nil {
		return err
	}
	for _, s := range specs {
		p, err := s.Params()
		if err != nil {
			return err
		}
		_, err = venue.CreateMarket(ctx, authz.System(), s.ID, p)
		switch {
		case err == nil:
			logger.Info("market created", "market", s.ID)
		case errs.KindOf(err) == errs.KindAlreadyExists:
		default:
			return fmt.Errorf("create market %s: %w", s.ID, err)
		}
	}
	return nil
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()
}
