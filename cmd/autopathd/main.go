// Autopathd is the ops-automation pipeline daemon.
//
// It ingests facts and interventions, mines trigger/action paths,
// compiles them into versioned rules, shadow-evaluates rules against
// live traffic, gates promotion to auto mode, and executes promoted
// rules under cooldown and rate-cap constraints.
//
// Usage:
//
//	# Start with defaults
//	autopathd
//
//	# Start with a config file
//	autopathd -config /etc/autopath/config.yaml
//
//	# Configure via environment
//	AUTOPATH_SERVER_ADDR=:9090 AUTOPATH_NATS_URL=nats://host:4222 autopathd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadencelabs/autopath/internal/config"
	"github.com/cadencelabs/autopath/internal/engine"
	"github.com/cadencelabs/autopath/internal/events"
	"github.com/cadencelabs/autopath/internal/executor"
	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/httpapi"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/logging"
	"github.com/cadencelabs/autopath/internal/pathextract"
	"github.com/cadencelabs/autopath/internal/promotion"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/shadow"
	"github.com/cadencelabs/autopath/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("autopathd\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
			version, gitCommit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("autopathd: %v", err)
	}
	log.Println("Shutdown complete")
}

// run wires the pipeline and blocks until the context is canceled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting autopathd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Path))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	srv, err := httpapi.NewServer(
		httpapi.Config{
			Addr:            cfg.Server.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		httpapi.Deps{
			Facts:         svcs.facts,
			Interventions: svcs.interventions,
			Extractor:     svcs.extractor,
			Compiler:      svcs.compiler,
			Registry:      svcs.registry,
			Gate:          svcs.gate,
			Evaluator:     svcs.evaluator,
			Audit:         deps.store,
		},
		logger.Named("http"),
	)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	logger.Info("Pipeline wired",
		zap.Int("rules", len(svcs.registry.Snapshot().All())),
		zap.Int("engine_workers", cfg.Engine.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svcs.engine.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })
	return g.Wait()
}

// dependencies holds infrastructure handles.
type dependencies struct {
	natsConn *nats.Conn
	store    *store.Store
}

func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	nc, err := events.Connect(cfg.NATS)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

	st, err := store.Open(cfg.Store, logger.Named("store"))
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &dependencies{natsConn: nc, store: st}, nil
}

// services holds the wired pipeline components.
type services struct {
	facts         *fact.Service
	interventions *intervention.Service
	extractor     *pathextract.Extractor
	registry      *rule.Registry
	compiler      *rule.Compiler
	evaluator     *shadow.Evaluator
	gate          *promotion.Gate
	executor      *executor.Executor
	engine        *engine.Engine
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	publisher := events.NewPublisher(deps.natsConn, logger.Named("events"))

	facts, err := fact.NewService(deps.store, publisher, logger.Named("fact"))
	if err != nil {
		return nil, fmt.Errorf("fact service: %w", err)
	}
	interventions, err := intervention.NewService(deps.store, publisher, logger.Named("intervention"))
	if err != nil {
		return nil, fmt.Errorf("intervention service: %w", err)
	}

	extractorCfg := cfg.Extractor.ToExtractor()
	extractor, err := pathextract.NewExtractor(extractorCfg, deps.store, logger.Named("pathextract"))
	if err != nil {
		return nil, fmt.Errorf("path extractor: %w", err)
	}

	registry, err := rule.NewRegistry(deps.store, logger.Named("rule"))
	if err != nil {
		return nil, fmt.Errorf("rule registry: %w", err)
	}
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	catalog := rule.NewStaticCatalog(cfg.Actions)
	compiler, err := rule.NewCompiler(registry, catalog, logger.Named("compiler"))
	if err != nil {
		return nil, fmt.Errorf("rule compiler: %w", err)
	}

	evaluator, err := shadow.NewEvaluator(cfg.Shadow.ToShadow(), deps.store, logger.Named("shadow"))
	if err != nil {
		return nil, fmt.Errorf("shadow evaluator: %w", err)
	}
	if err := evaluator.Load(ctx, registry.Snapshot()); err != nil {
		return nil, fmt.Errorf("load shadow state: %w", err)
	}

	gate, err := promotion.NewGate(cfg.Promotion.ToPromotion(), registry, evaluator, deps.store, logger.Named("promotion"))
	if err != nil {
		return nil, fmt.Errorf("promotion gate: %w", err)
	}

	dispatcher := events.NewNATSDispatcher(deps.natsConn, logger.Named("dispatch"))
	exec, err := executor.NewExecutor(cfg.Executor.ToExecutor(), registry, dispatcher,
		deps.store, facts, interventions, publisher, logger.Named("executor"))
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	eng, err := engine.New(cfg.Engine, deps.natsConn, registry, evaluator, exec, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return &services{
		facts:         facts,
		interventions: interventions,
		extractor:     extractor,
		registry:      registry,
		compiler:      compiler,
		evaluator:     evaluator,
		gate:          gate,
		executor:      exec,
		engine:        eng,
	}, nil
}
