package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"txrelay/internal/application"
	"txrelay/internal/bootstrap"
	"txrelay/internal/config"
	"txrelay/internal/infrastructure/ethrpc"
	"txrelay/internal/infrastructure/kafka"
	"txrelay/internal/infrastructure/mysql"
	"txrelay/internal/interfaces/httpapi"
	"txrelay/internal/streaming"

	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	service := "txrelay-scanner-" + cfg.ScannerMode
	logCloser := bootstrap.Logging(cfg, service)
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing := bootstrap.Tracing(ctx, cfg, service, version)
	defer shutdownTracing()

	if err := run(ctx, cfg); err != nil {
		slog.Error("scanner stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	repo, err := mysql.NewRepository(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer repo.Close()

	nodes, err := bootstrap.DialNodes(ctx, cfg)
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	defer nodes.Close()

	metrics := httpapi.NewMetrics()
	checks := map[string]httpapi.Pinger{"db": repo, "rpc": nodes.Primary()}

	var loop func(ctx context.Context) error
	switch cfg.ScannerMode {
	case config.ScannerModeDelegator:
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, TopicPrefix: cfg.KafkaTopicPrefix})
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		delegator, err := application.NewDelegator(application.DelegatorConfig{
			InstanceID:    cfg.ScannerInstanceID,
			ChainID:       cfg.ChainID,
			Partitions:    cfg.ScanPartitions,
			StartBlock:    cfg.StartBlock,
			Confirmations: cfg.Confirmations,
			PollInterval:  cfg.PollInterval,
			RetryDelay:    cfg.RetryDelay,
		}, nodes.Chain(), producer, repo, metrics)
		if err != nil {
			return err
		}
		loop = delegator.Run

	case config.ScannerModeWorker:
		pinned := nodes.PinnedTo(cfg.ScanWorkerReplica)
		slog.Info("scan worker bound to replica", "replica", cfg.ScanWorkerReplica, "url", pinned.Primary().URL())
		reconciler, shards, err := newReconciler(cfg, repo, pinned, metrics)
		if err != nil {
			return err
		}
		defer shards.Close()
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID + "-scan",
			Topic:   kafka.ScanTopic(cfg.KafkaTopicPrefix, cfg.ChainID),
		}, metrics)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close()
		loop = func(ctx context.Context) error {
			consumer.Run(ctx, func(ctx context.Context, msg streaming.Message) error {
				if msg.Type != streaming.MessageTypeScan {
					return fmt.Errorf("unexpected message type %q on scan topic", msg.Type)
				}
				return application.HandleScanTask(ctx, reconciler, msg.ScanTask(), cfg.RetryDelay)
			})
			return nil
		}

	default:
		reconciler, shards, err := newReconciler(cfg, repo, nodes, metrics)
		if err != nil {
			return err
		}
		defer shards.Close()
		loop = reconciler.Run
	}

	server, err := httpapi.NewServer(nil, checks, metrics, httpapi.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})
	if err != nil {
		return err
	}

	slog.Info("scanner started",
		"mode", cfg.ScannerMode,
		"instance", cfg.ScannerInstanceID,
		"chain_id", cfg.ChainID,
		"replicas", len(nodes),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		return loop(gctx)
	})
	return g.Wait()
}

func newReconciler(cfg config.Config, repo *mysql.Repository, nodes bootstrap.Nodes, metrics *httpapi.Metrics) (*application.Reconciler, *bootstrap.Shards, error) {
	shards, err := bootstrap.OpenShards(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("shards: %w", err)
	}
	decoder, err := ethrpc.NewERC20()
	if err != nil {
		shards.Close()
		return nil, nil, err
	}
	reconciler, err := application.NewReconciler(application.ReconcilerConfig{
		InstanceID:       cfg.ScannerInstanceID,
		ChainID:          cfg.ChainID,
		StartBlock:       cfg.StartBlock,
		Confirmations:    cfg.Confirmations,
		ReceiptBatchSize: cfg.ReceiptBatchSize,
		ReceiptWorkers:   cfg.ReceiptWorkers,
		PollInterval:     cfg.PollInterval,
		RetryDelay:       cfg.RetryDelay,
	}, application.ReconcilerDeps{
		Requests:   repo,
		Nodes:      nodes.Chain(),
		Decoder:    decoder,
		Settlement: application.TransferSettlement{},
		Shards:     shards.Router,
		Cursor:     repo,
		Tracked:    bootstrap.Tracked(cfg),
		Observer:   metrics,
	})
	if err != nil {
		shards.Close()
		return nil, nil, err
	}
	return reconciler, shards, nil
}
