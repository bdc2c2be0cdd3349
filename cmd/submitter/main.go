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
	"txrelay/internal/infrastructure/redis"
	"txrelay/internal/interfaces/httpapi"
	"txrelay/internal/nonce"
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
	logCloser := bootstrap.Logging(cfg, "txrelay-submitter")
	defer logCloser.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing := bootstrap.Tracing(ctx, cfg, "txrelay-submitter", version)
	defer shutdownTracing()

	if err := run(ctx, cfg); err != nil {
		slog.Error("submitter stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	repo, err := mysql.NewRepository(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer repo.Close()

	cache, err := redis.NewClient(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer cache.Close()

	requests, err := mysql.NewCachedRepository(repo, cache.Redis(), mysql.CacheConfig{TTL: cfg.CacheTTL})
	if err != nil {
		return err
	}

	nodes, err := bootstrap.DialNodes(ctx, cfg)
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	defer nodes.Close()

	shards, err := bootstrap.OpenShards(cfg)
	if err != nil {
		return fmt.Errorf("shards: %w", err)
	}
	defer shards.Close()

	signer, err := ethrpc.NewSigner(nodes.Primary(), cfg.ChainID, cfg.WorkerKeys, cfg.GasLimit)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	workers := signer.Workers(cfg.ChainKind, cfg.ChainID, cfg.WorkerDisabled)
	if len(workers) == 0 {
		slog.Warn("no worker keys configured; every request will fail with no_worker")
	}
	decoder, err := ethrpc.NewERC20()
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, TopicPrefix: cfg.KafkaTopicPrefix})
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	defer producer.Close()

	metrics := httpapi.NewMetrics()
	registry := nonce.NewRegistry(cache, nodes.Nonce(), nonce.MutexOptions{
		PollInterval: cfg.LockPollInterval,
		Timeout:      cfg.LockTimeout,
		TTL:          cfg.LockTTL,
	})

	submitter, err := application.NewSubmitter(application.SubmitterConfig{
		ChainID:           cfg.ChainID,
		ChainKind:         cfg.ChainKind,
		ProcessingLease:   cfg.ProcessingLease,
		RecoverableDelay:  cfg.RecoverableDelay,
		ConfirmationDelay: cfg.ConfirmationDelay,
	}, requests, registry, signer, producer, workers, metrics)
	if err != nil {
		return err
	}

	// Settles receipts the scanner never claimed; it does not scan blocks.
	late, err := application.NewReconciler(application.ReconcilerConfig{
		InstanceID:       cfg.ScannerInstanceID,
		ChainID:          cfg.ChainID,
		ReceiptBatchSize: cfg.ReceiptBatchSize,
		ReceiptWorkers:   cfg.ReceiptWorkers,
	}, application.ReconcilerDeps{
		Requests:   requests,
		Nodes:      nodes.Chain(),
		Decoder:    decoder,
		Settlement: application.TransferSettlement{},
		Shards:     shards.Router,
		Tracked:    bootstrap.Tracked(cfg),
		Observer:   metrics,
	})
	if err != nil {
		return err
	}

	sweeper, err := application.NewSweeper(application.SweeperConfig{
		ChainID:             cfg.ChainID,
		Interval:            cfg.SweepInterval,
		ReceiptPollAttempts: cfg.ReceiptPollAttempts,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		RecheckDelay:        cfg.ConfirmationDelay,
		LateSettleBlocks:    cfg.LateSettleBlocks,
	}, application.SweeperDeps{
		Requests:  requests,
		Publisher: producer,
		Nodes:     nodes.Chain(),
		Late:      late,
		Observer:  metrics,
	})
	if err != nil {
		return err
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.KafkaGroupID + "-submit",
		Topic:   kafka.SubmitTopic(cfg.KafkaTopicPrefix, cfg.ChainID),
	}, metrics)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer consumer.Close()

	server, err := httpapi.NewServer(submitter, map[string]httpapi.Pinger{
		"db":    repo,
		"redis": cache,
		"rpc":   nodes.Primary(),
	}, metrics, httpapi.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime})
	if err != nil {
		return err
	}

	slog.Info("submitter started",
		"chain_id", cfg.ChainID,
		"workers", len(workers),
		"replicas", len(nodes),
		"http_addr", cfg.HTTPAddr,
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		consumer.Run(gctx, func(ctx context.Context, msg streaming.Message) error {
			if msg.Type != streaming.MessageTypeSubmit {
				return fmt.Errorf("unexpected message type %q on submit topic", msg.Type)
			}
			return submitter.Execute(ctx, msg.UUID)
		})
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	return g.Wait()
}
