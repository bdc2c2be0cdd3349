// Package bootstrap holds the wiring shared by the relay binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/config"
	"txrelay/internal/domain"
	"txrelay/internal/infrastructure/dynamo"
	"txrelay/internal/infrastructure/ethrpc"
	"txrelay/internal/infrastructure/logging"
	"txrelay/internal/infrastructure/sqlite"
	"txrelay/internal/infrastructure/telemetry"
	"txrelay/internal/nonce"
)

// Logging installs the process logger. Failures fall back to stdout only.
func Logging(cfg config.Config, service string) io.Closer {
	closer, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Service:    service,
	})
	if err != nil {
		slog.Error("logger init error", "err", err)
		return io.NopCloser(nil)
	}
	return closer
}

// Tracing starts the tracer provider and returns its shutdown.
func Tracing(ctx context.Context, cfg config.Config, service, version string) func() {
	shutdown, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName: service,
		Version:     version,
		Endpoint:    cfg.OtelEndpoint,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		slog.Error("tracing init error", "err", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Error("tracing shutdown error", "err", err)
		}
	}
}

// Nodes dials every configured replica. The first replica is the primary
// used for signing and readiness.
type Nodes []*ethrpc.Client

func DialNodes(ctx context.Context, cfg config.Config) (Nodes, error) {
	nodes := make(Nodes, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		client, err := ethrpc.NewClient(ctx, ethrpc.Config{URL: url, RateLimit: cfg.RPCRateLimit})
		if err != nil {
			nodes.Close()
			return nil, err
		}
		nodes = append(nodes, client)
	}
	if len(nodes) == 0 {
		return nil, application.ErrNoNode
	}
	return nodes, nil
}

func (n Nodes) Primary() *ethrpc.Client { return n[0] }

// PinnedTo rotates the replicas so index comes first. Failover still walks
// the rest in configured order. A negative index keeps n as is.
func (n Nodes) PinnedTo(index int) Nodes {
	if index <= 0 || len(n) == 0 {
		return n
	}
	index %= len(n)
	out := make(Nodes, 0, len(n))
	out = append(out, n[index:]...)
	return append(out, n[:index]...)
}

func (n Nodes) Chain() []application.ChainNode {
	out := make([]application.ChainNode, len(n))
	for i, node := range n {
		out[i] = node
	}
	return out
}

func (n Nodes) Nonce() []nonce.NodeQuerier {
	out := make([]nonce.NodeQuerier, len(n))
	for i, node := range n {
		out[i] = node
	}
	return out
}

func (n Nodes) Close() {
	for _, node := range n {
		node.Close()
	}
}

// Shards opens one store per configured shard name and routes clients
// over them.
type Shards struct {
	Router  *application.ShardRouter
	closers []io.Closer
}

func OpenShards(cfg config.Config) (*Shards, error) {
	if len(cfg.Shards) == 0 {
		return nil, errors.New("at least one shard is required")
	}
	stores := make(map[string]application.ShardStore, len(cfg.Shards))
	shards := &Shards{}
	for _, name := range cfg.Shards {
		switch cfg.ShardBackend {
		case config.ShardBackendDynamo:
			store, err := dynamo.NewStore(dynamo.Config{
				Region:      cfg.DynamoRegion,
				Endpoint:    cfg.DynamoEndpoint,
				TablePrefix: cfg.DynamoPrefix + name + "_",
				TokenTTL:    cfg.DynamoTokenTTL,
			})
			if err != nil {
				shards.Close()
				return nil, fmt.Errorf("shard %s: %w", name, err)
			}
			stores[name] = store
		default:
			if err := os.MkdirAll(cfg.SQLitePath, 0o755); err != nil {
				shards.Close()
				return nil, err
			}
			store, err := sqlite.NewRepository(filepath.Join(cfg.SQLitePath, name+".db"))
			if err != nil {
				shards.Close()
				return nil, fmt.Errorf("shard %s: %w", name, err)
			}
			stores[name] = store
			shards.closers = append(shards.closers, store)
		}
	}
	router, err := application.NewShardRouter(stores, cfg.ClientShards)
	if err != nil {
		shards.Close()
		return nil, err
	}
	shards.Router = router
	return shards, nil
}

func (s *Shards) Close() {
	for _, closer := range s.closers {
		_ = closer.Close()
	}
}

// Tracked lists the configured token contracts in a stable order.
func Tracked(cfg config.Config) []domain.TrackedContract {
	contracts := make([]domain.TrackedContract, 0, len(cfg.TrackedContracts))
	for address, clientID := range cfg.TrackedContracts {
		contracts = append(contracts, domain.TrackedContract{Address: address, ClientID: clientID})
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Address < contracts[j].Address })
	return contracts
}
