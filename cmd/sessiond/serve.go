package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/relayforge/sessiond/internal/config"
	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/interrupt"
	"github.com/relayforge/sessiond/internal/login"
	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/rpc"
	"github.com/relayforge/sessiond/internal/subscription"
	"github.com/relayforge/sessiond/internal/telemetry"
	"github.com/relayforge/sessiond/internal/thread"
)

// fileConfig is the on-disk dialect for --config: process-wide defaults
// and the cloud residency allow-list, in the same snake_case keys the
// per-request config map understands (internal/config's round-trip
// dialect).
type fileConfig struct {
	Model            string   `yaml:"model"`
	Provider         string   `yaml:"provider"`
	Cwd              string   `yaml:"cwd"`
	AllowedProviders []string `yaml:"allowed_providers"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON-RPC protocol over stdio",
	Long: `serve wires a stdio-framed JSON-RPC transport to the dispatcher:
one connection per process invocation, reading requests from stdin and
writing responses and notifications to stdout until the input stream
closes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file of process-wide defaults")
	serveCmd.Flags().String("rollout-root", "./sessiond-rollouts", "Root directory for rollout files")
	serveCmd.Flags().String("index-backend", "none", "Rollout summary index backend: none, sqlite, or mongo")
	serveCmd.Flags().String("sqlite-path", "./sessiond-rollouts/state.db", "Path to the sqlite index database (index-backend=sqlite)")
	serveCmd.Flags().String("mongo-uri", "", "MongoDB connection URI (index-backend=mongo)")
	serveCmd.Flags().String("mongo-database", "sessiond", "MongoDB database name (index-backend=mongo)")
	serveCmd.Flags().String("mongo-collection", "rollout_summaries", "MongoDB collection name (index-backend=mongo)")
	serveCmd.Flags().String("redis-addr", "", "Redis address for the cross-process Pulse event relay; empty disables it")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := newLogContext(cmd)
	log := telemetry.NewClueLogger()

	configPath, _ := cmd.Flags().GetString("config")
	rolloutRoot, _ := cmd.Flags().GetString("rollout-root")
	indexBackend, _ := cmd.Flags().GetString("index-backend")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	mongoURI, _ := cmd.Flags().GetString("mongo-uri")
	mongoDatabase, _ := cmd.Flags().GetString("mongo-database")
	mongoCollection, _ := cmd.Flags().GetString("mongo-collection")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	fc, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}

	index, closeIndex, err := buildIndex(ctx, indexBackend, sqlitePath, mongoURI, mongoDatabase, mongoCollection)
	if err != nil {
		return err
	}
	if closeIndex != nil {
		defer closeIndex()
	}

	store, err := rollout.NewFSStore(rolloutRoot, index, log)
	if err != nil {
		return fmt.Errorf("open rollout store: %w", err)
	}

	threads := thread.NewRegistry(store, nil, log)
	interrupts := interrupt.NewCoordinator()
	subs := subscription.NewRegistry(interrupts, log)
	logins := login.NewSession(log)

	dispatcher := rpc.NewDispatcher(threads, subs, interrupts, logins, store, log)
	dispatcher.SetCLIOverrides(config.CLIOverrides{Model: fc.Model, Provider: fc.Provider, Cwd: fc.Cwd})
	dispatcher.SetCloudRequirements(config.CloudRequirements{AllowedProviders: fc.AllowedProviders})

	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		client := subscription.NewPulseClient(rdb)
		dispatcher.SetPulseRelay(func(threadID string) event.Sink {
			return subscription.NewPulseSink(client, nil)
		})
	}

	log.Info(ctx, "sessiond serving on stdio",
		"rollout_root", rolloutRoot, "index_backend", indexBackend, "pulse_relay", redisAddr != "")

	return serveStdio(ctx, dispatcher, log)
}

func buildIndex(ctx context.Context, backend, sqlitePath, mongoURI, mongoDatabase, mongoCollection string) (rollout.Index, func(), error) {
	switch strings.ToLower(backend) {
	case "", "none":
		return nil, nil, nil
	case "sqlite":
		idx, err := rollout.NewSQLiteIndex(sqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite index: %w", err)
		}
		return idx, nil, nil
	case "mongo":
		if mongoURI == "" {
			return nil, nil, fmt.Errorf("--mongo-uri is required when --index-backend=mongo")
		}
		client, err := mongo.Connect(mongooptions.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		idx, err := rollout.NewMongoIndex(ctx, client, mongoDatabase, mongoCollection)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("open mongo index: %w", err)
		}
		return idx, func() { _ = client.Disconnect(ctx) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

// serveStdio runs the one-connection-per-process read loop: each incoming
// request is dispatched on its own goroutine so that a handler which defers
// its reply (turn/interrupt, thread/rollback) never blocks the reader from
// picking up the next request on the same connection, per spec.md §5's
// concurrency model.
func serveStdio(ctx context.Context, dispatcher *rpc.Dispatcher, logger telemetry.Logger) error {
	framing := rpc.NewFraming(os.Stdin, os.Stdout)
	conn := rpc.NewConn("stdio", framing)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	for {
		req, err := framing.ReadRequest()
		if err != nil {
			wg.Wait()
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		wg.Add(1)
		go func(req rpc.Request) {
			defer wg.Done()
			dispatcher.Handle(ctx, conn, req)
		}(req)

		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}
	}
}
