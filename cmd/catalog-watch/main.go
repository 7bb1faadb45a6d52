// catalog-watch mirrors the marketplace catalog and logs every change. It
// is configured through MARKET_CONFIG (an optional YAML file) and the
// MARKET_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	marketsync "github.com/c0deZ3R0/go-market-sync"
	"github.com/c0deZ3R0/go-market-sync/blob"
	"github.com/c0deZ3R0/go-market-sync/catalog"
	"github.com/c0deZ3R0/go-market-sync/config"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/metrics"
	"github.com/c0deZ3R0/go-market-sync/session"
	"github.com/c0deZ3R0/go-market-sync/storage/postgres"
	"github.com/c0deZ3R0/go-market-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-market-sync/transport/sse"
	"github.com/c0deZ3R0/go-market-sync/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "catalog-watch:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("MARKET_CONFIG"))
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)
	logger := logging.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := sqlite.New(&sqlite.Config{
		DataSourceName: cfg.LocalPath,
		EnableWAL:      true,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	remote, err := postgres.New(&postgres.Config{
		ConnectionString: cfg.DatabaseURL,
		Logger:           logger,
		RunMigrations:    cfg.Migrate,
	})
	if err != nil {
		return fmt.Errorf("open remote store: %w", err)
	}
	defer remote.Close()

	stream, err := changeStream(cfg, remote, logger)
	if err != nil {
		return err
	}

	var blobs interfaces.BlobStore
	if cfg.Storage.URL != "" {
		store, err := blob.New(&blob.Config{
			BaseURL:    cfg.Storage.URL,
			Bucket:     cfg.Storage.Bucket,
			APIKey:     cfg.Storage.Key,
			UploadRate: rate.Limit(cfg.Storage.UploadRate),
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("blob store: %w", err)
		}
		blobs = store
	}

	opts := []marketsync.Option{
		marketsync.WithLogger(logger),
		marketsync.WithListingsTable(cfg.ListingsTable),
		marketsync.WithBackoff(&marketsync.ExponentialBackoff{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
		}),
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, marketsync.WithMetrics(metrics.NewCollector(reg)))
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer srv.Shutdown(context.Background())
	}

	client, err := marketsync.NewClient(remote, stream, blobs, opts...)
	if err != nil {
		return err
	}
	defer client.Stop()

	sess := session.New(remote, local, session.WithLogger(logger))
	identity, signedIn, err := sess.CurrentIdentity(ctx)
	if err != nil {
		logger.LogError(ctx, err, "failed to read saved session")
	}

	unsubscribe := client.Subscribe(func(n catalog.Notification) {
		attrs := []any{slog.Uint64("revision", n.Revision), slog.Int("listings", n.Size)}
		if n.Event != nil {
			attrs = append(attrs, slog.String("kind", n.Event.Kind.String()), slog.String("id", n.Event.ListingID()))
		}
		logger.Info("catalog "+string(n.Cause), attrs...)
	})
	defer unsubscribe()

	if err := client.Start(ctx, sess); err != nil {
		return err
	}

	if signedIn {
		logger.Info("signed in",
			slog.String("email", identity.Email),
			slog.Int("my_listings", len(client.MyListings(identity.Email))),
			slog.Int("my_purchases", len(client.MyPurchases(identity.Email))))
	}

	<-ctx.Done()
	logger.Info("shutting down", slog.Any("status", client.Status()))
	return nil
}

func changeStream(cfg *config.Config, remote *postgres.Store, logger *logging.Logger) (interfaces.ChangeStream, error) {
	switch cfg.Realtime.Source {
	case config.SourcePostgres:
		return remote, nil
	case config.SourceSSE:
		c := sse.NewClient(cfg.Realtime.URL, nil)
		c.Logger = logger
		if cfg.Realtime.Token != "" {
			c.Header = http.Header{"Authorization": {"Bearer " + cfg.Realtime.Token}}
		}
		return c, nil
	case config.SourceWS:
		c := ws.NewClient(cfg.Realtime.URL, cfg.Realtime.Token)
		c.Logger = logger
		return c, nil
	}
	return nil, fmt.Errorf("unknown realtime source %q", cfg.Realtime.Source)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(context.Background(), err, "metrics server failed")
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}
