package marketsync

import (
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-market-sync/catalog"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// clientOptions holds the configurable parts of a Client.
type clientOptions struct {
	table         string
	columns       model.ListingColumns
	logger        *logging.Logger
	metrics       MetricsCollector
	backoff       BackoffStrategy
	autoReconnect bool
	now           func() time.Time
	newID         func() string
}

func defaultOptions() clientOptions {
	return clientOptions{
		table:         catalog.DefaultTable,
		columns:       model.DefaultListingColumns,
		metrics:       &NoOpMetricsCollector{},
		backoff:       DefaultBackoff(),
		autoReconnect: true,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithListingsTable sets the remote table mirrored by the client.
func WithListingsTable(table string) Option {
	return func(o *clientOptions) { o.table = table }
}

// WithListingColumns overrides the backend column names.
func WithListingColumns(columns model.ListingColumns) Option {
	return func(o *clientOptions) { o.columns = columns }
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithMetrics sets the metrics collector. Nil restores the no-op collector.
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *clientOptions) {
		if metrics == nil {
			metrics = &NoOpMetricsCollector{}
		}
		o.metrics = metrics
	}
}

// WithBackoff sets the delay strategy between resubscription attempts.
func WithBackoff(backoff BackoffStrategy) Option {
	return func(o *clientOptions) { o.backoff = backoff }
}

// WithAutoReconnect controls whether a dropped change stream is
// resubscribed automatically. When disabled, Reconnect must be called.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) { o.autoReconnect = enabled }
}

// WithClock sets the time source used for listing timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithIDGenerator sets the listing id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *clientOptions) { o.newID = newID }
}
