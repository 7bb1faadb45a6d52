package marketsync

import (
	"time"

	"github.com/c0deZ3R0/go-market-sync/catalog"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// MetricsCollector provides hooks for collecting client metrics
type MetricsCollector interface {
	catalog.Metrics

	// RecordMutation records a createListing, purchase or deleteListing call
	RecordMutation(operation string, duration time.Duration, err error)

	// RecordReconnect records a resubscription attempt
	RecordReconnect(attempt int)

	// SetConnected tracks the change stream state
	SetConnected(connected bool)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordLoad(duration time.Duration, listings int, err error)       {}
func (n *NoOpMetricsCollector) RecordChange(kind model.ChangeKind, applied bool)                 {}
func (n *NoOpMetricsCollector) RecordMutation(operation string, duration time.Duration, err error) {}
func (n *NoOpMetricsCollector) RecordReconnect(attempt int)                                      {}
func (n *NoOpMetricsCollector) SetConnected(connected bool)                                      {}
