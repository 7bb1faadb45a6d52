// Package catalog maintains the in-memory mirror of the remote listings
// table.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const (
	// DefaultTable is the remote table mirrored by the cache.
	DefaultTable = "listings"

	component = "catalog"
)

// Cause describes what produced a notification.
type Cause string

const (
	CauseLoad   Cause = "load"
	CauseChange Cause = "change"
)

// Notification is delivered to listeners after every accepted mutation.
type Notification struct {
	Revision uint64
	Cause    Cause
	// Event is set when Cause is CauseChange.
	Event *model.ChangeEvent
	Size  int
}

// Listener receives cache notifications. It runs on the writer's goroutine
// and must not mutate the cache.
type Listener func(Notification)

// Metrics receives cache instrumentation.
type Metrics interface {
	RecordLoad(duration time.Duration, listings int, err error)
	RecordChange(kind model.ChangeKind, applied bool)
}

// Cache mirrors the listings table. Load and ApplyChange are serialized by
// a writer lock; Snapshot and friends read under a separate RWMutex.
type Cache struct {
	remote  interfaces.RemoteStore
	table   string
	columns model.ListingColumns
	logger  *logging.Logger
	metrics Metrics

	writeMu sync.Mutex

	mu       sync.RWMutex
	entries  map[string]model.Listing
	order    []string // ids sorted by CreatedAt desc, then ID desc
	revision uint64
	// epoch is bumped by Abandon; loads started in an older epoch are
	// discarded when they finish.
	epoch uint64

	subMu     sync.RWMutex
	listeners map[uint64]Listener
	nextSubID uint64
}

// Option configures a Cache.
type Option func(*Cache)

func WithTable(table string) Option {
	return func(c *Cache) { c.table = table }
}

func WithColumns(columns model.ListingColumns) Option {
	return func(c *Cache) { c.columns = columns }
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func WithMetrics(metrics Metrics) Option {
	return func(c *Cache) { c.metrics = metrics }
}

// New creates an empty cache over remote.
func New(remote interfaces.RemoteStore, opts ...Option) *Cache {
	c := &Cache{
		remote:    remote,
		table:     DefaultTable,
		columns:   model.DefaultListingColumns,
		entries:   make(map[string]model.Listing),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).WithComponent(logging.Component(component))
	return c
}

// Load fetches the whole table and replaces the cache contents with it.
// Rows that fail to decode or violate listing invariants are skipped.
func (c *Cache) Load(ctx context.Context) ([]model.Listing, error) {
	c.mu.RLock()
	epoch := c.epoch
	c.mu.RUnlock()

	start := time.Now()
	listings, err := c.fetch(ctx)
	if c.metrics != nil {
		c.metrics.RecordLoad(time.Since(start), len(listings), err)
	}
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding abandoned load", slog.Int("listings", len(listings)))
		return nil, errors.NewWithComponent(errors.OpLoad, component, errors.ErrCodeClosed,
			fmt.Errorf("load abandoned"))
	}
	c.entries = make(map[string]model.Listing, len(listings))
	for _, l := range listings {
		c.entries[l.ID] = l
	}
	c.order = c.order[:0]
	for id := range c.entries {
		c.order = append(c.order, id)
	}
	slices.SortFunc(c.order, c.compareIDs)
	c.revision++
	n := Notification{Revision: c.revision, Cause: CauseLoad, Size: len(c.entries)}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("catalog loaded", slog.Int("listings", n.Size), slog.Uint64("revision", n.Revision))
	c.notify(n)
	return snapshot, nil
}

func (c *Cache) fetch(ctx context.Context) ([]model.Listing, error) {
	rows, err := c.remote.QueryAll(ctx, c.table,
		interfaces.Order{Column: c.columns.CreatedAt, Descending: true})
	if err != nil {
		return nil, errors.WrapRemote(err, errors.OpLoad, component)
	}

	listings := make([]model.Listing, 0, len(rows))
	for _, row := range rows {
		l, err := c.columns.FromRow(row)
		if err == nil {
			err = l.Validate()
		}
		if err != nil {
			c.logger.Warn("skipping listing row", slog.Any("id", row[c.columns.ID]), slog.Any("error", err))
			continue
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// ApplyChange applies one incremental change. Inserts and updates upsert
// by id; deleting an absent id is a no-op. Each accepted call notifies
// exactly once.
func (c *Cache) ApplyChange(ev model.ChangeEvent) error {
	if err := validateEvent(ev); err != nil {
		if c.metrics != nil {
			c.metrics.RecordChange(ev.Kind, false)
		}
		c.logger.Warn("rejecting change", slog.String("kind", ev.Kind.String()),
			slog.String("id", ev.ListingID()), slog.Any("error", err))
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	switch ev.Kind {
	case model.ChangeInserted, model.ChangeUpdated:
		c.upsertLocked(ev.Listing)
	case model.ChangeDeleted:
		c.removeLocked(ev.ID)
	}
	c.revision++
	n := Notification{Revision: c.revision, Cause: CauseChange, Event: &ev, Size: len(c.entries)}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordChange(ev.Kind, true)
	}
	c.notify(n)
	return nil
}

func validateEvent(ev model.ChangeEvent) error {
	switch ev.Kind {
	case model.ChangeInserted, model.ChangeUpdated:
		if err := ev.Listing.Validate(); err != nil {
			return err
		}
	case model.ChangeDeleted:
		if ev.ID == "" {
			return errors.NewValidationError(errors.OpApplyChange, "id")
		}
	default:
		return errors.New(errors.OpApplyChange, errors.ErrCodeValidationFailure,
			fmt.Errorf("unknown change kind %v", ev.Kind))
	}
	return nil
}

func (c *Cache) upsertLocked(l model.Listing) {
	if prev, ok := c.entries[l.ID]; ok {
		c.entries[l.ID] = l
		if prev.CreatedAt.Equal(l.CreatedAt) {
			return
		}
		c.removeFromOrderLocked(l.ID)
	} else {
		c.entries[l.ID] = l
	}
	i, _ := slices.BinarySearchFunc(c.order, l.ID, c.compareIDs)
	c.order = slices.Insert(c.order, i, l.ID)
}

func (c *Cache) removeLocked(id string) {
	if _, ok := c.entries[id]; !ok {
		return
	}
	c.removeFromOrderLocked(id)
	delete(c.entries, id)
}

func (c *Cache) removeFromOrderLocked(id string) {
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// compareIDs orders newest first, breaking CreatedAt ties by descending id.
// It reads c.entries and must run with c.mu held.
func (c *Cache) compareIDs(a, b string) int {
	ta, tb := c.entries[a].CreatedAt, c.entries[b].CreatedAt
	if cmp := tb.Compare(ta); cmp != 0 {
		return cmp
	}
	return strings.Compare(b, a)
}

// Snapshot returns the cached listings, newest first.
func (c *Cache) Snapshot() []model.Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() []model.Listing {
	out := make([]model.Listing, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Get returns the cached listing with the given id.
func (c *Cache) Get(id string) (model.Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.entries[id]
	return l, ok
}

// Len returns the number of cached listings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Revision increases with every accepted mutation.
func (c *Cache) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Abandon discards the result of any load currently in flight.
func (c *Cache) Abandon() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

// Subscribe registers l and returns a function that unregisters it.
func (c *Cache) Subscribe(l Listener) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.listeners[id] = l
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.listeners, id)
			c.subMu.Unlock()
		})
	}
}

// notify runs with writeMu held so listeners observe notifications in
// mutation order.
func (c *Cache) notify(n Notification) {
	c.subMu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.subMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("listener panicked",
						slog.Any("panic", r), slog.Uint64("revision", n.Revision))
				}
			}()
			l(n)
		}()
	}
}
