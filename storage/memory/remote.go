// Package memory provides in-process implementations of the backend
// interfaces. They back the package tests and local demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/internal/feed"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const component = "memory"

// DefaultFeedBuffer is the per-subscription event buffer.
const DefaultFeedBuffer = 1024

// Remote is an in-memory RemoteStore and ChangeStream. Every successful
// mutation is published to the table's subscribers in commit order.
type Remote struct {
	mu     sync.Mutex
	tables map[string][]model.Row
	keys   map[string]string
	unique map[string][]string
	subs   map[string]map[*feed.Feed]struct{}
	faults map[errors.Operation][]error
	closed bool

	// OnQuery, if set, runs before every query and may block or fail it.
	OnQuery func(ctx context.Context, table string) error
}

var (
	_ interfaces.RemoteStore  = (*Remote)(nil)
	_ interfaces.ChangeStream = (*Remote)(nil)
)

// NewRemote creates an empty store. Tables are keyed by "id" except users,
// which is keyed by "email".
func NewRemote() *Remote {
	return &Remote{
		tables: make(map[string][]model.Row),
		keys:   map[string]string{"users": "email"},
		unique: map[string][]string{"listings": {"id"}, "users": {"email"}},
		subs:   make(map[string]map[*feed.Feed]struct{}),
		faults: make(map[errors.Operation][]error),
	}
}

// SetKeyColumn sets the primary key column used by Update and Delete.
func (r *Remote) SetKeyColumn(table, column string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[table] = column
	r.unique[table] = append(r.unique[table], column)
}

// FailNext makes the next call of op return err. Calls queue up.
func (r *Remote) FailNext(op errors.Operation, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = append(r.faults[op], err)
}

// Seed inserts rows without publishing change events.
func (r *Remote) Seed(table string, rows ...model.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		r.tables[table] = append(r.tables[table], cloneRow(row))
	}
}

// Rows returns a copy of table's rows in insertion order.
func (r *Remote) Rows(table string) []model.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Row, 0, len(r.tables[table]))
	for _, row := range r.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

// Disconnect ends every open subscription with err, as a dropped
// realtime connection would.
func (r *Remote) Disconnect(err error) {
	r.mu.Lock()
	var feeds []*feed.Feed
	for _, set := range r.subs {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	r.mu.Unlock()

	for _, f := range feeds {
		f.Fail(err)
	}
}

// Subscribers returns the number of open subscriptions on table.
func (r *Remote) Subscribers(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[table])
}

// Close ends all subscriptions and rejects further calls.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Disconnect(nil)
	return nil
}

func (r *Remote) fault(op errors.Operation) error {
	if r.closed {
		return errors.NewRemoteError(op, component, errors.ErrClosed)
	}
	queue := r.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	r.faults[op] = queue[1:]
	return errors.WrapRemote(err, op, component)
}

func (r *Remote) QueryAll(ctx context.Context, table string, order ...interfaces.Order) ([]model.Row, error) {
	return r.QueryFiltered(ctx, table, nil, order...)
}

func (r *Remote) QueryFiltered(ctx context.Context, table string, filter interfaces.Filter, order ...interfaces.Order) ([]model.Row, error) {
	if r.OnQuery != nil {
		if err := r.OnQuery(ctx, table); err != nil {
			return nil, errors.WrapRemote(err, errors.OpQuery, component)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewRemoteError(errors.OpQuery, component, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault(errors.OpQuery); err != nil {
		return nil, err
	}

	var out []model.Row
	for _, row := range r.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	sortRows(out, order)
	return out, nil
}

func (r *Remote) Insert(ctx context.Context, table string, record model.Row) error {
	if err := ctx.Err(); err != nil {
		return errors.NewRemoteError(errors.OpInsert, component, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault(errors.OpInsert); err != nil {
		return err
	}

	for _, col := range r.unique[table] {
		for _, row := range r.tables[table] {
			if v, ok := record[col]; ok && equal(row[col], v) {
				return errors.NewWithComponent(errors.OpInsert, component, errors.ErrCodeConflict,
					fmt.Errorf("duplicate %s.%s %v", table, col, v))
			}
		}
	}

	row := cloneRow(record)
	r.tables[table] = append(r.tables[table], row)
	r.publish(table, model.RowChange{Kind: model.ChangeInserted, Table: table, Record: cloneRow(row)})
	return nil
}

func (r *Remote) Update(ctx context.Context, table, id string, patch model.Row, guard interfaces.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewRemoteError(errors.OpUpdate, component, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault(errors.OpUpdate); err != nil {
		return 0, err
	}

	key := r.keyColumn(table)
	for i, row := range r.tables[table] {
		if !equal(row[key], id) || !matches(row, guard) {
			continue
		}
		updated := cloneRow(row)
		for k, v := range patch {
			updated[k] = v
		}
		r.tables[table][i] = updated
		r.publish(table, model.RowChange{Kind: model.ChangeUpdated, Table: table, Record: cloneRow(updated), OldRecord: cloneRow(row)})
		return 1, nil
	}
	return 0, nil
}

func (r *Remote) Delete(ctx context.Context, table, id string, guard interfaces.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewRemoteError(errors.OpDelete, component, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault(errors.OpDelete); err != nil {
		return 0, err
	}

	key := r.keyColumn(table)
	rows := r.tables[table]
	for i, row := range rows {
		if !equal(row[key], id) || !matches(row, guard) {
			continue
		}
		r.tables[table] = append(rows[:i:i], rows[i+1:]...)
		r.publish(table, model.RowChange{Kind: model.ChangeDeleted, Table: table, OldRecord: cloneRow(row)})
		return 1, nil
	}
	return 0, nil
}

// SubscribeChanges opens a feed of table's changes.
func (r *Remote) SubscribeChanges(ctx context.Context, table string) (interfaces.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fault(errors.OpSubscribe); err != nil {
		return nil, err
	}

	var f *feed.Feed
	f = feed.New(DefaultFeedBuffer, func() {
		r.mu.Lock()
		delete(r.subs[table], f)
		r.mu.Unlock()
	})
	if r.subs[table] == nil {
		r.subs[table] = make(map[*feed.Feed]struct{})
	}
	r.subs[table][f] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.Done():
		}
	}()
	return f, nil
}

// publish runs with r.mu held. Overflowing feeds fail asynchronously so
// their onClose can take the lock.
func (r *Remote) publish(table string, rc model.RowChange) {
	for f := range r.subs[table] {
		select {
		case <-f.Done():
			continue
		default:
		}
		if !f.Offer(rc) {
			go f.Fail(feed.ErrOverflow)
		}
	}
}

func (r *Remote) keyColumn(table string) string {
	if k, ok := r.keys[table]; ok {
		return k
	}
	return "id"
}

func matches(row model.Row, filter interfaces.Filter) bool {
	for col, want := range filter {
		if !equal(row[col], want) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func cloneRow(row model.Row) model.Row {
	out := make(model.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func sortRows(rows []model.Row, order []interfaces.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compare(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
