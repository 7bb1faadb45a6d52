// Package feed implements the channel plumbing shared by change stream
// subscriptions: a buffered event channel that is closed exactly once,
// after every in-flight publisher has returned.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/c0deZ3R0/go-market-sync/model"
)

// ErrOverflow ends a feed whose consumer fell too far behind.
var ErrOverflow = errors.New("change feed overflow")

// Feed is an interfaces.Subscription backed by a buffered channel.
type Feed struct {
	events  chan model.RowChange
	done    chan struct{}
	once    sync.Once
	sendMu  sync.RWMutex
	errMu   sync.Mutex
	err     error
	onClose func()
}

// New creates a feed. onClose, if set, runs once when the feed ends.
func New(buffer int, onClose func()) *Feed {
	return &Feed{
		events:  make(chan model.RowChange, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (f *Feed) Events() <-chan model.RowChange { return f.events }

// Done is closed when the feed has ended.
func (f *Feed) Done() <-chan struct{} { return f.done }

func (f *Feed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// Publish delivers rc, blocking until the consumer takes it, ctx is done or
// the feed ends. It reports whether rc was delivered.
func (f *Feed) Publish(ctx context.Context, rc model.RowChange) bool {
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()

	select {
	case <-f.done:
		return false
	default:
	}

	select {
	case f.events <- rc:
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// TryPublish delivers rc without blocking. A full buffer ends the feed
// with ErrOverflow so the consumer learns it missed changes.
func (f *Feed) TryPublish(rc model.RowChange) bool {
	f.sendMu.RLock()
	select {
	case <-f.done:
		f.sendMu.RUnlock()
		return false
	default:
	}
	select {
	case f.events <- rc:
		f.sendMu.RUnlock()
		return true
	default:
		f.sendMu.RUnlock()
		f.Fail(ErrOverflow)
		return false
	}
}

// Offer delivers rc without blocking and without ending the feed when the
// buffer is full. Callers holding locks the onClose hook needs use it.
func (f *Feed) Offer(rc model.RowChange) bool {
	f.sendMu.RLock()
	defer f.sendMu.RUnlock()
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.events <- rc:
		return true
	default:
		return false
	}
}

// Fail ends the feed with err.
func (f *Feed) Fail(err error) {
	f.finish(err)
}

// Close ends the feed without error.
func (f *Feed) Close() error {
	f.finish(nil)
	return nil
}

func (f *Feed) finish(err error) {
	f.once.Do(func() {
		f.errMu.Lock()
		f.err = err
		f.errMu.Unlock()

		close(f.done)
		// Wait out publishers that were mid-send before closing the channel.
		f.sendMu.Lock()
		close(f.events)
		f.sendMu.Unlock()

		if f.onClose != nil {
			f.onClose()
		}
	})
}
