package marketsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// BackoffStrategy defines how to handle reconnection delays
type BackoffStrategy interface {
	// NextDelay returns the delay before the next reconnection attempt
	NextDelay(attempt int) time.Duration

	// Reset resets the backoff strategy after a successful connection
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff waits 1s, 2s, 4s ... up to 30s between attempts.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
		if eb.MaxDelay > 0 && delay >= float64(eb.MaxDelay) {
			return eb.MaxDelay
		}
	}

	result := time.Duration(delay)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}

func (eb *ExponentialBackoff) Reset() {}

// ConnectionStatus represents the state of the change stream subscription
type ConnectionStatus struct {
	Connected         bool
	LastConnected     time.Time
	ReconnectAttempts int
	Error             error
}

func (c *Client) markConnected() {
	c.statusMu.Lock()
	c.status.Connected = true
	c.status.LastConnected = c.options.now()
	c.status.ReconnectAttempts = 0
	c.status.Error = nil
	c.statusMu.Unlock()
	c.options.metrics.SetConnected(true)
}

func (c *Client) markDisconnected(err error) {
	c.statusMu.Lock()
	c.status.Connected = false
	c.status.Error = err
	c.statusMu.Unlock()
	c.options.metrics.SetConnected(false)
}

func (c *Client) recordReconnectAttempt(attempt int) {
	c.statusMu.Lock()
	c.status.ReconnectAttempts = attempt
	c.statusMu.Unlock()
	c.options.metrics.RecordReconnect(attempt)
}

// Status returns the current change stream status.
func (c *Client) Status() ConnectionStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// run consumes sub until ctx is done, resubscribing after stream loss.
// It owns every subscription it holds and closes it on exit.
func (c *Client) run(ctx context.Context, sub interfaces.Subscription, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	for {
		var reply chan error
		select {
		case rc, ok := <-sub.Events():
			if ok {
				c.deliver(rc)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			err := sub.Err()
			c.logger.Warn("change stream ended", slog.Any("error", err))
			c.markDisconnected(err)
		case reply = <-c.reconnectCh:
			sub.Close()
			c.markDisconnected(nil)
		case <-ctx.Done():
			return
		}

		sub = c.resubscribe(ctx, reply)
		if sub == nil {
			return
		}
	}
}

// resubscribe opens a new subscription and resyncs the cache. With
// automatic reconnection it retries per the backoff strategy; otherwise it
// waits for Reconnect. A pending Reconnect is answered with the outcome of
// the first attempt made on its behalf.
func (c *Client) resubscribe(ctx context.Context, reply chan error) interfaces.Subscription {
	backoff := c.options.backoff
	for attempt := 0; ; attempt++ {
		if reply == nil {
			var (
				timer *time.Timer
				delay <-chan time.Time
			)
			if c.options.autoReconnect {
				timer = time.NewTimer(backoff.NextDelay(attempt))
				delay = timer.C
			}
			select {
			case <-delay:
			case reply = <-c.reconnectCh:
			case <-ctx.Done():
				return nil
			}
			if timer != nil {
				timer.Stop()
			}
		}

		c.recordReconnectAttempt(attempt + 1)
		sub, err := c.connect(ctx)
		if reply != nil {
			reply <- err
			reply = nil
		}
		if err == nil {
			backoff.Reset()
			c.logger.Info("change stream resubscribed", slog.Int("attempt", attempt+1))
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("resubscribe failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
		c.markDisconnected(err)
	}
}

// connect subscribes and resyncs. Events arriving meanwhile queue in the
// subscription and are drained by run afterwards.
func (c *Client) connect(ctx context.Context) (interfaces.Subscription, error) {
	sub, err := c.stream.SubscribeChanges(ctx, c.options.table)
	if err != nil {
		return nil, errors.WrapRemote(err, errors.OpSubscribe, component)
	}
	if err := c.syncLoad(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	c.markConnected()
	return sub, nil
}

// deliver decodes a stream change and applies it, or buffers it while a
// load is in flight.
func (c *Client) deliver(rc model.RowChange) {
	if rc.Table != "" && rc.Table != c.options.table {
		return
	}
	ev, err := c.options.columns.ChangeFromRow(rc)
	if err != nil {
		c.options.metrics.RecordChange(rc.Kind, false)
		c.logger.Warn("dropping undecodable change", slog.String("kind", rc.Kind.String()), slog.Any("error", err))
		return
	}

	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if c.buffering {
		c.pending = append(c.pending, ev)
		return
	}
	c.apply(ev)
}

// apply runs with gateMu held.
func (c *Client) apply(ev model.ChangeEvent) {
	if err := c.cache.ApplyChange(ev); err != nil {
		c.logger.Debug("change not applied", slog.String("id", ev.ListingID()), slog.Any("error", err))
	}
}

// syncLoad reloads the cache while buffering stream events, then replays
// the buffer in arrival order. The buffer is replayed even when the load
// fails or ctx is cancelled, since the subscription keeps running; it is
// dropped only once the client is stopped.
func (c *Client) syncLoad(ctx context.Context) error {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()

	c.gateMu.Lock()
	c.buffering = true
	c.gateMu.Unlock()

	_, err := c.cache.Load(ctx)
	if err == nil && ctx.Err() != nil {
		err = errors.NewRemoteError(errors.OpResync, component, ctx.Err())
	}
	stopped := c.isClosed()

	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	pending := c.pending
	c.pending = nil
	c.buffering = false
	if stopped {
		return err
	}
	for _, ev := range pending {
		c.apply(ev)
	}
	if len(pending) > 0 {
		c.logger.Debug("replayed buffered changes", slog.Int("count", len(pending)), slog.Bool("load_failed", err != nil))
	}
	return err
}
