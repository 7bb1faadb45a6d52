// Package marketsync keeps a marketplace catalog in sync with its hosted
// backend. A Client owns one change stream subscription, mirrors the
// listings table into a catalog.Cache and routes every mutation through
// the remote store, which remains the single source of truth.
package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-market-sync/catalog"
	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
	"github.com/c0deZ3R0/go-market-sync/session"
)

const component = "client"

// Client is the catalog sync façade used by screens.
type Client struct {
	remote  interfaces.RemoteStore
	stream  interfaces.ChangeStream
	blobs   interfaces.BlobStore
	cache   *catalog.Cache
	options clientOptions
	logger  *logging.Logger

	mu      sync.Mutex
	closed  bool
	attempt *startAttempt
	session *session.Store
	cancel  context.CancelFunc
	runDone chan struct{}

	reconnectCh chan chan error

	// gateMu guards the event buffer used while a load is in flight.
	gateMu    sync.Mutex
	buffering bool
	pending   []model.ChangeEvent
	resyncMu  sync.Mutex

	statusMu sync.RWMutex
	status   ConnectionStatus
}

type startAttempt struct {
	done chan struct{}
	err  error
}

// NewClient creates a client. blobs may be nil when listings are created
// without images.
func NewClient(remote interfaces.RemoteStore, stream interfaces.ChangeStream, blobs interfaces.BlobStore, opts ...Option) (*Client, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if stream == nil {
		return nil, fmt.Errorf("change stream is required")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := logging.OrDefault(options.logger).WithComponent(logging.Component(component))

	c := &Client{
		remote:      remote,
		stream:      stream,
		blobs:       blobs,
		options:     options,
		logger:      logger,
		reconnectCh: make(chan chan error),
	}
	c.cache = catalog.New(remote,
		catalog.WithTable(options.table),
		catalog.WithColumns(options.columns),
		catalog.WithLogger(logging.OrDefault(options.logger)),
		catalog.WithMetrics(options.metrics),
	)
	return c, nil
}

// Cache exposes the underlying catalog cache.
func (c *Client) Cache() *catalog.Cache {
	return c.cache
}

// Start subscribes to the listings change stream and performs the initial
// load. Events that arrive during the load are buffered and replayed after
// it. Start is idempotent: concurrent and repeated calls share one
// subscription and wait for the same initial load.
func (c *Client) Start(ctx context.Context, sess *session.Store) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedError(errors.OpStart)
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return errors.NewRemoteError(errors.OpStart, component, ctx.Err())
		}
	}
	a := &startAttempt{done: make(chan struct{})}
	c.attempt = a
	if sess != nil {
		c.session = sess
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	err := c.start(ctx, runCtx)

	c.mu.Lock()
	if err != nil {
		cancel()
		c.attempt = nil
		if c.closed {
			err = closedError(errors.OpStart)
		}
	}
	a.err = err
	c.mu.Unlock()
	close(a.done)

	if err != nil {
		c.logger.LogError(ctx, err, "start failed")
	} else {
		c.logger.Info("client started", slog.Int("listings", c.cache.Len()))
	}
	return err
}

func (c *Client) start(ctx, runCtx context.Context) error {
	sub, err := c.stream.SubscribeChanges(runCtx, c.options.table)
	if err != nil {
		c.markDisconnected(err)
		return errors.WrapRemote(err, errors.OpStart, component)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.runDone = done
	c.mu.Unlock()
	go c.run(runCtx, sub, done)

	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	stop := context.AfterFunc(runCtx, cancelLoad)
	defer stop()

	if err := c.syncLoad(loadCtx); err != nil {
		c.markDisconnected(err)
		return errors.WrapOpComponent(err, errors.OpStart, component)
	}
	c.markConnected()
	return nil
}

// Stop cancels the subscription and abandons in-flight loads. It is safe
// to call more than once and while Start is still loading.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.runDone
	c.mu.Unlock()

	c.cache.Abandon()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.markDisconnected(nil)
	c.logger.Info("client stopped")
	return nil
}

// Resync reloads the catalog, buffering stream events meanwhile.
func (c *Client) Resync(ctx context.Context) error {
	if err := c.checkOpen(errors.OpResync); err != nil {
		return err
	}
	return errors.WrapOpComponent(c.syncLoad(ctx), errors.OpResync, component)
}

// Reconnect replaces the change stream subscription and resyncs. It
// returns the outcome of the first resubscription attempt.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return closedError(errors.OpSubscribe)
	}
	a, done := c.attempt, c.runDone
	c.mu.Unlock()
	if a == nil || done == nil {
		return errors.New(errors.OpSubscribe, errors.ErrCodeClosed, fmt.Errorf("client not started"))
	}

	reply := make(chan error, 1)
	select {
	case c.reconnectCh <- reply:
	case <-done:
		return closedError(errors.OpSubscribe)
	case <-ctx.Done():
		return errors.NewRemoteError(errors.OpSubscribe, component, ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return errors.NewRemoteError(errors.OpSubscribe, component, ctx.Err())
	}
}

// Subscribe registers a listener for catalog changes. Any number of
// listeners share the client's single remote subscription. Listeners run
// synchronously on the delivering goroutine and must not call Start, Stop,
// Resync or Reconnect.
func (c *Client) Subscribe(l catalog.Listener) (unsubscribe func()) {
	return c.cache.Subscribe(l)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) checkOpen(op errors.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedError(op)
	}
	return nil
}

func (c *Client) currentSession() *session.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func closedError(op errors.Operation) error {
	return errors.New(op, errors.ErrCodeClosed, fmt.Errorf("client stopped"))
}
