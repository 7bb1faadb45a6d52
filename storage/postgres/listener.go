package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/lib/pq"

	syncErrors "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/internal/feed"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// ErrConnectionLost ends subscriptions whose notifications may have been
// dropped while the listener connection was down.
var ErrConnectionLost = errors.New("postgres listener connection lost")

// rowFetcher re-reads a row by primary key.
type rowFetcher func(ctx context.Context, table, id string) (model.Row, bool, error)

// NotificationListener fans PostgreSQL NOTIFY payloads out to change feeds.
// One pq.Listener connection serves every table; channels stay LISTENed
// for the listener's lifetime once used.
type NotificationListener struct {
	connectionString string
	logger           *logging.Logger
	suffix           string
	buffer           int
	minReconnect     time.Duration
	maxReconnect     time.Duration
	pingInterval     time.Duration
	fetch            rowFetcher

	mu        stdSync.Mutex
	listener  *pq.Listener
	listening map[string]bool
	feeds     map[string]map[*feed.Feed]struct{} // by channel
	closed    bool
	done      chan struct{}
}

// NewNotificationListener creates a listener. It connects lazily on the
// first Subscribe.
func NewNotificationListener(config *Config, logger *logging.Logger, fetch rowFetcher) *NotificationListener {
	return &NotificationListener{
		connectionString: config.ConnectionString,
		logger:           logging.OrDefault(logger),
		suffix:           config.ChannelSuffix,
		buffer:           config.FeedBuffer,
		minReconnect:     config.MinReconnectInterval,
		maxReconnect:     config.MaxReconnectInterval,
		pingInterval:     config.PingInterval,
		fetch:            fetch,
		listening:        make(map[string]bool),
		feeds:            make(map[string]map[*feed.Feed]struct{}),
		done:             make(chan struct{}),
	}
}

func (nl *NotificationListener) channel(table string) string {
	return table + nl.suffix
}

// Subscribe opens a feed of table's changes. The feed ends when ctx is
// done, when it is closed, or with ErrConnectionLost.
func (nl *NotificationListener) Subscribe(ctx context.Context, table string) (interfaces.Subscription, error) {
	channel := nl.channel(table)

	nl.mu.Lock()
	if nl.closed {
		nl.mu.Unlock()
		return nil, syncErrors.New(syncErrors.OpSubscribe, syncErrors.ErrCodeClosed, fmt.Errorf("listener is closed"))
	}
	if nl.listener == nil {
		nl.listener = pq.NewListener(nl.connectionString, nl.minReconnect, nl.maxReconnect, nl.eventCallback)
		go nl.listenLoop(nl.listener)
	}
	listener := nl.listener
	needListen := !nl.listening[channel]
	nl.mu.Unlock()

	// Listen blocks until the server acknowledges.
	if needListen {
		if err := listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, syncErrors.NewRemoteError(syncErrors.OpSubscribe, component,
				fmt.Errorf("failed to listen to channel %s: %w", channel, err))
		}
	}

	var f *feed.Feed
	f = feed.New(nl.buffer, func() {
		nl.mu.Lock()
		delete(nl.feeds[channel], f)
		nl.mu.Unlock()
	})

	nl.mu.Lock()
	if nl.closed {
		nl.mu.Unlock()
		f.Close()
		return nil, syncErrors.New(syncErrors.OpSubscribe, syncErrors.ErrCodeClosed, fmt.Errorf("listener is closed"))
	}
	nl.listening[channel] = true
	if nl.feeds[channel] == nil {
		nl.feeds[channel] = make(map[*feed.Feed]struct{})
	}
	nl.feeds[channel][f] = struct{}{}
	nl.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.Done():
		}
	}()

	nl.logger.Debug("subscribed to change channel", slog.String("channel", channel))
	return f, nil
}

// eventCallback handles pq.Listener connection events
func (nl *NotificationListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		nl.logger.Info("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		nl.logger.Warn("disconnected from PostgreSQL", slog.Any("error", err))
		// pq re-LISTENs on reconnect, but anything sent meanwhile is lost.
		nl.failAll(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	case pq.ListenerEventReconnected:
		nl.logger.Info("reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		nl.logger.Warn("connection attempt failed", slog.Any("error", err))
	}
}

func (nl *NotificationListener) listenLoop(listener *pq.Listener) {
	ticker := time.NewTicker(nl.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-nl.done:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; the disconnect already failed the feeds
			if n != nil {
				nl.dispatch(n.Channel, []byte(n.Extra))
			}
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					nl.logger.Warn("ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// dispatch decodes a payload and offers it to every feed on channel.
func (nl *NotificationListener) dispatch(channel string, payload []byte) {
	rc, err := nl.decode(channel, payload)
	if err != nil {
		nl.logger.Warn("dropping notification", slog.String("channel", channel), slog.Any("error", err))
		return
	}

	nl.mu.Lock()
	feeds := make([]*feed.Feed, 0, len(nl.feeds[channel]))
	for f := range nl.feeds[channel] {
		feeds = append(feeds, f)
	}
	nl.mu.Unlock()

	for _, f := range feeds {
		f.TryPublish(rc)
	}
}

func (nl *NotificationListener) decode(channel string, payload []byte) (model.RowChange, error) {
	rc, err := model.DecodeRowChange(payload)
	if err != nil {
		return model.RowChange{}, err
	}
	if rc.Table == "" {
		rc.Table = strings.TrimSuffix(channel, nl.suffix)
	}

	var flags struct {
		Truncated bool `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &flags); err != nil || !flags.Truncated || rc.Kind == model.ChangeDeleted {
		return rc, nil
	}
	return nl.resolve(rc)
}

// resolve replaces a key-only record with the current row.
func (nl *NotificationListener) resolve(rc model.RowChange) (model.RowChange, error) {
	if nl.fetch == nil {
		return model.RowChange{}, fmt.Errorf("truncated %s notification and no fetcher", rc.Table)
	}
	var id string
	for _, v := range rc.Record {
		id = fmt.Sprint(v)
	}
	if len(rc.Record) != 1 || id == "" {
		return model.RowChange{}, fmt.Errorf("truncated %s notification without a key", rc.Table)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, ok, err := nl.fetch(ctx, rc.Table, id)
	if err != nil {
		return model.RowChange{}, fmt.Errorf("fetch truncated row %s: %w", id, err)
	}
	if !ok {
		return model.RowChange{}, fmt.Errorf("truncated row %s no longer exists", id)
	}
	rc.Record = row
	return rc, nil
}

func (nl *NotificationListener) failAll(err error) {
	nl.mu.Lock()
	var feeds []*feed.Feed
	for _, set := range nl.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	nl.mu.Unlock()

	for _, f := range feeds {
		f.Fail(err)
	}
}

// Subscribers returns the number of open feeds on table's channel.
func (nl *NotificationListener) Subscribers(table string) int {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return len(nl.feeds[nl.channel(table)])
}

// Close ends every feed and closes the pq.Listener.
func (nl *NotificationListener) Close() error {
	nl.mu.Lock()
	if nl.closed {
		nl.mu.Unlock()
		return nil
	}
	nl.closed = true
	close(nl.done)
	listener := nl.listener
	nl.mu.Unlock()

	nl.failAll(nil)
	if listener != nil {
		if err := listener.Close(); err != nil {
			return fmt.Errorf("failed to close pq.Listener: %w", err)
		}
	}
	return nil
}
