// Package ws streams table row changes over a WebSocket. After dialing, the
// client sends a subscribe message and waits for the server's
// acknowledgement; change messages then carry one model.ChangePayload each.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/internal/feed"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const component = "transport/ws"

// Message events.
const (
	EventSubscribe  = "subscribe"
	EventSubscribed = "subscribed"
	EventChange     = "change"
	EventError      = "error"
)

// ErrRejected is returned when the server refuses a subscription.
var ErrRejected = errors.New("subscription rejected")

// Message is the envelope of every text frame.
type Message struct {
	Event   string          `json:"event"`
	Table   string          `json:"table,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Settings tune a Client's timeouts.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval must be shorter than ReadTimeout; pongs extend the read
	// deadline.
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Buffer       int
}

// DefaultSettings returns the timeouts used when a Client has none.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		Buffer:           256,
	}
}

// Client implements interfaces.ChangeStream over one WebSocket connection
// per subscription.
type Client struct {
	URL      string
	Token    string
	Header   http.Header
	Dialer   *websocket.Dialer
	Settings Settings
	Logger   *logging.Logger
}

var _ interfaces.ChangeStream = (*Client)(nil)

// NewClient creates a client with DefaultSettings.
func NewClient(url, token string) *Client {
	return &Client{
		URL:      url,
		Token:    token,
		Dialer:   websocket.DefaultDialer,
		Settings: DefaultSettings(),
	}
}

// SubscribeChanges dials, subscribes to table and waits for the
// acknowledgement before returning.
func (c *Client) SubscribeChanges(ctx context.Context, table string) (interfaces.Subscription, error) {
	settings := c.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, settings.HandshakeTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, c.URL, c.Header)
	if err != nil {
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component, err)
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(settings.HandshakeTimeout))
	if err := conn.WriteJSON(Message{Event: EventSubscribe, Table: table, Token: c.Token}); err != nil {
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component, err)
	}
	conn.SetReadDeadline(time.Now().Add(settings.HandshakeTimeout))
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component, err)
	}
	switch {
	case ack.Event == EventError:
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component, fmt.Errorf("%w: %s", ErrRejected, ack.Error))
	case ack.Event != EventSubscribed || ack.Table != table:
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component,
			fmt.Errorf("unexpected handshake reply %q for table %q", ack.Event, ack.Table))
	}
	success = true

	f := feed.New(settings.Buffer, func() { conn.Close() })
	logger := logging.OrDefault(c.Logger).WithComponent(logging.Component(component))

	conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})

	go readLoop(ctx, conn, f, logger)
	go pingLoop(conn, f, settings)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(settings.WriteTimeout))
			f.Close()
		case <-f.Done():
		}
	}()
	return f, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, f *feed.Feed, logger *logging.Logger) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-f.Done():
				// closed locally
				return
			default:
			}
			if ctx.Err() != nil {
				f.Close()
				return
			}
			logger.Warn("websocket read failed", slog.Any("error", err))
			f.Fail(kiterr.NewRemoteError(kiterr.OpSubscribe, component, err))
			return
		}

		switch msg.Event {
		case EventChange:
			rc, err := model.DecodeRowChange(msg.Payload)
			if err != nil {
				logger.Warn("dropping undecodable change", slog.Any("error", err))
				continue
			}
			if !f.Publish(ctx, rc) {
				f.Close()
				return
			}
		case EventError:
			f.Fail(kiterr.NewRemoteError(kiterr.OpSubscribe, component, errors.New(msg.Error)))
			return
		default:
			logger.Debug("ignoring message", slog.String("event", msg.Event))
		}
	}
}

func pingLoop(conn *websocket.Conn, f *feed.Feed, settings Settings) {
	ticker := time.NewTicker(settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(settings.WriteTimeout)); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				f.Fail(kiterr.NewRemoteError(kiterr.OpSubscribe, component, err))
				return
			}
		}
	}
}
