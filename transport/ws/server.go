package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// Authorizer validates the token sent with a subscribe message.
type Authorizer func(ctx context.Context, token, table string) error

// Server relays a ChangeStream to WebSocket clients.
type Server struct {
	Stream    interfaces.ChangeStream
	Logger    *logging.Logger
	Tables    []string
	Authorize Authorizer
	Upgrader  websocket.Upgrader
	Settings  Settings
}

// NewServer creates a server with DefaultSettings.
func NewServer(stream interfaces.ChangeStream, logger *logging.Logger) *Server {
	return &Server{
		Stream: stream,
		Logger: logging.OrDefault(logger).WithComponent(logging.Component(component)),
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		Settings: DefaultSettings(),
	}
}

func (s *Server) settings() Settings {
	if s.Settings == (Settings{}) {
		return DefaultSettings()
	}
	return s.Settings
}

func (s *Server) allowed(table string) bool {
	if len(s.Tables) == 0 {
		return true
	}
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader already replied
			return
		}
		defer conn.Close()
		s.serve(r.Context(), conn)
	})
}

func (s *Server) reject(conn *websocket.Conn, table, reason string) {
	conn.SetWriteDeadline(time.Now().Add(s.settings().WriteTimeout))
	conn.WriteJSON(Message{Event: EventError, Table: table, Error: reason})
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(s.settings().HandshakeTimeout))
	var req Message
	if err := conn.ReadJSON(&req); err != nil {
		s.Logger.Debug("handshake read failed", slog.Any("error", err))
		return
	}
	if req.Event != EventSubscribe || req.Table == "" || !s.allowed(req.Table) {
		s.reject(conn, req.Table, "unknown table")
		return
	}
	if s.Authorize != nil {
		if err := s.Authorize(ctx, req.Token, req.Table); err != nil {
			s.reject(conn, req.Table, "unauthorized")
			return
		}
	}

	sub, err := s.Stream.SubscribeChanges(ctx, req.Table)
	if err != nil {
		s.Logger.LogError(ctx, err, "subscribe failed", slog.String("table", req.Table))
		s.reject(conn, req.Table, "subscribe failed")
		return
	}
	defer sub.Close()

	conn.SetWriteDeadline(time.Now().Add(s.settings().WriteTimeout))
	if err := conn.WriteJSON(Message{Event: EventSubscribed, Table: req.Table}); err != nil {
		return
	}

	// control frames are only processed while reading
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case rc, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					s.Logger.Warn("upstream change stream ended", slog.Any("error", err))
					s.reject(conn, req.Table, err.Error())
				}
				return
			}
			b, err := model.EncodeRowChange(rc)
			if err != nil {
				s.Logger.LogError(ctx, kiterr.WrapOpComponent(err, kiterr.OpSubscribe, component), "encode change")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(s.settings().WriteTimeout))
			if err := conn.WriteJSON(Message{Event: EventChange, Table: rc.Table, Payload: json.RawMessage(b)}); err != nil {
				s.Logger.Debug("write failed", slog.Any("error", err))
				return
			}
		}
	}
}
