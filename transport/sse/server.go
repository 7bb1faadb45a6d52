package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// Server relays a ChangeStream to SSE clients. Tables limits which tables
// may be subscribed; empty allows any.
type Server struct {
	Stream    interfaces.ChangeStream
	Logger    *logging.Logger
	Tables    []string
	KeepAlive time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(stream interfaces.ChangeStream, logger *logging.Logger) *Server {
	return &Server{
		Stream:    stream,
		Logger:    logging.OrDefault(logger).WithComponent(logging.Component(component)),
		KeepAlive: 15 * time.Second,
	}
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
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		table := r.URL.Query().Get("table")
		if table == "" || !s.allowed(table) {
			http.Error(w, "unknown table", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		sub, err := s.Stream.SubscribeChanges(ctx, table)
		if err != nil {
			s.Logger.LogError(ctx, err, "subscribe failed", slog.String("table", table))
			http.Error(w, "subscribe failed", http.StatusBadGateway)
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := s.KeepAlive
		if keepAlive <= 0 {
			keepAlive = 15 * time.Second
		}
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case rc, ok := <-sub.Events():
				if !ok {
					if err := sub.Err(); err != nil {
						s.Logger.Warn("upstream change stream ended", slog.Any("error", err))
					}
					return
				}
				b, err := model.EncodeRowChange(rc)
				if err != nil {
					s.Logger.LogError(ctx, kiterr.WrapOpComponent(err, kiterr.OpSubscribe, component), "encode change")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rc.Kind, b)
				flusher.Flush()
			}
		}
	})
}
