// Package sse streams table row changes over Server-Sent Events. Each
// event's data line carries one model.ChangePayload.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/internal/feed"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const component = "transport/sse"

// ErrStreamEnded ends a subscription whose server closed the response.
var ErrStreamEnded = errors.New("sse stream ended")

// Client subscribes to a Server (or any endpoint speaking the same
// framing) and implements interfaces.ChangeStream.
type Client struct {
	BaseURL string
	Client  *http.Client
	// Header is added to every request, e.g. an Authorization bearer.
	Header http.Header
	// Buffer is the per-subscription event buffer. Default 256.
	Buffer int
	Logger *logging.Logger
}

var _ interfaces.ChangeStream = (*Client)(nil)

// NewClient creates a new SSE client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: baseURL,
		Client:  httpClient,
		Buffer:  256,
	}
}

// SubscribeChanges opens GET {BaseURL}/sse?table=<table>. It returns once
// the server has answered with 200; events are then decoded in the
// background until ctx is done or the stream ends.
func (c *Client) SubscribeChanges(ctx context.Context, table string) (interfaces.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	u := c.BaseURL + "/sse?table=" + url.QueryEscape(table)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, kiterr.NewWithComponent(kiterr.OpSubscribe, component, kiterr.ErrCodeValidationFailure, err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		cancel()
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, kiterr.NewRemoteError(kiterr.OpSubscribe, component,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	buffer := c.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	f := feed.New(buffer, cancel)
	go c.read(streamCtx, resp.Body, f)
	return f, nil
}

func (c *Client) read(ctx context.Context, body io.ReadCloser, f *feed.Feed) {
	defer body.Close()
	logger := logging.OrDefault(c.Logger).WithComponent(logging.Component(component))

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			// blank line terminates an event
			if data.Len() == 0 {
				continue
			}
			rc, err := model.DecodeRowChange(data.Bytes())
			data.Reset()
			if err != nil {
				logger.Warn("dropping undecodable event", slog.Any("error", err))
				continue
			}
			if !f.Publish(ctx, rc) {
				f.Close()
				return
			}
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		default:
			// comments (keep-alives), event names and ids carry nothing we use
		}
	}

	if ctx.Err() != nil {
		f.Close()
		return
	}
	if err := sc.Err(); err != nil {
		f.Fail(kiterr.NewRemoteError(kiterr.OpSubscribe, component, err))
		return
	}
	f.Fail(kiterr.NewRemoteError(kiterr.OpSubscribe, component, ErrStreamEnded))
}
