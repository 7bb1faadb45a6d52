package sse

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	marketsync "github.com/c0deZ3R0/go-market-sync"
	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
	"github.com/c0deZ3R0/go-market-sync/storage/memory"
)

func newGateway(t *testing.T) (*memory.Remote, *httptest.Server) {
	t.Helper()
	remote := memory.NewRemote()
	srv := NewServer(remote, logging.Discard())
	srv.Tables = []string{"listings"}
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return remote, server
}

func listingRow(id string) model.Row {
	return model.DefaultListingColumns.ToRow(model.Listing{
		ID: id, Title: "t", Description: "d", Price: decimal.RequireFromString("4.20"), SellerEmail: "s@x",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
}

func next(t *testing.T, events <-chan model.RowChange) model.RowChange {
	t.Helper()
	select {
	case rc, ok := <-events:
		require.True(t, ok, "stream closed")
		return rc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.RowChange{}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	ctx := context.Background()
	remote, server := newGateway(t)

	sub, err := NewClient(server.URL, nil).SubscribeChanges(ctx, "listings")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, remote.Insert(ctx, "listings", listingRow("L1")))
	_, err = remote.Delete(ctx, "listings", "L1", nil)
	require.NoError(t, err)

	rc := next(t, sub.Events())
	assert.Equal(t, model.ChangeInserted, rc.Kind)
	ev, err := model.DefaultListingColumns.ChangeFromRow(rc)
	require.NoError(t, err)
	assert.Equal(t, "L1", ev.Listing.ID)
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(ev.Listing.CreatedAt))

	rc = next(t, sub.Events())
	assert.Equal(t, model.ChangeDeleted, rc.Kind)
}

func TestSubscribeRejectedTable(t *testing.T) {
	_, server := newGateway(t)

	_, err := NewClient(server.URL, nil).SubscribeChanges(context.Background(), "users")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, kiterr.ErrRemoteUnavailable))
	assert.Contains(t, err.Error(), "400")
}

func TestSubscribeSendsHeaders(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	client.Header = http.Header{"Authorization": {"Bearer k"}}
	_, err := client.SubscribeChanges(context.Background(), "listings")
	assert.Error(t, err)
	assert.Equal(t, "Bearer k", <-got)
}

func TestStreamEndFailsSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, "data: {\"type\":\"DELETE\",\n")
		fmt.Fprint(w, "data: \"table\":\"listings\",\"old_record\":{\"id\":\"L1\"}}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
	}))
	defer server.Close()

	sub, err := NewClient(server.URL, nil).SubscribeChanges(context.Background(), "listings")
	require.NoError(t, err)

	rc := next(t, sub.Events())
	assert.Equal(t, model.ChangeDeleted, rc.Kind, "multi-line data is joined")

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.True(t, stderrors.Is(sub.Err(), ErrStreamEnded))
	assert.True(t, kiterr.IsRetryable(sub.Err()))
}

func TestCancelEndsSubscriptionQuietly(t *testing.T) {
	remote, server := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := NewClient(server.URL, nil).SubscribeChanges(ctx, "listings")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return remote.Subscribers("listings") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
	assert.Eventually(t, func() bool { return remote.Subscribers("listings") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCatalogClientOverSSE(t *testing.T) {
	ctx := context.Background()
	remote, server := newGateway(t)

	client, err := marketsync.NewClient(remote, NewClient(server.URL, nil), nil,
		marketsync.WithLogger(logging.Discard()),
		marketsync.WithBackoff(&marketsync.ExponentialBackoff{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}))
	require.NoError(t, err)
	defer client.Stop()
	require.NoError(t, client.Start(ctx, nil))

	created, err := client.CreateListing(ctx, model.ListingDraft{
		Title: "Lamp", Description: "Brass", Price: "7", SellerEmail: "s@x",
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := client.Cache().Get(created.ID); return ok }, 2*time.Second, 5*time.Millisecond)

	// seeded rows publish nothing; only the resync after the reconnect sees them
	remote.Seed("listings", listingRow("missed"))
	// dropping the upstream ends the SSE response; the client resubscribes
	remote.Disconnect(fmt.Errorf("upstream gone"))
	require.Eventually(t, func() bool { _, ok := client.Cache().Get("missed"); return ok }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return client.Status().Connected }, time.Second, 5*time.Millisecond)
}
