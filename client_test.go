package marketsync

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/c0deZ3R0/go-market-sync/catalog"
	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
	"github.com/c0deZ3R0/go-market-sync/session"
	"github.com/c0deZ3R0/go-market-sync/storage/memory"
)

const (
	seller = "seller@x"
	buyer  = "buyer@x"
)

type harness struct {
	remote *memory.Remote
	blobs  *memory.Blobs
	local  *memory.Local
	client *Client
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		remote: memory.NewRemote(),
		blobs:  memory.NewBlobs("mem://img"),
		local:  memory.NewLocal(),
	}
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithBackoff(&ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}),
	}, opts...)
	client, err := NewClient(h.remote, h.remote, h.blobs, opts...)
	require.NoError(t, err)
	h.client = client
	t.Cleanup(func() { client.Stop() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background(), nil))
}

func (h *harness) seed(t *testing.T, id, sellerEmail string, minute int) {
	t.Helper()
	h.remote.Seed(catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID:          id,
		Title:       "item " + id,
		Description: "desc",
		Price:       mustPrice(t, "10"),
		SellerEmail: sellerEmail,
		CreatedAt:   time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC),
	}))
}

func mustPrice(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	p, err := model.ParsePrice(s)
	require.NoError(t, err)
	return p
}

func (h *harness) waitFor(t *testing.T, cond func([]model.Listing) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.client.Listings()) }, 2*time.Second, 2*time.Millisecond)
}

func has(id string) func([]model.Listing) bool {
	return func(ls []model.Listing) bool {
		for _, l := range ls {
			if l.ID == id {
				return true
			}
		}
		return false
	}
}

func soldTo(id, email string) func([]model.Listing) bool {
	return func(ls []model.Listing) bool {
		for _, l := range ls {
			if l.ID == id {
				return l.IsSold && l.BuyerEmail == email
			}
		}
		return false
	}
}

func TestCreatePurchaseScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.start(t)
	assert.Empty(t, h.client.Listings())

	created, err := h.client.CreateListing(ctx, model.ListingDraft{
		Title: "Lamp", Description: "Brass lamp", Price: "10", SellerEmail: seller, SellerName: "Sam",
	}, []byte{0xff, 0xd8, 0xff, 0xe0})
	require.NoError(t, err)
	assert.Equal(t, "10.00", created.Price.StringFixed(2))
	assert.NotEmpty(t, created.ImageURL)
	assert.Equal(t, 1, h.blobs.Len())

	h.waitFor(t, has(created.ID))
	got, ok := h.client.Cache().Get(created.ID)
	require.True(t, ok)
	assert.False(t, got.IsSold)
	assert.Equal(t, "Sam", got.SellerName)

	require.NoError(t, h.client.Purchase(ctx, created.ID, buyer))
	h.waitFor(t, soldTo(created.ID, buyer))

	assert.Len(t, h.client.MyPurchases(buyer), 1)
	assert.Empty(t, h.client.MyPurchases(seller))
	assert.Len(t, h.client.MyListings(seller), 1)

	err = h.client.Purchase(ctx, created.ID, "late@x")
	assert.True(t, stderrors.Is(err, errors.ErrAlreadySold), "got %v", err)
}

func TestCreateListingValidation(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "", Description: "x", Price: "5", SellerEmail: seller,
	}, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrValidation))
	assert.Equal(t, []string{"title"}, errors.FieldsOf(err))

	_, err = h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "t", Description: "", Price: "0",
	}, nil)
	assert.Equal(t, []string{"description", "price", "sellerEmail"}, errors.FieldsOf(err))

	assert.Empty(t, h.remote.Rows(catalog.DefaultTable))
}

func TestCreateListingUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.blobs.FailUploads(fmt.Errorf("bucket unavailable"))

	_, err := h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "Lamp", Description: "Brass", Price: "10", SellerEmail: seller,
	}, []byte("jpeg bytes"))
	assert.True(t, stderrors.Is(err, errors.ErrUpload), "got %v", err)
	assert.Empty(t, h.remote.Rows(catalog.DefaultTable), "listing inserted after failed upload")
}

func TestCreateListingUsesSignedInSeller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sess := session.New(h.remote, h.local, session.WithHashCost(bcrypt.MinCost), session.WithLogger(logging.Discard()))
	_, err := sess.SignUp(ctx, "Sam", seller, "pw")
	require.NoError(t, err)
	_, err = sess.SignIn(ctx, seller, "pw")
	require.NoError(t, err)

	require.NoError(t, h.client.Start(ctx, sess))
	created, err := h.client.CreateListing(ctx, model.ListingDraft{Title: "Lamp", Description: "Brass", Price: "3.5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, seller, created.SellerEmail)
	assert.Equal(t, "Sam", created.SellerName)
	assert.Equal(t, "3.50", created.Price.StringFixed(2))
}

func TestPurchaseRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "L1", seller, 1)
	h.start(t)

	err := h.client.Purchase(ctx, "L1", seller)
	assert.True(t, stderrors.Is(err, errors.ErrSelfPurchase), "got %v", err)

	err = h.client.Purchase(ctx, "missing", buyer)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound), "got %v", err)

	err = h.client.Purchase(ctx, "L1", "")
	assert.Equal(t, []string{"buyerEmail"}, errors.FieldsOf(err))

	row := h.remote.Rows(catalog.DefaultTable)[0]
	assert.Equal(t, false, row["is_sold"], "rejected purchase mutated the remote row")
}

func TestConcurrentPurchaseExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "L1", seller, 1)
	h.start(t)

	const buyers = 8
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		soldErr atomic.Int32
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.client.Purchase(ctx, "L1", fmt.Sprintf("buyer%d@x", i))
			switch {
			case err == nil:
				wins.Add(1)
			case stderrors.Is(err, errors.ErrAlreadySold):
				soldErr.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(buyers-1), soldErr.Load())
}

func TestDeleteListing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "L1", seller, 1)
	h.start(t)

	err := h.client.DeleteListing(ctx, "L1", buyer)
	assert.True(t, stderrors.Is(err, errors.ErrNotOwner), "got %v", err)
	assert.Len(t, h.remote.Rows(catalog.DefaultTable), 1)

	require.NoError(t, h.client.DeleteListing(ctx, "L1", seller))
	h.waitFor(t, func(ls []model.Listing) bool { return len(ls) == 0 })

	err = h.client.DeleteListing(ctx, "L1", seller)
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestDeleteSoldListingRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, "L1", seller, 1)
	h.start(t)

	require.NoError(t, h.client.Purchase(ctx, "L1", buyer))
	h.waitFor(t, soldTo("L1", buyer))

	err := h.client.DeleteListing(ctx, "L1", seller)
	assert.True(t, stderrors.Is(err, errors.ErrAlreadySold), "got %v", err)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "L1", seller, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.client.Start(context.Background(), nil))
		}()
	}
	wg.Wait()
	h.start(t)

	assert.Equal(t, 1, h.remote.Subscribers(catalog.DefaultTable))
	assert.Len(t, h.client.Listings(), 1)
	assert.True(t, h.client.Status().Connected)
}

// staleRemote returns a snapshot captured before the gate opens, as a
// slow backend query would.
type staleRemote struct {
	*memory.Remote
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *staleRemote) QueryAll(ctx context.Context, table string, order ...interfaces.Order) ([]model.Row, error) {
	rows, err := s.Remote.QueryAll(ctx, table, order...)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rows, err
}

func TestEventsDuringLoadAreReplayed(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewRemote()
	remote := &staleRemote{Remote: inner, entered: make(chan struct{}), release: make(chan struct{})}
	inner.Seed(catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID: "old", Title: "t", Description: "d", Price: mustPrice(t, "1"), SellerEmail: seller,
	}))

	client, err := NewClient(remote, inner, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer client.Stop()

	started := make(chan error, 1)
	go func() { started <- client.Start(ctx, nil) }()

	<-remote.entered
	// These changes happen after the load's snapshot was taken.
	require.NoError(t, inner.Insert(ctx, catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID: "new", Title: "t", Description: "d", Price: mustPrice(t, "2"), SellerEmail: seller,
		CreatedAt: time.Now().UTC(),
	})))
	_, err = inner.Delete(ctx, catalog.DefaultTable, "old", nil)
	require.NoError(t, err)
	close(remote.release)

	require.NoError(t, <-started)
	require.Eventually(t, func() bool {
		ls := client.Listings()
		return len(ls) == 1 && ls[0].ID == "new"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestStopDuringLoad(t *testing.T) {
	inner := memory.NewRemote()
	remote := &staleRemote{Remote: inner, entered: make(chan struct{}), release: make(chan struct{})}
	inner.Seed(catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID: "L1", Title: "t", Description: "d", Price: mustPrice(t, "1"), SellerEmail: seller,
	}))

	client, err := NewClient(remote, inner, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() { started <- client.Start(context.Background(), nil) }()

	<-remote.entered
	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
	close(remote.release)

	err = <-started
	assert.True(t, stderrors.Is(err, errors.ErrClosed), "got %v", err)
	assert.Empty(t, client.Listings())
	assert.Equal(t, uint64(0), client.Cache().Revision())

	err = client.Start(context.Background(), nil)
	assert.True(t, stderrors.Is(err, errors.ErrClosed))
	assert.Eventually(t, func() bool { return inner.Subscribers(catalog.DefaultTable) == 0 }, time.Second, 2*time.Millisecond)
}

func TestStartFailureCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.remote.FailNext(errors.OpQuery, fmt.Errorf("backend down"))

	err := h.client.Start(context.Background(), nil)
	assert.True(t, stderrors.Is(err, errors.ErrRemoteUnavailable), "got %v", err)
	assert.True(t, errors.IsRetryable(err))

	h.seed(t, "L1", seller, 1)
	h.start(t)
	assert.Len(t, h.client.Listings(), 1)
	assert.Eventually(t, func() bool { return h.remote.Subscribers(catalog.DefaultTable) == 1 }, time.Second, 2*time.Millisecond)
}

func TestAutoReconnectResyncs(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// seeded rows publish no event, so only a resync can pick this up
	h.seed(t, "gap", seller, 5)
	h.remote.Disconnect(fmt.Errorf("socket closed"))

	h.waitFor(t, has("gap"))
	require.Eventually(t, func() bool { return h.client.Status().Connected }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.remote.Subscribers(catalog.DefaultTable))

	// the new subscription delivers changes
	_, err := h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "after", Description: "d", Price: "1", SellerEmail: seller,
	}, nil)
	require.NoError(t, err)
	h.waitFor(t, func(ls []model.Listing) bool { return len(ls) == 2 })
}

func TestManualReconnect(t *testing.T) {
	h := newHarness(t, WithAutoReconnect(false))
	h.start(t)

	h.remote.Disconnect(fmt.Errorf("socket closed"))
	require.Eventually(t, func() bool { return !h.client.Status().Connected }, time.Second, 2*time.Millisecond)
	h.seed(t, "gap", seller, 5)

	// stays disconnected until told otherwise
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.client.Listings())

	require.NoError(t, h.client.Reconnect(context.Background()))
	assert.True(t, has("gap")(h.client.Listings()))
	assert.True(t, h.client.Status().Connected)
	assert.Equal(t, 1, h.remote.Subscribers(catalog.DefaultTable))
}

func TestResyncPicksUpMissedRows(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.seed(t, "L1", seller, 1)

	require.NoError(t, h.client.Resync(context.Background()))
	assert.True(t, has("L1")(h.client.Listings()))
}

func (c *Client) pendingLen() int {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	return len(c.pending)
}

func TestCancelledResyncKeepsLiveChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var block atomic.Bool
	entered := make(chan struct{}, 1)
	h.remote.OnQuery = func(qctx context.Context, table string) error {
		if !block.Load() {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-qctx.Done()
		return qctx.Err()
	}
	h.start(t)

	block.Store(true)
	resyncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	resynced := make(chan error, 1)
	go func() { resynced <- h.client.Resync(resyncCtx) }()
	<-entered

	require.NoError(t, h.remote.Insert(ctx, catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID: "live", Title: "t", Description: "d", Price: mustPrice(t, "3"), SellerEmail: seller,
		CreatedAt: time.Now().UTC(),
	})))
	require.Eventually(t, func() bool { return h.client.pendingLen() == 1 }, 2*time.Second, 2*time.Millisecond)

	cancel()
	err := <-resynced
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRemoteUnavailable))

	assert.True(t, has("live")(h.client.Listings()), "buffered change replayed after the cancelled load")
	assert.Zero(t, h.client.pendingLen())

	block.Store(false)
	require.NoError(t, h.remote.Insert(ctx, catalog.DefaultTable, model.DefaultListingColumns.ToRow(model.Listing{
		ID: "after", Title: "t", Description: "d", Price: mustPrice(t, "4"), SellerEmail: seller,
		CreatedAt: time.Now().UTC(),
	})))
	h.waitFor(t, has("after"))
}

func TestSubscribersShareOneSubscription(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	var a, b atomic.Int32
	unsubA := h.client.Subscribe(func(catalog.Notification) { a.Add(1) })
	h.client.Subscribe(func(catalog.Notification) { b.Add(1) })

	_, err := h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "x", Description: "d", Price: "1", SellerEmail: seller,
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 2*time.Millisecond)

	unsubA()
	_, err = h.client.CreateListing(context.Background(), model.ListingDraft{
		Title: "y", Description: "d", Price: "1", SellerEmail: seller,
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Load() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, 1, h.remote.Subscribers(catalog.DefaultTable))
}

func TestMutationsAfterStop(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.client.Stop())

	_, err := h.client.CreateListing(context.Background(), model.ListingDraft{Title: "x", Description: "d", Price: "1", SellerEmail: seller}, nil)
	assert.True(t, stderrors.Is(err, errors.ErrClosed))
	assert.True(t, stderrors.Is(h.client.Purchase(context.Background(), "L1", buyer), errors.ErrClosed))
	assert.False(t, h.client.Status().Connected)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMutationsAreLoggedWithRequestID(t *testing.T) {
	var out lockedBuffer
	h := newHarness(t, WithLogger(logging.NewLoggerTo(&out, logging.Config{Level: "debug", Format: "json"})))
	h.start(t)
	h.seed(t, "L1", seller, 1)
	h.waitFor(t, has("L1"))

	ctx := logging.ContextWithRequestID(context.Background(), "req-42")
	require.NoError(t, h.client.Purchase(ctx, "L1", buyer))
	err := h.client.Purchase(ctx, "L1", "other@x")
	assert.True(t, stderrors.Is(err, errors.ErrAlreadySold))

	logs := out.String()
	assert.Contains(t, logs, `"operation":"purchase"`)
	assert.Contains(t, logs, `"request_id":"req-42"`)
	assert.Contains(t, logs, `"msg":"operation completed"`)
	assert.Contains(t, logs, `"msg":"operation rejected"`)
	assert.NotContains(t, logs, `"msg":"operation failed"`)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(0))
	assert.Equal(t, 200*time.Millisecond, b.NextDelay(1))
	assert.Equal(t, 800*time.Millisecond, b.NextDelay(3))
	assert.Equal(t, time.Second, b.NextDelay(4))
	assert.Equal(t, time.Second, b.NextDelay(100))
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(-1))
}
