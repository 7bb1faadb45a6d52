package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/model"
)

func TestRemoteGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	require.NoError(t, r.Insert(ctx, "listings", model.Row{"id": "L1", "is_sold": false}))

	n, err := r.Update(ctx, "listings", "L1", model.Row{"is_sold": true, "buyer_email": "b@x"}, interfaces.Filter{"is_sold": false})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.Update(ctx, "listings", "L1", model.Row{"is_sold": true, "buyer_email": "c@x"}, interfaces.Filter{"is_sold": false})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, "b@x", r.Rows("listings")[0]["buyer_email"])
}

func TestRemoteInsertConflict(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	require.NoError(t, r.Insert(ctx, "users", model.Row{"email": "a@x"}))
	err := r.Insert(ctx, "users", model.Row{"email": "a@x"})
	assert.True(t, stderrors.Is(err, errors.ErrConflict), "got %v", err)
}

func TestRemoteQueryOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Seed("listings",
		model.Row{"id": "old", "seller_email": "a@x", "created_at": base},
		model.Row{"id": "new", "seller_email": "a@x", "created_at": base.Add(time.Hour)},
		model.Row{"id": "other", "seller_email": "b@x", "created_at": base.Add(time.Minute)},
	)

	rows, err := r.QueryAll(ctx, "listings", interfaces.Order{Column: "created_at", Descending: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "new", rows[0]["id"])
	assert.Equal(t, "old", rows[2]["id"])

	rows, err = r.QueryFiltered(ctx, "listings", interfaces.Filter{"seller_email": "b@x"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "other", rows[0]["id"])
}

func TestRemotePublishesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRemote()

	sub, err := r.SubscribeChanges(ctx, "listings")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Subscribers("listings"))

	require.NoError(t, r.Insert(ctx, "listings", model.Row{"id": "L1"}))
	_, err = r.Delete(ctx, "listings", "L1", nil)
	require.NoError(t, err)

	first := <-sub.Events()
	assert.Equal(t, model.ChangeInserted, first.Kind)
	second := <-sub.Events()
	assert.Equal(t, model.ChangeDeleted, second.Kind)
	assert.Equal(t, "L1", second.OldRecord["id"])

	cancel()
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
	assert.Eventually(t, func() bool { return r.Subscribers("listings") == 0 }, time.Second, 5*time.Millisecond)
}

func TestRemoteDisconnect(t *testing.T) {
	r := NewRemote()
	sub, err := r.SubscribeChanges(context.Background(), "listings")
	require.NoError(t, err)

	gone := stderrors.New("socket closed")
	r.Disconnect(gone)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, gone, sub.Err())
}

func TestRemoteFailNext(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	r.FailNext(errors.OpQuery, stderrors.New("timeout"))

	_, err := r.QueryAll(ctx, "listings")
	assert.True(t, stderrors.Is(err, errors.ErrRemoteUnavailable))

	_, err = r.QueryAll(ctx, "listings")
	assert.NoError(t, err)
}

func TestLocalAndBlobs(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	require.NoError(t, l.SetLocalValue(ctx, "k", []byte("v")))
	v, ok, err := l.GetLocalValue(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	l.FailWrites(stderrors.New("disk full"))
	assert.True(t, stderrors.Is(l.DeleteLocalValue(ctx, "k"), errors.ErrStorage))

	b := NewBlobs("mem://img")
	url, err := b.UploadBlob(ctx, []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	data, ct, ok := b.Object(url)
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", ct)
	assert.Len(t, data, 2)

	b.FailUploads(stderrors.New("quota"))
	_, err = b.UploadBlob(ctx, nil, "image/jpeg")
	assert.True(t, stderrors.Is(err, errors.ErrUpload))
}
