package session

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
	"github.com/c0deZ3R0/go-market-sync/storage/memory"
)

func newTestStore(t *testing.T) (*Store, *memory.Remote, *memory.Local) {
	t.Helper()
	remote := memory.NewRemote()
	local := memory.NewLocal()
	s := New(remote, local, WithHashCost(bcrypt.MinCost), WithLogger(logging.Discard()))
	return s, remote, local
}

func TestSignUpThenSignIn(t *testing.T) {
	ctx := context.Background()
	s, remote, local := newTestStore(t)

	identity, err := s.SignUp(ctx, "Ann", "a@x", "pw")
	require.NoError(t, err)
	assert.Equal(t, "a@x", identity.Email)
	assert.Empty(t, identity.CredentialHash)

	// sign-up does not sign in
	_, ok, err := s.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	rows := remote.Rows("users")
	require.Len(t, rows, 1)
	assert.NotEqual(t, "pw", rows[0]["password_hash"])

	identity, err = s.SignIn(ctx, "a@x", "pw")
	require.NoError(t, err)
	assert.Equal(t, "Ann", identity.Name)

	current, ok, err := s.CurrentIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity, current)

	raw, ok, err := local.GetLocalValue(ctx, DefaultSessionKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(raw), "$2a$")
}

func TestSignUpDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.SignUp(ctx, "Ann", "a@x", "pw")
	require.NoError(t, err)

	_, err = s.SignUp(ctx, "Other", "a@x", "pw2")
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateEmail), "got %v", err)
}

func TestSignUpValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.SignUp(context.Background(), " ", "", "")
	require.Error(t, err)
	assert.Equal(t, []string{"name", "email", "password"}, errors.FieldsOf(err))
}

func TestSignInInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	s, remote, local := newTestStore(t)

	_, err := s.SignUp(ctx, "Ann", "a@x", "pw")
	require.NoError(t, err)

	_, err = s.SignIn(ctx, "a@x", "wrong")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidCredentials))

	_, err = s.SignIn(ctx, "nobody@x", "pw")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidCredentials))

	// two rows for one email are ambiguous
	remote.Seed("users", model.Row{"email": "a@x", "name": "Dup", "password_hash": "x"})
	_, err = s.SignIn(ctx, "a@x", "pw")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidCredentials))

	_, ok, _ := local.GetLocalValue(ctx, DefaultSessionKey)
	assert.False(t, ok, "failed sign-in wrote a session")
}

func TestSignInRemoteFailureLeavesNoLocalState(t *testing.T) {
	ctx := context.Background()
	s, remote, local := newTestStore(t)

	remote.FailNext(errors.OpQuery, stderrors.New("connection refused"))
	_, err := s.SignIn(ctx, "a@x", "pw")
	assert.True(t, stderrors.Is(err, errors.ErrRemoteUnavailable))
	assert.True(t, errors.IsRetryable(err))

	_, ok, _ := local.GetLocalValue(ctx, DefaultSessionKey)
	assert.False(t, ok)
}

func TestSessionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s, remote, local := newTestStore(t)

	_, err := s.SignUp(ctx, "Ann", "a@x", "pw")
	require.NoError(t, err)
	_, err = s.SignIn(ctx, "a@x", "pw")
	require.NoError(t, err)

	restarted := New(remote, local, WithLogger(logging.Discard()))
	identity, ok, err := restarted.CurrentIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x", identity.Email)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	s, _, local := newTestStore(t)

	_, err := s.SignUp(ctx, "Ann", "a@x", "pw")
	require.NoError(t, err)
	_, err = s.SignIn(ctx, "a@x", "pw")
	require.NoError(t, err)

	require.NoError(t, s.SignOut(ctx))
	require.NoError(t, s.SignOut(ctx))

	_, ok, err := s.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = local.GetLocalValue(ctx, DefaultSessionKey)
	assert.False(t, ok)
}

func TestSignOutStorageFailure(t *testing.T) {
	ctx := context.Background()
	s, _, local := newTestStore(t)

	local.FailWrites(stderrors.New("read-only"))
	err := s.SignOut(ctx)
	assert.True(t, stderrors.Is(err, errors.ErrStorage))
}

func TestCorruptSessionIsSignedOut(t *testing.T) {
	ctx := context.Background()
	s, _, local := newTestStore(t)
	require.NoError(t, local.SetLocalValue(ctx, DefaultSessionKey, []byte("{not json")))

	_, ok, err := s.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
