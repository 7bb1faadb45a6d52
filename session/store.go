// Package session tracks the signed-in identity and persists it on the
// device between launches.
package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const (
	// DefaultSessionKey is the local storage key of the persisted session.
	DefaultSessionKey = "@session"
	// DefaultUsersTable is the remote table holding registered identities.
	DefaultUsersTable = "users"

	component = "session"
)

// Store holds the current identity. Remote calls always complete before
// anything is written locally.
type Store struct {
	remote     interfaces.RemoteStore
	local      interfaces.LocalStore
	usersTable string
	sessionKey string
	columns    model.UserColumns
	hashCost   int
	logger     *logging.Logger

	mu      sync.RWMutex
	current *model.Identity
	// generation changes on every sign-in and sign-out so a slow SignIn
	// cannot resurrect a session that was signed out meanwhile.
	generation uint64
}

// Option configures a Store.
type Option func(*Store)

func WithUsersTable(table string) Option {
	return func(s *Store) { s.usersTable = table }
}

func WithSessionKey(key string) Option {
	return func(s *Store) { s.sessionKey = key }
}

func WithUserColumns(columns model.UserColumns) Option {
	return func(s *Store) { s.columns = columns }
}

// WithHashCost sets the bcrypt cost for new accounts.
func WithHashCost(cost int) Option {
	return func(s *Store) { s.hashCost = cost }
}

func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a session store.
func New(remote interfaces.RemoteStore, local interfaces.LocalStore, opts ...Option) *Store {
	s := &Store{
		remote:     remote,
		local:      local,
		usersTable: DefaultUsersTable,
		sessionKey: DefaultSessionKey,
		columns:    model.DefaultUserColumns,
		hashCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent(logging.Component(component))
	return s
}

// SignIn authenticates email and password against the users table and
// persists the identity locally.
func (s *Store) SignIn(ctx context.Context, email, password string) (model.Identity, error) {
	s.mu.RLock()
	gen := s.generation
	s.mu.RUnlock()

	rows, err := s.remote.QueryFiltered(ctx, s.usersTable, interfaces.Filter{s.columns.Email: email})
	if err != nil {
		return model.Identity{}, errors.WrapRemote(err, errors.OpSignIn, component)
	}
	if len(rows) != 1 {
		if len(rows) > 1 {
			s.logger.Warn("ambiguous credentials", slog.Int("matches", len(rows)))
		}
		return model.Identity{}, s.invalidCredentials()
	}

	identity, err := s.columns.FromRow(rows[0])
	if err != nil {
		return model.Identity{}, errors.NewRemoteError(errors.OpSignIn, component, err)
	}
	if len(identity.CredentialHash) == 0 ||
		bcrypt.CompareHashAndPassword(identity.CredentialHash, []byte(password)) != nil {
		return model.Identity{}, s.invalidCredentials()
	}
	identity.CredentialHash = nil

	data, err := json.Marshal(identity)
	if err != nil {
		return model.Identity{}, errors.NewStorageError(errors.OpSignIn, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return model.Identity{}, errors.New(errors.OpSignIn, errors.ErrCodeClosed,
			fmt.Errorf("session changed while signing in"))
	}
	if err := s.local.SetLocalValue(ctx, s.sessionKey, data); err != nil {
		return model.Identity{}, errors.WrapStorage(err, errors.OpSignIn)
	}
	s.generation++
	s.current = &identity

	s.logger.Info("signed in", slog.String("email", identity.Email))
	return identity, nil
}

// SignUp registers a new identity. It does not sign in.
func (s *Store) SignUp(ctx context.Context, name, email, password string) (model.Identity, error) {
	var missing []string
	if strings.TrimSpace(name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(email) == "" {
		missing = append(missing, "email")
	}
	if password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return model.Identity{}, errors.NewValidationError(errors.OpSignUp, missing...)
	}

	existing, err := s.remote.QueryFiltered(ctx, s.usersTable, interfaces.Filter{s.columns.Email: email})
	if err != nil {
		return model.Identity{}, errors.WrapRemote(err, errors.OpSignUp, component)
	}
	if len(existing) > 0 {
		return model.Identity{}, s.duplicateEmail(nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		// Passwords over 72 bytes are the only input bcrypt rejects.
		return model.Identity{}, &errors.SyncError{
			Op:     errors.OpSignUp,
			Code:   errors.ErrCodeValidationFailure,
			Fields: []string{"password"},
			Err:    err,
		}
	}

	identity := model.Identity{Email: email, Name: strings.TrimSpace(name), CredentialHash: hash}
	if err := s.remote.Insert(ctx, s.usersTable, s.columns.ToRow(identity)); err != nil {
		if stderrors.Is(err, errors.ErrConflict) {
			return model.Identity{}, s.duplicateEmail(err)
		}
		return model.Identity{}, errors.WrapRemote(err, errors.OpSignUp, component)
	}

	s.logger.Info("signed up", slog.String("email", email))
	identity.CredentialHash = nil
	return identity, nil
}

// CurrentIdentity returns the signed-in identity, restoring it from local
// storage on first use.
func (s *Store) CurrentIdentity(ctx context.Context) (model.Identity, bool, error) {
	s.mu.RLock()
	if s.current != nil {
		identity := *s.current
		s.mu.RUnlock()
		return identity, true, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current, true, nil
	}

	data, ok, err := s.local.GetLocalValue(ctx, s.sessionKey)
	if err != nil {
		return model.Identity{}, false, errors.WrapStorage(err, errors.OpCurrentIdentity)
	}
	if !ok {
		return model.Identity{}, false, nil
	}

	var identity model.Identity
	if err := json.Unmarshal(data, &identity); err != nil || identity.IsZero() {
		// A corrupt session is treated as signed out.
		s.logger.Warn("discarding unreadable session", slog.Any("error", err))
		return model.Identity{}, false, nil
	}
	s.current = &identity
	return identity, true, nil
}

// SignOut clears the persisted and in-memory session.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.local.DeleteLocalValue(ctx, s.sessionKey); err != nil {
		return errors.WrapStorage(err, errors.OpSignOut)
	}
	s.generation++
	if s.current != nil {
		s.logger.Info("signed out", slog.String("email", s.current.Email))
	}
	s.current = nil
	return nil
}

func (s *Store) invalidCredentials() error {
	return errors.NewWithComponent(errors.OpSignIn, component, errors.ErrCodeInvalidCredentials, nil)
}

func (s *Store) duplicateEmail(cause error) error {
	return errors.NewWithComponent(errors.OpSignUp, component, errors.ErrCodeDuplicateEmail, cause)
}
