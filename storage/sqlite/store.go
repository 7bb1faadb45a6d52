// Package sqlite provides a SQLite implementation of the on-device
// LocalStore used to persist the signed-in session.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned (wrapped) by calls made after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the Store.
//
// DefaultConfig enables WAL mode and keeps a small connection pool; an
// on-device store rarely has more than a handful of concurrent callers.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:market.db" or ":memory:".
	DataSourceName string

	// EnableWAL appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// TableName is the key/value table. Defaults to "local_values".
	TableName string

	// Logger defaults to the package-level logger.
	Logger *logging.Logger

	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "local_values"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if isMemory(c.DataSourceName) {
		// every connection to :memory: opens a separate database
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		c.EnableWAL = false
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements interfaces.LocalStore on a single key/value table.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *logging.Logger
	tableName string
}

// Compile-time check to ensure Store satisfies the LocalStore interface
var _ interfaces.LocalStore = (*Store)(nil)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the key/value table if needed.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.OrDefault(config.Logger).WithComponent(logging.Component("sqlite-store"))
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return store, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key         TEXT PRIMARY KEY,
        value       BLOB NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`, quoteIdent(s.tableName))
	_, err := s.db.Exec(query)
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *Store) checkOpen(op syncErrors.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.NewStorageError(op, ErrStoreClosed)
	}
	return nil
}

// GetLocalValue returns the value stored under key.
func (s *Store) GetLocalValue(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.checkOpen(syncErrors.OpLocalGet); err != nil {
		return nil, false, err
	}

	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, quoteIdent(s.tableName))
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncErrors.WrapStorage(fmt.Errorf("get %s: %w", key, err), syncErrors.OpLocalGet)
	}
	return value, true, nil
}

// SetLocalValue stores value under key, replacing any previous value.
func (s *Store) SetLocalValue(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(syncErrors.OpLocalSet); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	query := fmt.Sprintf(`
    INSERT INTO %s (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
    ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		quoteIdent(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return syncErrors.WrapStorage(fmt.Errorf("set %s: %w", key, err), syncErrors.OpLocalSet)
	}
	s.logger.Debug("local value stored", slog.String("key", key), slog.Int("bytes", len(value)))
	return nil
}

// DeleteLocalValue removes key. Deleting a missing key is not an error.
func (s *Store) DeleteLocalValue(ctx context.Context, key string) error {
	if err := s.checkOpen(syncErrors.OpLocalDelete); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return syncErrors.WrapStorage(fmt.Errorf("delete %s: %w", key, err), syncErrors.OpLocalDelete)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
