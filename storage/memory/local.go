package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
)

// Local is an in-memory LocalStore.
type Local struct {
	mu     sync.RWMutex
	values map[string][]byte
	fail   error
}

var _ interfaces.LocalStore = (*Local)(nil)

func NewLocal() *Local {
	return &Local{values: make(map[string][]byte)}
}

// FailWrites makes every Set and Delete fail with err until reset with nil.
func (l *Local) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *Local) GetLocalValue(ctx context.Context, key string) ([]byte, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (l *Local) SetLocalValue(ctx context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return errors.NewStorageError(errors.OpLocalSet, fmt.Errorf("set %s: %w", key, l.fail))
	}
	l.values[key] = append([]byte(nil), value...)
	return nil
}

func (l *Local) DeleteLocalValue(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return errors.NewStorageError(errors.OpLocalDelete, fmt.Errorf("delete %s: %w", key, l.fail))
	}
	delete(l.values, key)
	return nil
}
