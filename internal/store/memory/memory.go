// Package memory is an in-process Persistence backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Store keeps values in a map. Values are copied on the way in and out.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.mu.Lock()
	s.data[key] = buf
	s.mu.Unlock()
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory: load %s: %w", key, domain.ErrNotFound)
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, nil
}

// List returns the keys starting with prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ domain.Persistence = (*Store)(nil)
