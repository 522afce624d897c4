package domain

import "context"

// Persistence is a flat key/value store used for the yield ledger and the
// extraction state. Load returns ErrNotFound for a missing key.
type Persistence interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
