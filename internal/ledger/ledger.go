// Package ledger keeps the append-only history of extracted yield per pool
// and position set.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// KeyPrefix prefixes every ledger key in the backing store.
const KeyPrefix = "yield/"

// positionSetNamespace seeds the UUIDv5 that names a position set.
var positionSetNamespace = uuid.MustParse("6b1f3c2e-8d4a-5e7b-9c1d-2a3f4b5c6d7e")

// Key returns the ledger key for a pool and position set. The order of
// addresses does not matter.
func Key(pool string, addresses []string) string {
	sorted := sortedCopy(addresses)
	id := uuid.NewSHA1(positionSetNamespace, []byte(strings.Join(sorted, ",")))
	return KeyPrefix + pool + "/" + id.String()
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Ledger records extractions and combines them with live pending yield.
// Appends to the same key are serialized; different keys proceed in parallel.
type Ledger struct {
	store  domain.Persistence
	clock  domain.Clock
	logger *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]domain.YieldRecord
}

// New creates a Ledger over store. A nil clock selects the system clock.
func New(store domain.Persistence, c domain.Clock, logger *slog.Logger) *Ledger {
	if c == nil {
		c = clock.System{}
	}
	return &Ledger{
		store:   store,
		clock:   c,
		logger:  logger.With(slog.String("component", "ledger")),
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]domain.YieldRecord),
	}
}

func (l *Ledger) keyLock(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Record appends one extraction to the record for pool and addresses and
// persists it. If persisting fails the error is returned and the in-memory
// record is left as it was. A txRef already in the history is not appended
// again.
func (l *Ledger) Record(
	ctx context.Context,
	pool string,
	addresses []string,
	raw domain.RawAmounts,
	normalized decimal.Decimal,
	txRef string,
	feePaid decimal.Decimal,
) (domain.YieldRecord, error) {
	if pool == "" || len(addresses) == 0 {
		return domain.YieldRecord{}, fmt.Errorf("ledger: record: %w: pool and addresses are required", domain.ErrInvalidParams)
	}
	key := Key(pool, addresses)
	lock := l.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := l.load(ctx, key)
	now := l.clock.Now()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		current = domain.YieldRecord{
			Key:               key,
			PoolAddress:       pool,
			PositionAddresses: sortedCopy(addresses),
			TotalExtracted:    decimal.Zero,
			CreatedAt:         now,
		}
	case err != nil:
		return domain.YieldRecord{}, err
	}
	if txRef != "" {
		for _, e := range current.History {
			if e.TxReference == txRef {
				l.logger.InfoContext(ctx, "extraction already recorded", slog.String("key", key), slog.String("tx", txRef))
				return current, nil
			}
		}
	}

	next := current
	next.History = append(append([]domain.ExtractionEntry(nil), current.History...), domain.ExtractionEntry{
		At:              now,
		RawAmounts:      raw,
		NormalizedValue: normalized,
		TxReference:     txRef,
		FeePaid:         feePaid,
	})
	next.TotalExtracted = current.TotalExtracted.Add(normalized)
	next.UpdatedAt = now

	data, err := json.Marshal(next)
	if err != nil {
		return domain.YieldRecord{}, fmt.Errorf("ledger: marshal %s: %w", key, err)
	}
	if err := l.store.Save(ctx, key, data); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist extraction",
			slog.String("key", key),
			slog.String("tx", txRef),
			slog.String("error", err.Error()),
		)
		return domain.YieldRecord{}, fmt.Errorf("ledger: save %s: %w", key, err)
	}

	l.mu.Lock()
	l.records[key] = next
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "extraction recorded",
		slog.String("key", key),
		slog.String("normalized", normalized.String()),
		slog.String("total", next.TotalExtracted.String()),
		slog.Int("count", len(next.History)),
	)
	return next, nil
}

// Get returns the record for pool and addresses, or domain.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, pool string, addresses []string) (domain.YieldRecord, error) {
	return l.load(ctx, Key(pool, addresses))
}

// ComputeRealTotal returns pending plus everything already extracted for the
// pool and position set.
func (l *Ledger) ComputeRealTotal(ctx context.Context, pool string, addresses []string, pending decimal.Decimal) (domain.RealTotal, error) {
	rec, err := l.Get(ctx, pool, addresses)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.RealTotal{}, err
	}
	extracted := decimal.Zero
	if err == nil {
		extracted = rec.TotalExtracted
	}
	return domain.RealTotal{
		Pending:         pending,
		Extracted:       extracted,
		Total:           pending.Add(extracted),
		ExtractionCount: len(rec.History),
	}, nil
}

// Records lists every record in the backing store.
func (l *Ledger) Records(ctx context.Context) ([]domain.YieldRecord, error) {
	keys, err := l.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	sort.Strings(keys)
	out := make([]domain.YieldRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := l.load(ctx, k)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Ledger) load(ctx context.Context, key string) (domain.YieldRecord, error) {
	l.mu.Lock()
	rec, ok := l.records[key]
	l.mu.Unlock()
	if ok {
		return rec, nil
	}

	data, err := l.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.YieldRecord{}, err
		}
		return domain.YieldRecord{}, fmt.Errorf("ledger: load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.YieldRecord{}, fmt.Errorf("ledger: decode %s: %w", key, err)
	}

	l.mu.Lock()
	l.records[key] = rec
	l.mu.Unlock()
	return rec, nil
}
