// Package extraction serializes yield withdrawal against reporting. One
// StateMachine exists per monitored key and is shared by the Reporter and
// the Extractor for that key.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Status is the extraction state of one key.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusExtracting Status = "extracting"
)

// StateKeyPrefix prefixes persisted extraction states.
const StateKeyPrefix = "extraction/"

// State is the persisted extraction state of one key.
type State struct {
	Key              string     `json:"key"`
	Status           Status     `json:"status"`
	Owner            string     `json:"owner,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	InFlightTx       string     `json:"in_flight_tx,omitempty"`
	Claim            *Claim     `json:"claim,omitempty"`
	LastExtractionAt *time.Time `json:"last_extraction_at,omitempty"`
	LastTxReference  string     `json:"last_tx_reference,omitempty"`
}

// Claim is a broadcast claim whose outcome is not known yet. It carries what
// the ledger needs if the claim turns out to have landed.
type Claim struct {
	TxReference string            `json:"tx_reference"`
	Positions   []string          `json:"positions"`
	Raw         domain.RawAmounts `json:"raw"`
	Normalized  decimal.Decimal   `json:"normalized"`
}

// Ticket proves ownership of an in-progress extraction.
type Ticket struct {
	ID        string
	Key       string
	StartedAt time.Time
}

// ErrStaleTicket is returned by Finish for a ticket that no longer owns the
// extraction, typically because it was released as orphaned.
var ErrStaleTicket = errors.New("extraction ticket is not the current owner")

// StateMachine owns the IDLE/EXTRACTING state for one key. Every transition
// is persisted before it is reported as done.
type StateMachine struct {
	key        string
	store      domain.Persistence
	clock      domain.Clock
	staleAfter time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	state State
	owner string // ticket held by this process, if any
}

// NewStateMachine creates an idle StateMachine for key. Call Reconcile at
// startup to pick up a state persisted by a previous process.
func NewStateMachine(key string, store domain.Persistence, c domain.Clock, staleAfter time.Duration, logger *slog.Logger) *StateMachine {
	if c == nil {
		c = clock.System{}
	}
	return &StateMachine{
		key:        key,
		store:      store,
		clock:      c,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "extraction_state"), slog.String("key", key)),
		state:      State{Key: key, Status: StatusIdle},
	}
}

// Key returns the monitored key.
func (m *StateMachine) Key() string { return m.key }

// Snapshot returns a copy of the current state.
func (m *StateMachine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Parked reports whether an unconfirmed claim is waiting to be resolved with
// no extraction of this process running.
func (m *StateMachine) Parked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == StatusExtracting && m.owner == "" && m.state.InFlightTx != ""
}

// Extracting reports whether an extraction is in flight.
func (m *StateMachine) Extracting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == StatusExtracting
}

// Begin moves IDLE to EXTRACTING and returns the owning ticket. It fails with
// domain.ErrExtractionInProgress when an extraction is already running.
func (m *StateMachine) Begin(ctx context.Context) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Status == StatusExtracting {
		return Ticket{}, fmt.Errorf("extraction: begin %s: %w", m.key, domain.ErrExtractionInProgress)
	}
	now := m.clock.Now()
	t := Ticket{ID: uuid.NewString(), Key: m.key, StartedAt: now}

	next := m.state
	next.Status = StatusExtracting
	next.Owner = t.ID
	next.StartedAt = &now
	next.InFlightTx = ""
	next.Claim = nil
	if err := m.persist(ctx, next); err != nil {
		return Ticket{}, err
	}
	m.state = next
	m.owner = t.ID
	m.logger.InfoContext(ctx, "extraction started", slog.String("ticket", t.ID))
	return t, nil
}

// Submitted records the in-flight claim of the current extraction so a
// restart can verify it and record it.
func (m *StateMachine) Submitted(ctx context.Context, t Ticket, claim Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusExtracting || m.state.Owner != t.ID {
		return ErrStaleTicket
	}
	next := m.state
	next.InFlightTx = claim.TxReference
	next.Claim = &claim
	if err := m.persist(ctx, next); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Park keeps the extraction EXTRACTING with claim persisted as in flight and
// gives up this process's ownership, so the next Reconcile settles it. The
// in-memory state is parked on return even if persisting failed.
func (m *StateMachine) Park(ctx context.Context, t Ticket, claim Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusExtracting || m.state.Owner != t.ID {
		return ErrStaleTicket
	}
	next := m.state
	next.InFlightTx = claim.TxReference
	next.Claim = &claim
	m.state = next
	m.owner = ""
	m.logger.WarnContext(ctx, "extraction parked on unconfirmed claim",
		slog.String("ticket", t.ID),
		slog.String("tx", claim.TxReference),
	)
	return m.persist(ctx, next)
}

// Finish moves EXTRACTING back to IDLE. A successful extraction (extractErr
// nil and a tx reference) updates the last-extraction fields. The in-memory
// state is IDLE on return even if persisting failed.
func (m *StateMachine) Finish(ctx context.Context, t Ticket, txRef string, extractErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusExtracting || m.state.Owner != t.ID {
		return ErrStaleTicket
	}

	next := m.state
	next.Status = StatusIdle
	next.Owner = ""
	next.StartedAt = nil
	next.InFlightTx = ""
	next.Claim = nil
	if extractErr == nil && txRef != "" {
		now := m.clock.Now()
		next.LastExtractionAt = &now
		next.LastTxReference = txRef
	}
	m.state = next
	m.owner = ""

	if extractErr != nil {
		m.logger.WarnContext(ctx, "extraction finished with error", slog.String("ticket", t.ID), slog.String("error", extractErr.Error()))
	} else {
		m.logger.InfoContext(ctx, "extraction finished", slog.String("ticket", t.ID), slog.String("tx", txRef))
	}
	return m.persist(ctx, next)
}

// ReleaseIfOrphaned forces IDLE when the current extraction started more than
// staleAfter ago. It reports whether it released anything.
func (m *StateMachine) ReleaseIfOrphaned(ctx context.Context) bool {
	if m.staleAfter <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusExtracting || m.state.StartedAt == nil {
		return false
	}
	if m.owner == "" && m.state.InFlightTx != "" {
		// A parked claim is settled by Reconcile, which checks the chain.
		return false
	}
	age := m.clock.Now().Sub(*m.state.StartedAt)
	if age < m.staleAfter {
		return false
	}

	m.logger.WarnContext(ctx, "releasing orphaned extraction",
		slog.String("owner", m.state.Owner),
		slog.Duration("age", age),
		slog.String("in_flight_tx", m.state.InFlightTx),
	)
	next := m.state
	next.Status = StatusIdle
	next.Owner = ""
	next.StartedAt = nil
	next.InFlightTx = ""
	next.Claim = nil
	m.state = next
	m.owner = ""
	if err := m.persist(ctx, next); err != nil {
		m.logger.ErrorContext(ctx, "failed to persist orphan release", slog.String("error", err.Error()))
	}
	return true
}

// ReconcileReport describes what the startup pass found.
type ReconcileReport struct {
	Key           string
	WasExtracting bool
	Owner         string
	TxReference   string
	Claim         *Claim
	Verified      bool // whether TxReference was checked on chain
	Landed        bool
	Unresolved    bool // the claim could not be settled; still EXTRACTING
	VerifyErr     error
}

// Reconcile loads the persisted state and settles an EXTRACTING state that no
// extraction of this process owns: one left by a crash or parked on an
// unconfirmed claim.
//
// Without an in-flight transaction the state is forced to IDLE. With one, it
// is checked with txStatus: a landed claim becomes the last extraction, and a
// claim still missing once staleAfter has passed since the extraction started
// is treated as dropped. A nil txStatus only releases a claim past staleAfter.
// Otherwise the state stays EXTRACTING and the report is Unresolved.
func (m *StateMachine) Reconcile(ctx context.Context, txStatus domain.TxStatusReader) (ReconcileReport, error) {
	return m.ReconcileWith(ctx, txStatus, nil)
}

// ReconcileWith is Reconcile with settle called on the persisted claim once
// it is known to have landed, before the state leaves EXTRACTING. A settle
// failure keeps the state EXTRACTING so a later pass can retry it.
func (m *StateMachine) ReconcileWith(ctx context.Context, txStatus domain.TxStatusReader, settle func(context.Context, Claim) error) (ReconcileReport, error) {
	report := ReconcileReport{Key: m.key}

	loaded, err := m.load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return report, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != "" {
		// An extraction owned by this process is running; nothing to recover.
		return report, nil
	}
	if loaded.Status != StatusExtracting {
		m.state = loaded
		return report, nil
	}

	report.WasExtracting = true
	report.Owner = loaded.Owner
	report.TxReference = loaded.InFlightTx
	report.Claim = loaded.Claim

	next := loaded
	settled := loaded.InFlightTx == ""
	if !settled && txStatus == nil {
		// Nothing can verify the claim; only the stale window releases it.
		settled = m.expired(loaded)
	}
	if !settled && txStatus != nil {
		landed, verr := txStatus.TransactionLanded(ctx, loaded.InFlightTx)
		report.VerifyErr = verr
		if verr == nil {
			report.Verified = true
			report.Landed = landed
			switch {
			case landed:
				if settle != nil && loaded.Claim != nil {
					if err := settle(ctx, *loaded.Claim); err != nil {
						report.Unresolved = true
						m.state = loaded
						return report, fmt.Errorf("extraction: settle claim %s: %w", loaded.InFlightTx, err)
					}
				}
				next.LastExtractionAt = loaded.StartedAt
				next.LastTxReference = loaded.InFlightTx
				settled = true
			case m.expired(loaded):
				settled = true
			}
		}
	}

	if !settled {
		report.Unresolved = true
		m.state = loaded
		m.logger.WarnContext(ctx, "extraction claim unresolved, staying extracting",
			slog.String("owner", report.Owner),
			slog.String("tx", report.TxReference),
			slog.Bool("verified", report.Verified),
		)
		return report, nil
	}

	next.Status = StatusIdle
	next.Owner = ""
	next.StartedAt = nil
	next.InFlightTx = ""
	next.Claim = nil

	m.logger.WarnContext(ctx, "recovered extraction left unsettled",
		slog.String("owner", report.Owner),
		slog.String("tx", report.TxReference),
		slog.Bool("verified", report.Verified),
		slog.Bool("landed", report.Landed),
	)
	if err := m.persist(ctx, next); err != nil {
		return report, err
	}
	m.state = next
	return report, nil
}

// expired reports whether s started at least staleAfter ago.
func (m *StateMachine) expired(s State) bool {
	if m.staleAfter <= 0 || s.StartedAt == nil {
		return true
	}
	return m.clock.Now().Sub(*s.StartedAt) >= m.staleAfter
}

func (m *StateMachine) storeKey() string { return StateKeyPrefix + m.key }

func (m *StateMachine) persist(ctx context.Context, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("extraction: marshal state: %w", err)
	}
	if err := m.store.Save(ctx, m.storeKey(), data); err != nil {
		return fmt.Errorf("extraction: persist state %s: %w", m.key, err)
	}
	return nil
}

func (m *StateMachine) load(ctx context.Context) (State, error) {
	data, err := m.store.Load(ctx, m.storeKey())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return State{}, err
		}
		return State{}, fmt.Errorf("extraction: load state %s: %w", m.key, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("extraction: decode state %s: %w", m.key, err)
	}
	s.Key = m.key
	return s, nil
}
