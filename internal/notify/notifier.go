// Package notify delivers lifecycle events to operators and other processes.
// Events are queued by Queue, which implements domain.EventSink, and handed
// to Handlers such as the chat Notifier or the Redis event bus.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Sender is one chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Handler consumes dequeued events.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
	Name() string
}

// Notifier formats events and sends them to every Sender. Only kinds in the
// allowed set are sent; an empty set allows all kinds.
type Notifier struct {
	senders []Sender
	kinds   map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Unknown kind names are rejected.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) (*Notifier, error) {
	allowed := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		kind := domain.EventKind(strings.TrimSpace(k))
		if !kind.Valid() {
			return nil, fmt.Errorf("notify: unknown event kind %q", k)
		}
		allowed[kind] = true
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}, nil
}

func (n *Notifier) Name() string { return "notifier" }

// Handle sends ev to every sender. A failing sender does not stop delivery
// to the others; failures are joined into the returned error.
func (n *Notifier) Handle(ctx context.Context, ev domain.Event) error {
	if len(n.kinds) > 0 && !n.kinds[ev.Kind] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("kind", string(ev.Kind)))
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	title, message := Format(ev)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed", slog.String("sender", s.Name()), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var titles = map[domain.EventKind]string{
	domain.EventLegCreated:         "Position leg created",
	domain.EventLegClosed:          "Position leg closed",
	domain.EventExtractionStarted:  "Yield extraction started",
	domain.EventExtractionFinished: "Yield extraction finished",
}

// Format renders ev as a chat title and body.
func Format(ev domain.Event) (string, string) {
	title, ok := titles[ev.Kind]
	if !ok {
		title = string(ev.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pool: %s", ev.Pool)
	if ev.Position != "" {
		fmt.Fprintf(&b, "\nposition: %s", ev.Position)
	}
	if ev.TxReference != "" {
		fmt.Fprintf(&b, "\ntx: %s", ev.TxReference)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ev.Detail[k])
	}
	return title, b.String()
}
