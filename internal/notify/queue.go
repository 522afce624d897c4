package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// Queue buffers events and delivers them to its handlers from Run. Emit never
// blocks; when the buffer is full the event is dropped and logged.
type Queue struct {
	events       chan domain.Event
	handlers     []Handler
	drainTimeout time.Duration
	logger       *slog.Logger
}

// NewQueue creates a Queue with room for size pending events.
func NewQueue(size int, logger *slog.Logger, handlers ...Handler) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		events:       make(chan domain.Event, size),
		handlers:     handlers,
		drainTimeout: 5 * time.Second,
		logger:       logger.With(slog.String("component", "event_queue")),
	}
}

// Emit enqueues ev.
func (q *Queue) Emit(ctx context.Context, ev domain.Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.String("pool", ev.Pool),
		)
	}
}

// Run delivers events until ctx is done, then drains what is already queued
// within the drain timeout.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-q.events:
			q.deliver(ctx, ev)
		case <-ctx.Done():
			q.drain()
			return nil
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-q.events:
			q.deliver(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			q.logger.Warn("drain timed out", slog.Int("dropped", len(q.events)))
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev domain.Event) {
	for _, h := range q.handlers {
		if err := h.Handle(ctx, ev); err != nil {
			q.logger.ErrorContext(ctx, "event delivery failed",
				slog.String("handler", h.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

var _ domain.EventSink = (*Queue)(nil)
