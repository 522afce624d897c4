package domain

import (
	"context"
	"time"
)

// EventKind is the closed set of lifecycle events the keeper emits.
type EventKind string

const (
	EventLegCreated         EventKind = "leg_created"
	EventLegClosed          EventKind = "leg_closed"
	EventExtractionStarted  EventKind = "extraction_started"
	EventExtractionFinished EventKind = "extraction_finished"
)

// EventKinds lists every valid EventKind.
var EventKinds = []EventKind{
	EventLegCreated,
	EventLegClosed,
	EventExtractionStarted,
	EventExtractionFinished,
}

// Valid reports whether k is one of EventKinds.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	Kind        EventKind         `json:"kind"`
	Pool        string            `json:"pool"`
	Position    string            `json:"position,omitempty"`
	TxReference string            `json:"tx_reference,omitempty"`
	Detail      map[string]string `json:"detail,omitempty"`
	At          time.Time         `json:"at"`
}

// EventSink receives lifecycle events. Emit must not block the caller on
// delivery and never reports failure.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
