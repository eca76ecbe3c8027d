// Package audit records who changed what in which environment.
//
// Emission is best effort. Callers use Emit, which logs and discards sink
// failures so an unavailable audit backend never blocks a migration or a
// promotion.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	MigrationApplied  = "migration.applied"
	MigrationFailed   = "migration.failed"
	MigrationDeclined = "migration.declined"

	ComplianceInitialized = "compliance.initialized"
	ComplianceFailed      = "compliance.failed"

	PromotionStarted   = "promotion.started"
	PromotionSucceeded = "promotion.succeeded"
	PromotionFailed    = "promotion.failed"
)

// Event is a single audit entry.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Environment string            `json:"environment"`
	Actor       string            `json:"actor,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current UTC time.
func NewEvent(eventType, environment string) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Environment: environment,
		Timestamp:   time.Now().UTC(),
	}
}

// WithActor returns a copy of e with the actor set.
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// With returns a copy of e with an extra attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Emitter delivers audit events to a sink.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// Emit sends event and swallows any failure, logging it at debug level.
// A nil emitter is a no-op.
func Emit(ctx context.Context, emitter Emitter, logger *slog.Logger, event Event) {
	if emitter == nil {
		return
	}
	if err := emitter.Emit(ctx, event); err != nil && logger != nil {
		logger.DebugContext(ctx, "audit emit failed", "type", event.Type, "id", event.ID, "error", err)
	}
}

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) error { return nil }

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit logs the event at info level.
func (l LogEmitter) Emit(ctx context.Context, event Event) error {
	attrs := []any{
		"audit_id", event.ID,
		"type", event.Type,
		"environment", event.Environment,
	}
	if event.Actor != "" {
		attrs = append(attrs, "actor", event.Actor)
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, k, v)
	}
	l.Logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Memory keeps events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// FailWith makes subsequent emits return err without recording.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Emit records the event.
func (m *Memory) Emit(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.events))
	for i, e := range m.events {
		types[i] = e.Type
	}
	return types
}
