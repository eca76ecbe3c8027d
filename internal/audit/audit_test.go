package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(MigrationApplied, "staging")

	_, err := uuid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, MigrationApplied, e.Type)
	assert.Equal(t, "staging", e.Environment)
	assert.False(t, e.Timestamp.IsZero())
}

func TestEvent_WithDoesNotShareAttributes(t *testing.T) {
	base := NewEvent(PromotionStarted, "production").With("version", "1.0.0")
	a := base.With("service", "api")
	b := base.With("service", "worker")

	assert.Equal(t, map[string]string{"version": "1.0.0"}, base.Attributes)
	assert.Equal(t, "api", a.Attributes["service"])
	assert.Equal(t, "worker", b.Attributes["service"])
}

func TestEmit_SwallowsFailures(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := &Memory{}
	sink.FailWith(errors.New("connection refused"))

	assert.NotPanics(t, func() {
		Emit(context.Background(), sink, logger, NewEvent(MigrationFailed, "staging"))
	})
	assert.Empty(t, sink.Events())
	assert.Contains(t, logs.String(), "audit emit failed")
	assert.Contains(t, logs.String(), "connection refused")
}

func TestEmit_NilEmitter(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, nil, NewEvent(MigrationApplied, "dev"))
	})
}

func TestLogEmitter(t *testing.T) {
	var logs bytes.Buffer
	l := LogEmitter{Logger: slog.New(slog.NewTextHandler(&logs, nil))}

	err := l.Emit(context.Background(), NewEvent(PromotionSucceeded, "production").
		WithActor("alice").
		With("version", "0.2.0"))
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "type=promotion.succeeded")
	assert.Contains(t, out, "actor=alice")
	assert.Contains(t, out, "version=0.2.0")
}

func TestMemory_Types(t *testing.T) {
	m := &Memory{}
	ctx := context.Background()
	require.NoError(t, m.Emit(ctx, NewEvent(PromotionStarted, "staging")))
	require.NoError(t, m.Emit(ctx, NewEvent(PromotionFailed, "staging")))

	assert.Equal(t, []string{PromotionStarted, PromotionFailed}, m.Types())
}
