package environment_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/environment"
	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/checksum"
	"github.com/tachyonhq/tachyon/pkg/confirm"
	"github.com/tachyonhq/tachyon/pkg/migrator"
	"github.com/tachyonhq/tachyon/pkg/migrator/memory"
)

type scriptedPrompter struct {
	answer string
	calls  int
}

func (p *scriptedPrompter) Prompt(context.Context, string, string) (string, error) {
	p.calls++
	return p.answer, nil
}

type fixture struct {
	store    *memory.Store
	prompter *scriptedPrompter
	events   *audit.Memory
	session  *environment.Session
}

func newFixture(t *testing.T, envName, answer string, flags confirm.Flags, units ...catalog.Unit) *fixture {
	t.Helper()

	target, err := environment.Resolve(environment.Defaults(), envName)
	require.NoError(t, err)

	cat, err := catalog.New(units...)
	require.NoError(t, err)

	f := &fixture{
		store:    memory.New(),
		prompter: &scriptedPrompter{answer: answer},
		events:   &audit.Memory{},
	}
	m := migrator.New(f.store, cat, target.Name)
	f.session = environment.NewSession(target, m, confirm.NewGate(f.prompter), flags, f.events, nil,
		environment.WithActor("tester"))
	return f
}

func u(version, content string) catalog.Unit {
	return catalog.Unit{Version: version, Description: "unit " + version, Content: []byte(content)}
}

func TestSession_ProductionRequiresUppercaseKeyword(t *testing.T) {
	f := newFixture(t, environment.Production, "production", confirm.Flags{}, u("001", "A"))

	applied, err := f.session.Migrate(context.Background())
	require.ErrorIs(t, err, confirm.ErrDeclined)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, f.prompter.calls, "exactly one prompt, no retries")
	assert.Empty(t, f.store.Executed())
	assert.False(t, f.store.TableCreated(), "decline must leave the store untouched")
	assert.Equal(t, []string{audit.MigrationDeclined}, f.events.Types())
}

func TestSession_ProductionConfirmed(t *testing.T) {
	f := newFixture(t, environment.Production, "  PRODUCTION \n", confirm.Flags{}, u("001", "A"), u("002", "B"))

	applied, err := f.session.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"001", "002"}, f.store.Executed())

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.MigrationApplied, events[0].Type)
	assert.Equal(t, "tester", events[0].Actor)
	assert.Equal(t, "2", events[0].Attributes["applied"])
}

func TestSession_AutomatedSkipsPrompt(t *testing.T) {
	f := newFixture(t, environment.Production, "", confirm.Flags{Automated: true}, u("001", "A"))

	applied, err := f.session.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, f.prompter.calls)
}

func TestSession_LowRiskSkipsPrompt(t *testing.T) {
	f := newFixture(t, environment.Development, "", confirm.Flags{}, u("001", "A"))

	applied, err := f.session.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, f.prompter.calls)
}

func TestSession_NothingPendingDoesNotPrompt(t *testing.T) {
	f := newFixture(t, environment.Staging, "staging", confirm.Flags{}, u("001", "A"))
	f.store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("A"))})

	applied, err := f.session.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Zero(t, f.prompter.calls)
	assert.Empty(t, f.events.Events())
}

func TestSession_NothingPendingStillReportsDrift(t *testing.T) {
	f := newFixture(t, environment.Staging, "staging", confirm.Flags{}, u("001", "A"))
	f.store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("edited"))})

	_, err := f.session.Migrate(context.Background())
	require.ErrorIs(t, err, migrator.ErrDriftDetected)
	assert.Zero(t, f.prompter.calls)
	assert.Equal(t, []string{audit.MigrationFailed}, f.events.Types())
	assert.Equal(t, "drift", f.events.Events()[0].Attributes["reason"])
}

func TestSession_AuditFailureDoesNotFailMigration(t *testing.T) {
	f := newFixture(t, environment.Development, "", confirm.Flags{}, u("001", "A"))
	f.events.FailWith(errors.New("redis: connection refused"))

	applied, err := f.session.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestSession_Plan(t *testing.T) {
	f := newFixture(t, environment.Production, "", confirm.Flags{}, u("001", "CREATE TABLE t (id int);"))

	var buf bytes.Buffer
	n, err := f.session.Plan(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.prompter.calls)
	assert.Empty(t, f.store.Executed())
	assert.Contains(t, buf.String(), "CREATE TABLE t (id int);")
}
