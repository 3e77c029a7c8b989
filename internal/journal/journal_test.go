package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/db"
	"github.com/opencode-ai/sequencer/internal/models"
	"github.com/opencode-ai/sequencer/internal/scenario"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const relayScenario = `
name: relay
sequences:
  - name: first
    start: true
    steps:
      - type: delay
        duration: 2s
      - type: publish
        message: baton
  - name: second
    triggers:
      - type: message
        message: baton
    steps:
      - type: delay
        duration: 1s
  - name: stuck
    start: true
    steps:
      - type: wait
        message: never
groups:
  - name: pick
    policy: priority
    members: [second]
`

type fixture struct {
	clock  *clock.Manual
	rt     *scenario.Runtime
	events *db.EventRepository
	runs   *db.RunRepository
	j      *Journal
}

func newFixture(t *testing.T, ctx context.Context) *fixture {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	scn, err := scenario.Parse([]byte(relayScenario))
	require.NoError(t, err)

	clk := clock.NewManual()
	logger := zerolog.Nop()
	rt, err := scenario.Build(scn, scenario.Deps{Clock: clk, Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f := &fixture{
		clock:  clk,
		rt:     rt,
		events: db.NewEventRepository(database),
		runs:   db.NewRunRepository(database),
	}
	f.j = Attach(ctx, rt, Options{
		Events: f.events,
		Runs:   f.runs,
		Now:    func() time.Time { return base.Add(clk.Since()) },
		Logger: &logger,
	})
	return f
}

func (f *fixture) types(t *testing.T) []models.EventType {
	t.Helper()
	page, err := f.events.Query(context.Background(), db.EventQuery{Limit: 1000})
	require.NoError(t, err)

	out := make([]models.EventType, 0, len(page.Events))
	for _, event := range page.Events {
		out = append(out, event.Type)
	}
	return out
}

func TestJournalRecordsRunLifecycle(t *testing.T) {
	f := newFixture(t, context.Background())
	ctx := context.Background()

	f.rt.Start()
	f.clock.Advance(2 * time.Second)
	f.clock.Advance(time.Second)

	sequenceName := "first"
	records, err := f.runs.Query(ctx, models.RunQuery{Sequence: &sequenceName})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, models.RunStatusCompleted, records[0].Status)
	require.Equal(t, 2*time.Second, records[0].Duration())

	second := "second"
	records, err = f.runs.Query(ctx, models.RunQuery{Sequence: &second})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, models.RunStatusCompleted, records[0].Status)

	types := f.types(t)
	require.Equal(t, models.EventTypeScenarioStarted, types[0])
	require.Contains(t, types, models.EventTypeGroupDispatched)
	require.Contains(t, types, models.EventTypeMessagePublished)
	require.Contains(t, types, models.EventTypeSequenceCompleted)

	// stuck never finishes
	require.Equal(t, 1, f.j.Active())
}

func TestJournalGroupDispatchPayload(t *testing.T) {
	f := newFixture(t, context.Background())

	f.rt.Start()

	eventType := models.EventTypeGroupDispatched
	page, err := f.events.Query(context.Background(), db.EventQuery{Type: &eventType})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)

	var payload models.GroupDispatchedPayload
	require.NoError(t, json.Unmarshal(page.Events[0].Payload, &payload))
	require.Equal(t, "priority", payload.Policy)
	require.Empty(t, payload.Started, "second waits for the baton")
	require.Equal(t, "relay", page.Events[0].Metadata["scenario"])
}

func TestJournalDetachAbandonsUnfinishedRuns(t *testing.T) {
	f := newFixture(t, context.Background())
	ctx := context.Background()

	f.rt.Start()
	f.clock.Advance(time.Second)
	f.j.Detach()
	f.j.Detach()

	status := models.RunStatusAbandoned
	records, err := f.runs.Query(ctx, models.RunQuery{Status: &status})
	require.NoError(t, err)
	require.Len(t, records, 2, "first is mid delay, stuck waits forever")

	types := f.types(t)
	require.Equal(t, models.EventTypeScenarioStopped, types[len(types)-1])

	count, err := f.events.Count(ctx)
	require.NoError(t, err)

	// nothing is recorded once detached
	f.clock.Advance(time.Minute)
	after, err := f.events.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, count, after)
}

func TestJournalDetachAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, ctx)

	f.rt.Start()
	cancel()
	f.j.Detach()

	stuck := "stuck"
	records, err := f.runs.Query(context.Background(), models.RunQuery{Sequence: &stuck})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, models.RunStatusAbandoned, records[0].Status)

	types := f.types(t)
	require.Equal(t, models.EventTypeScenarioStopped, types[len(types)-1])
}
