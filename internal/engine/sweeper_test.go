package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier-go-backend/internal/events"
	"github.com/amplifier/amplifier-go-backend/internal/store"
)

func staleTask(age time.Duration) store.Task {
	t := newRunningTask()
	t.StartedAt = pgtype.Timestamptz{Time: time.Now().Add(-age), Valid: true}
	t.Progress = []byte(`{"progress_percent":40,"action_count":3}`)
	return t
}

func TestSweepStaleTimesOutOrphans(t *testing.T) {
	st := newMemStore()
	cfg := testConfig()
	cfg.SessionBudget = time.Minute
	cfg.StaleGrace = time.Minute

	old := staleTask(time.Hour)
	fresh := staleTask(30 * time.Second)
	done := staleTask(time.Hour)
	done.Status = store.TaskStatusCompleted
	st.put(old)
	st.put(fresh)
	st.put(done)

	pub := &recordingPublisher{}
	e := newTestEngine(t, st, &scriptedGateway{}, &fakeRegistry{}, cfg, pub)
	assert.True(t, e.IsStale(old))
	assert.False(t, e.IsStale(fresh))
	assert.False(t, e.IsStale(done))

	n, err := e.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := st.task(old.ID)
	assert.Equal(t, store.TaskStatusTimedOut, got.Status)
	assert.NotEmpty(t, got.Summary.String)
	assert.Equal(t, 40, LoadProgress(got.Progress).ProgressPercent)
	assert.Equal(t, store.TaskStatusRunning, st.task(fresh.ID).Status)
	assert.Equal(t, []events.Type{events.TaskTimedOut}, pub.types())

	n, err = e.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimeOutTaskAlreadyTerminal(t *testing.T) {
	st := newMemStore()
	task := staleTask(time.Hour)
	task.Status = store.TaskStatusCancelled
	st.put(task)
	e := newTestEngine(t, st, &scriptedGateway{}, &fakeRegistry{}, testConfig(), nil)

	changed, err := e.TimeOutTask(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, store.TaskStatusCancelled, st.task(task.ID).Status)
}

func TestSweeperRunsOnStart(t *testing.T) {
	st := newMemStore()
	cfg := testConfig()
	cfg.SessionBudget = time.Minute
	cfg.StaleGrace = time.Minute
	cfg.SweepInterval = time.Hour
	task := staleTask(time.Hour)
	st.put(task)

	e := newTestEngine(t, st, &scriptedGateway{}, &fakeRegistry{}, cfg, nil)
	s := NewSweeper(e)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Equal(t, store.TaskStatusTimedOut, st.task(task.ID).Status)
}
