package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/pool"
)

func TestLegalPathRunsEndToEnd(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Created}
	for _, next := range []State{LoadingDB, InitializingManagers, Ready, Active, Removing, Destroyed} {
		require.NoError(t, m.Transition(next))
		assert.Equal(t, next, m.State())
	}
}

func TestSkippingStatesIsRejected(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Created}
	err := m.Transition(Ready)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, Created, m.State())

	// Backward moves are rejected too.
	require.NoError(t, m.Transition(LoadingDB))
	assert.ErrorIs(t, m.Transition(Created), ErrIllegalTransition)
}

func TestAnyNonTerminalStateMayFail(t *testing.T) {
	for _, start := range []State{Created, LoadingDB, InitializingManagers, Ready, Active, Removing} {
		m := &Manager{guid: uuid.New(), state: start}
		require.NoError(t, m.Transition(Failed), "from %s", start)
		assert.Equal(t, Failed, m.State())
	}

	// Terminal states stay terminal.
	m := &Manager{guid: uuid.New(), state: Destroyed}
	assert.ErrorIs(t, m.Transition(Failed), ErrIllegalTransition)
}

func TestDeferredEventsDrainInInsertionOrder(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Ready}

	var got []EventKind
	m.SetEventHandler(func(ev Event) { got = append(got, ev.Kind) })

	m.Deliver(Event{Kind: EventGroupJoin})
	m.Deliver(Event{Kind: EventCombat})
	m.Deliver(Event{Kind: EventPosition})
	assert.Equal(t, 3, m.PendingEvents())
	assert.Empty(t, got, "nothing handled before ACTIVE")

	require.NoError(t, m.MarkActive())
	assert.Equal(t, []EventKind{EventGroupJoin, EventCombat, EventPosition}, got)
	assert.Zero(t, m.PendingEvents())

	// At ACTIVE events are handled immediately.
	m.Deliver(Event{Kind: EventDeath})
	assert.Equal(t, EventDeath, got[len(got)-1])
}

func TestEventsArrivingDuringDrainAreDrained(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Ready}

	var got []EventKind
	m.SetEventHandler(func(ev Event) {
		got = append(got, ev.Kind)
		if ev.Kind == EventGroupJoin {
			// Handler injects a new event mid-drain.
			m.Deliver(Event{Kind: EventAura})
		}
	})
	m.Deliver(Event{Kind: EventGroupJoin})

	require.NoError(t, m.MarkActive())
	assert.Equal(t, []EventKind{EventGroupJoin, EventAura}, got)
	assert.Zero(t, m.PendingEvents())
}

func TestCustomEventInvokesCallback(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Ready}
	ran := false
	m.Deliver(Event{Kind: EventCustom, Callback: func() { ran = true }})
	require.NoError(t, m.MarkActive())
	assert.True(t, ran)
}

func TestGuardOnlyValidAtReadyOrActive(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Created}
	_, ok := m.TryGuard()
	assert.False(t, ok)

	m.state = Ready
	g, ok := m.TryGuard()
	require.True(t, ok)
	assert.Equal(t, m.guid, g.GUID())

	m.state = Active
	_, ok = m.TryGuard()
	assert.True(t, ok)

	m.state = Removing
	_, ok = m.TryGuard()
	assert.False(t, ok)
}

func TestFactoryHappyPath(t *testing.T) {
	fake := host.NewFake()
	var hookRan bool
	f := NewFactory(fake, nil, func(m *Manager) error {
		assert.Equal(t, InitializingManagers, m.State())
		hookRan = true
		return nil
	})

	m, err := f.Create(CreateRequest{Name: "Thaldrin", Level: 34, Class: 2, MapID: 1})
	require.NoError(t, err)
	assert.Equal(t, Ready, m.State())
	assert.True(t, hookRan)
	assert.Contains(t, fake.AddedToWorld, m.GUID())

	stats := f.Statistics()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Zero(t, stats.Failed)
	assert.Contains(t, stats.StageAvg, "load_db")
}

func TestFactoryStageFailureStopsPipeline(t *testing.T) {
	fake := host.NewFake()
	fake.FailNextLoads = 1

	var reported error
	hookRan := false
	f := NewFactory(fake,
		func(_ uuid.UUID, err error) { reported = err },
		func(*Manager) error { hookRan = true; return nil },
	)

	m, err := f.Create(CreateRequest{Name: "Brokenbot", Level: 10})
	require.Error(t, err)
	assert.Equal(t, Failed, m.State())
	assert.Error(t, m.FailureCause())
	assert.Error(t, reported)
	assert.False(t, hookRan, "no stage runs after a failure")
	assert.Equal(t, uint64(1), f.Statistics().Failed)
	assert.NotContains(t, fake.AddedToWorld, m.GUID())
}

func TestFactoryDestroyRequiresRemoving(t *testing.T) {
	fake := host.NewFake()
	f := NewFactory(fake, nil)

	m, err := f.Create(CreateRequest{Name: "Shortlived", Level: 20})
	require.NoError(t, err)

	assert.ErrorIs(t, f.Destroy(m), ErrIllegalTransition)

	require.NoError(t, m.MarkActive())
	require.NoError(t, m.Transition(Removing))
	require.NoError(t, f.Destroy(m))
	assert.Equal(t, Destroyed, m.State())
	assert.Contains(t, fake.RemovedFromWorld, m.GUID())
}

func TestFactoryCreateAsync(t *testing.T) {
	fake := host.NewFake()
	f := NewFactory(fake, nil)
	p := pool.New(pool.Config{NumThreads: 4, WorkerSleepTime: 20 * time.Millisecond, EnableWorkStealing: true})
	defer p.Shutdown()

	fut, err := f.CreateAsync(p, CreateRequest{Name: "Asyncbot", Level: 44})
	require.NoError(t, err)
	m, err := fut.Get(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, Ready, m.State())
}

func TestFailedBotOperationsAreNoOps(t *testing.T) {
	m := &Manager{guid: uuid.New(), state: Failed}
	assert.ErrorIs(t, m.MarkActive(), ErrIllegalTransition)
	_, ok := m.TryGuard()
	assert.False(t, ok)
	m.Fail(errors.New("again")) // no panic, still FAILED
	assert.Equal(t, Failed, m.State())
}
