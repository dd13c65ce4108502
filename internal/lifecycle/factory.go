package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/pool"
)

// Stage names the factory construction phases for statistics.
type Stage uint8

const (
	StageAllocate Stage = iota
	StageLoadDB
	StageInitManagers
	StageFinalize

	numStages = 4
)

func (s Stage) String() string {
	names := [...]string{"allocate", "load_db", "init_managers", "finalize"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// CreateRequest describes the bot the factory should produce.
type CreateRequest struct {
	Name  string
	Level int
	Class uint8
	MapID uint32
}

// InitHook is one manager initialiser run during the INITIALIZING_MANAGERS
// stage. A failing hook fails the whole construction.
type InitHook func(*Manager) error

// Factory is the only legal producer of bots. It runs the construction
// stages in order and fails the lifecycle on the first stage error.
type Factory struct {
	entities host.EntityOps
	hooks    []InitHook
	onError  func(uuid.UUID, error)

	created   atomic.Uint64
	failed    atomic.Uint64
	destroyed atomic.Uint64

	stageMu      sync.Mutex
	stageTotalNs [numStages]int64
	stageCount   [numStages]int64
}

// NewFactory builds a factory over the host entity operations. The hooks
// run in order for every bot; onError may be nil.
func NewFactory(entities host.EntityOps, onError func(uuid.UUID, error), hooks ...InitHook) *Factory {
	return &Factory{entities: entities, hooks: hooks, onError: onError}
}

// Create runs the full synchronous construction pipeline:
// allocate → DB load → manager init → finalize (world insertion at READY).
func (f *Factory) Create(req CreateRequest) (*Manager, error) {
	m := &Manager{guid: uuid.New(), state: Created}

	if err := f.runStage(m, StageAllocate, LoadingDB, func() error {
		return f.entities.AllocateBot(m.guid, req.Name, req.Level, req.Class)
	}); err != nil {
		return m, err
	}
	if err := f.runStage(m, StageLoadDB, InitializingManagers, func() error {
		return f.entities.LoadCharacter(m.guid)
	}); err != nil {
		return m, err
	}
	if err := f.runStage(m, StageInitManagers, Ready, func() error {
		for _, h := range f.hooks {
			if err := h(m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return m, err
	}
	if err := f.timeStage(StageFinalize, func() error {
		return f.entities.AddToWorld(m.guid, req.MapID)
	}); err != nil {
		f.failCreate(m, StageFinalize, err)
		return m, err
	}

	f.created.Add(1)
	slog.Debug("bot constructed", "guid", m.guid, "name", req.Name, "level", req.Level)
	return m, nil
}

// CreateAsync submits the construction pipeline to the thread pool at HIGH
// priority and returns the future.
func (f *Factory) CreateAsync(p *pool.Pool, req CreateRequest) (*pool.Future[*Manager], error) {
	return pool.Submit(p, pool.High, func() (*Manager, error) {
		return f.Create(req)
	})
}

// runStage executes a stage body and, on success, advances the lifecycle
// to next. On failure the lifecycle falls to FAILED and no further stages
// run.
func (f *Factory) runStage(m *Manager, stage Stage, next State, body func() error) error {
	if err := f.timeStage(stage, body); err != nil {
		f.failCreate(m, stage, err)
		return err
	}
	if err := m.Transition(next); err != nil {
		f.failCreate(m, stage, err)
		return err
	}
	return nil
}

func (f *Factory) timeStage(stage Stage, body func() error) error {
	start := time.Now()
	err := body()
	f.stageMu.Lock()
	f.stageTotalNs[stage] += time.Since(start).Nanoseconds()
	f.stageCount[stage]++
	f.stageMu.Unlock()
	return err
}

func (f *Factory) failCreate(m *Manager, stage Stage, err error) {
	m.Fail(fmt.Errorf("stage %s: %w", stage, err))
	f.failed.Add(1)
	slog.Error("bot construction failed", "guid", m.guid, "stage", stage.String(), "error", err)
	if f.onError != nil {
		f.onError(m.guid, err)
	}
}

// Destroy finishes the removal path: REMOVING → DESTROYED with world
// removal in between. The caller must already have transitioned to
// REMOVING.
func (f *Factory) Destroy(m *Manager) error {
	if m.State() != Removing {
		return fmt.Errorf("%w: destroy requires REMOVING, bot %s is %s",
			ErrIllegalTransition, m.GUID(), m.State())
	}
	if err := f.entities.RemoveFromWorld(m.GUID()); err != nil {
		return fmt.Errorf("remove from world: %w", err)
	}
	if err := m.Transition(Destroyed); err != nil {
		return err
	}
	f.destroyed.Add(1)
	return nil
}

// Statistics is the factory counters snapshot.
type Statistics struct {
	Created   uint64
	Failed    uint64
	Destroyed uint64
	StageAvg  map[string]time.Duration
}

// Statistics returns the aggregate construction metrics.
func (f *Factory) Statistics() Statistics {
	s := Statistics{
		Created:   f.created.Load(),
		Failed:    f.failed.Load(),
		Destroyed: f.destroyed.Load(),
		StageAvg:  make(map[string]time.Duration, numStages),
	}
	f.stageMu.Lock()
	for i := Stage(0); i < numStages; i++ {
		if f.stageCount[i] > 0 {
			s.StageAvg[i.String()] = time.Duration(f.stageTotalNs[i] / f.stageCount[i])
		}
	}
	f.stageMu.Unlock()
	return s
}
