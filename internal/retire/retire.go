// Package retire drives surplus bots out of the world: a cooling queue
// that protection changes can rescue, rate caps, and a multi-stage
// graceful exit that settles the bot's affairs before deletion.
package retire

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/protect"
)

// State is a candidate's position in the retirement pipeline.
type State int

const (
	StateNone State = iota
	StatePending
	StateCooling
	StatePreparing
	StateExiting
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StatePending:
		return "PENDING"
	case StateCooling:
		return "COOLING"
	case StatePreparing:
		return "PREPARING"
	case StateExiting:
		return "EXITING"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stage is one step of the graceful exit.
type Stage int

const (
	StageLeavingGuild Stage = iota
	StageClearingMail
	StageCancellingAuctions
	StageSavingState
	StageLoggingOut
	StageDeletingCharacter
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageLeavingGuild:
		return "LeavingGuild"
	case StageClearingMail:
		return "ClearingMail"
	case StageCancellingAuctions:
		return "CancellingAuctions"
	case StageSavingState:
		return "SavingState"
	case StageLoggingOut:
		return "LoggingOut"
	case StageDeletingCharacter:
		return "DeletingCharacter"
	case StageComplete:
		return "Complete"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// stageRetryCap is the per-stage attempt budget before force-skip.
const stageRetryCap = 3

var (
	ErrDisabled      = errors.New("retirement disabled")
	ErrAlreadyQueued = errors.New("bot already queued for retirement")
	ErrProtected     = errors.New("bot is protected")
	ErrNotQueued     = errors.New("bot not in retirement queue")
)

// Config tunes the queue, caps, and scoring weights.
type Config struct {
	Enabled             bool
	CoolingPeriodDays   int
	MaxPerHour          int
	MaxPerDay           int
	PeakHourStart       int
	PeakHourEnd         int
	AvoidPeakHours      bool
	GracefulExitTimeout time.Duration

	OverpopulationWeight float64
	TimeInBracketWeight  float64
	PlaytimeWeight       float64
	InteractionWeight    float64
	MinOverpopulation    float64
	MinPlaytimeMinutes   int

	PersistToDatabase bool
	DBSyncInterval    time.Duration
}

// DefaultConfig matches the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		CoolingPeriodDays:    7,
		MaxPerHour:           10,
		MaxPerDay:            50,
		PeakHourStart:        18,
		PeakHourEnd:          23,
		AvoidPeakHours:       true,
		GracefulExitTimeout:  30 * time.Second,
		OverpopulationWeight: 10,
		TimeInBracketWeight:  0.5,
		PlaytimeWeight:       0.01,
		InteractionWeight:    1,
		MinOverpopulation:    0.05,
		DBSyncInterval:       time.Minute,
	}
}

// Audit records what the graceful exit actually did to one bot.
type Audit struct {
	LeadershipTransferred bool
	GuildLeft             bool
	MailItemsCleared      int
	AuctionsCancelled     int
	CharacterDeleted      bool
	ForcedSkips           []Stage
	CancelReason          string
}

// Candidate is one bot in the retirement pipeline.
type Candidate struct {
	GUID          uuid.UUID
	Reason        string
	State         State
	Stage         Stage
	StageAttempts int
	QueuedAt      time.Time
	CoolingEndsAt time.Time
	FinishedAt    time.Time
	Audit         Audit
}

// LifecycleHooks lets the manager drive bot lifecycle transitions without
// owning the lifecycle package. The composition root wires these to the
// factory and registry.
type LifecycleHooks interface {
	// ExitStarted moves the bot out of ACTIVE before stages run.
	ExitStarted(guid uuid.UUID) error
	// ExitFinished removes the destroyed bot from the world registries.
	ExitFinished(guid uuid.UUID) error
	// ExitCancelled undoes ExitStarted's effects after a rescue; rescued
	// candidates that never left ACTIVE get a no-op.
	ExitCancelled(guid uuid.UUID)
}

// NopHooks is a LifecycleHooks that does nothing.
type NopHooks struct{}

func (NopHooks) ExitStarted(uuid.UUID) error  { return nil }
func (NopHooks) ExitFinished(uuid.UUID) error { return nil }
func (NopHooks) ExitCancelled(uuid.UUID)      {}

// Manager owns the retirement queue.
type Manager struct {
	cfg      Config
	clock    host.Clock
	players  host.PlayerRegistry
	guilds   host.GuildOps
	mail     host.MailOps
	auctions host.AuctionOps
	entities host.EntityOps
	registry *protect.Registry
	hooks    LifecycleHooks
	log      *slog.Logger

	mu    sync.Mutex
	queue map[uuid.UUID]*Candidate
	order []uuid.UUID // FIFO processing order

	hourMark  time.Time
	dayMark   time.Time
	hourCount int
	dayCount  int

	completed  uint64
	cancelled  uint64
	forceSkips uint64
}

// NewManager wires the queue and subscribes to protection changes so a
// cooling candidate that gains protection is rescued automatically.
func NewManager(cfg Config, h host.Host, registry *protect.Registry, hooks LifecycleHooks, log *slog.Logger) *Manager {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		clock:    h.Clock,
		players:  h.Players,
		guilds:   h.Guilds,
		mail:     h.Mail,
		auctions: h.Auctions,
		entities: h.Entities,
		registry: registry,
		hooks:    hooks,
		log:      log.With("component", "retire"),
		queue:    make(map[uuid.UUID]*Candidate),
	}
	if registry != nil {
		registry.Subscribe(m.onProtectionChange)
	}
	return m
}

func (m *Manager) onProtectionChange(ev protect.ChangeEvent) {
	if !ev.Gained {
		return
	}
	reason := ev.Detail
	if reason == "" {
		reason = ev.Reason.String()
	}
	// Ignore errors: most change events concern bots that are not queued.
	_ = m.Cancel(ev.GUID, reason)
}

// Queue enters a bot into the pipeline: Pending, then immediately Cooling
// with the configured window.
func (m *Manager) Queue(guid uuid.UUID, reason string) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}
	if m.registry != nil && m.registry.IsProtected(guid) {
		return ErrProtected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.queue[guid]; ok && c.State < StateCompleted {
		return ErrAlreadyQueued
	}

	now := m.clock.Now()
	c := &Candidate{
		GUID:          guid,
		Reason:        reason,
		State:         StatePending,
		QueuedAt:      now,
		CoolingEndsAt: now.AddDate(0, 0, m.cfg.CoolingPeriodDays),
	}
	c.State = StateCooling
	m.queue[guid] = c
	m.order = append(m.order, guid)

	m.log.Info("bot queued for retirement",
		"guid", guid, "reason", reason, "cooling_ends", c.CoolingEndsAt)
	return nil
}

// Cancel rescues a candidate still in its cooling window. Candidates
// already exiting cannot be pulled back.
func (m *Manager) Cancel(guid uuid.UUID, reason string) error {
	m.mu.Lock()
	c, ok := m.queue[guid]
	if !ok || c.State > StateCooling {
		m.mu.Unlock()
		return ErrNotQueued
	}
	c.State = StateCancelled
	c.Audit.CancelReason = reason
	c.FinishedAt = m.clock.Now()
	m.cancelled++
	m.removeFromOrder(guid)
	m.mu.Unlock()

	m.hooks.ExitCancelled(guid)
	m.log.Info("retirement cancelled", "guid", guid, "reason", reason)
	return nil
}

func (m *Manager) removeFromOrder(guid uuid.UUID) {
	for i, g := range m.order {
		if g == guid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// CanProcessMore reports whether rate limits admit another retirement
// right now.
func (m *Manager) CanProcessMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canProcessLocked()
}

func (m *Manager) canProcessLocked() bool {
	now := m.clock.Now()
	m.rollCountersLocked(now)

	if m.cfg.MaxPerHour > 0 && m.hourCount >= m.cfg.MaxPerHour {
		return false
	}
	if m.cfg.MaxPerDay > 0 && m.dayCount >= m.cfg.MaxPerDay {
		return false
	}
	if m.cfg.AvoidPeakHours && inPeakWindow(now.Hour(), m.cfg.PeakHourStart, m.cfg.PeakHourEnd) {
		return false
	}
	return true
}

// inPeakWindow treats start > end as a window spanning midnight.
func inPeakWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

func (m *Manager) rollCountersLocked(now time.Time) {
	hour := now.Truncate(time.Hour)
	if !hour.Equal(m.hourMark) {
		m.hourMark = hour
		m.hourCount = 0
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !day.Equal(m.dayMark) {
		m.dayMark = day
		m.dayCount = 0
	}
}

// Tick advances the pipeline: expired cooling candidates are admitted
// against the rate caps and driven through the graceful exit.
func (m *Manager) Tick() {
	if !m.cfg.Enabled {
		return
	}

	for {
		c := m.nextDue()
		if c == nil {
			return
		}
		m.exit(c)
	}
}

// nextDue admits the oldest cooling-expired candidate, consuming one
// rate-cap slot, or returns nil.
func (m *Manager) nextDue() *Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.canProcessLocked() {
		return nil
	}
	now := m.clock.Now()
	for _, guid := range m.order {
		c := m.queue[guid]
		if c.State != StateCooling || now.Before(c.CoolingEndsAt) {
			continue
		}
		c.State = StatePreparing
		m.hourCount++
		m.dayCount++
		m.removeFromOrder(guid)
		return c
	}
	return nil
}

// exit drives one candidate through every stage. A failing stage retries
// up to the cap, then is force-skipped and flagged in the audit.
func (m *Manager) exit(c *Candidate) {
	if err := m.hooks.ExitStarted(c.GUID); err != nil {
		m.log.Error("exit start rejected, cancelling", "guid", c.GUID, "error", err)
		m.mu.Lock()
		c.State = StateCancelled
		c.Audit.CancelReason = err.Error()
		c.FinishedAt = m.clock.Now()
		m.cancelled++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	c.State = StateExiting
	m.mu.Unlock()

	for stage := StageLeavingGuild; stage < StageComplete; stage++ {
		m.mu.Lock()
		c.Stage = stage
		c.StageAttempts = 0
		m.mu.Unlock()

		var err error
		for attempt := 1; attempt <= stageRetryCap; attempt++ {
			m.mu.Lock()
			c.StageAttempts = attempt
			m.mu.Unlock()

			if err = m.runStageTimed(c, stage); err == nil {
				break
			}
			m.log.Warn("exit stage failed",
				"guid", c.GUID, "stage", stage, "attempt", attempt, "error", err)
			if errors.Is(err, ErrStageTimeout) {
				// The host call never returned; retrying the stage would
				// stack more blocked calls behind it.
				break
			}
		}
		if err != nil {
			m.mu.Lock()
			c.Audit.ForcedSkips = append(c.Audit.ForcedSkips, stage)
			m.forceSkips++
			m.mu.Unlock()
			m.log.Error("exit stage force-skipped", "guid", c.GUID, "stage", stage)
		}
	}

	if err := m.hooks.ExitFinished(c.GUID); err != nil {
		m.log.Error("exit finish hook failed", "guid", c.GUID, "error", err)
	}
	if m.registry != nil {
		m.registry.OnBotDeleted(c.GUID)
	}

	m.mu.Lock()
	c.Stage = StageComplete
	c.State = StateCompleted
	c.FinishedAt = m.clock.Now()
	m.completed++
	m.mu.Unlock()

	m.log.Info("bot retired", "guid", c.GUID,
		"mail_cleared", c.Audit.MailItemsCleared,
		"auctions_cancelled", c.Audit.AuctionsCancelled,
		"forced_skips", len(c.Audit.ForcedSkips))
}

// ErrStageTimeout marks a stage whose host call did not return within
// the graceful exit timeout.
var ErrStageTimeout = errors.New("exit stage timed out")

// runStageTimed bounds one stage attempt by the configured timeout. Host
// operations are synchronous, so a call that never returns leaks its
// goroutine; the pipeline moves on and force-skips the stage.
func (m *Manager) runStageTimed(c *Candidate, stage Stage) error {
	timeout := m.cfg.GracefulExitTimeout
	if timeout <= 0 {
		return m.runStage(c, stage)
	}
	done := make(chan error, 1)
	go func() { done <- m.runStage(c, stage) }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%s: %w after %s", stage, ErrStageTimeout, timeout)
	}
}

func (m *Manager) runStage(c *Candidate, stage Stage) error {
	switch stage {
	case StageLeavingGuild:
		return m.leaveGuild(c)
	case StageClearingMail:
		return m.clearMail(c)
	case StageCancellingAuctions:
		return m.cancelAuctions(c)
	case StageSavingState:
		return m.entities.SaveCharacter(c.GUID)
	case StageLoggingOut:
		return m.entities.Logout(c.GUID)
	case StageDeletingCharacter:
		if err := m.entities.DeleteCharacter(c.GUID); err != nil {
			return err
		}
		m.mu.Lock()
		c.Audit.CharacterDeleted = true
		m.mu.Unlock()
		return nil
	default:
		return nil
	}
}

// leaveGuild transfers leadership to a non-bot member first when the
// departing bot is guild master.
func (m *Manager) leaveGuild(c *Candidate) error {
	info, ok := m.players.Bot(c.GUID)
	if !ok || info.GuildID == 0 {
		return nil
	}
	if info.GuildMaster {
		members, err := m.guilds.GuildMembers(info.GuildID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member.IsBot || member.GUID == c.GUID {
				continue
			}
			if err := m.guilds.TransferLeadership(info.GuildID, member.GUID); err != nil {
				return err
			}
			m.mu.Lock()
			c.Audit.LeadershipTransferred = true
			m.mu.Unlock()
			break
		}
	}
	if err := m.guilds.LeaveGuild(c.GUID); err != nil {
		return err
	}
	m.mu.Lock()
	c.Audit.GuildLeft = true
	m.mu.Unlock()
	return nil
}

// clearMail returns item- or gold-bearing mail to its sender and deletes
// text-only mail.
func (m *Manager) clearMail(c *Candidate) error {
	pending, err := m.mail.PendingMail(c.GUID)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if msg.HasItems || msg.HasGold {
			err = m.mail.ReturnToSender(c.GUID, msg.ID)
		} else {
			err = m.mail.DeleteMail(c.GUID, msg.ID)
		}
		if err != nil {
			return err
		}
		m.mu.Lock()
		c.Audit.MailItemsCleared++
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) cancelAuctions(c *Candidate) error {
	auctions, err := m.auctions.ActiveAuctions(c.GUID)
	if err != nil {
		return err
	}
	for _, id := range auctions {
		if err := m.auctions.CancelAuction(c.GUID, id); err != nil {
			return err
		}
		m.mu.Lock()
		c.Audit.AuctionsCancelled++
		m.mu.Unlock()
	}
	return nil
}

// PriorityScore ranks a bot for retirement: higher retires sooner.
// Overpopulation and time in bracket push up; protection, playtime, and
// interactions push down.
func (m *Manager) PriorityScore(st protect.Status, info host.BotInfo, overpopRatio, hoursInBracket float64) float64 {
	return m.cfg.OverpopulationWeight*overpopRatio +
		m.cfg.TimeInBracketWeight*hoursInBracket -
		st.Score -
		m.cfg.PlaytimeWeight*float64(info.PlaytimeMinutes) -
		m.cfg.InteractionWeight*float64(st.InteractionCount)
}

// Eligible applies the selection floors: enough overpopulation and not a
// fresh character.
func (m *Manager) Eligible(info host.BotInfo, overpopRatio float64) bool {
	if overpopRatio < m.cfg.MinOverpopulation {
		return false
	}
	if m.cfg.MinPlaytimeMinutes > 0 && info.PlaytimeMinutes < m.cfg.MinPlaytimeMinutes {
		return false
	}
	return true
}

// Candidate returns a copy of a queued candidate.
func (m *Manager) Candidate(guid uuid.UUID) (Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.queue[guid]
	if !ok {
		return Candidate{}, false
	}
	return snapshotCandidate(c), true
}

// Candidates lists every tracked candidate, including finished ones that
// have not been purged yet.
func (m *Manager) Candidates() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, 0, len(m.queue))
	for _, c := range m.queue {
		out = append(out, snapshotCandidate(c))
	}
	return out
}

func snapshotCandidate(c *Candidate) Candidate {
	cp := *c
	cp.Audit.ForcedSkips = append([]Stage(nil), c.Audit.ForcedSkips...)
	return cp
}

// Purge drops finished candidates older than the retention window and
// returns how many were removed.
func (m *Manager) Purge(retain time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-retain)
	n := 0
	for guid, c := range m.queue {
		if c.State >= StateCompleted && c.FinishedAt.Before(cutoff) {
			delete(m.queue, guid)
			n++
		}
	}
	return n
}

// Stats is a point-in-time summary of the pipeline.
type Stats struct {
	Queued     int
	Cooling    int
	Exiting    int
	Completed  uint64
	Cancelled  uint64
	ForceSkips uint64
	HourCount  int
	DayCount   int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Completed:  m.completed,
		Cancelled:  m.cancelled,
		ForceSkips: m.forceSkips,
		HourCount:  m.hourCount,
		DayCount:   m.dayCount,
	}
	for _, c := range m.queue {
		switch c.State {
		case StatePending, StateCooling:
			s.Queued++
			if c.State == StateCooling {
				s.Cooling++
			}
		case StatePreparing, StateExiting:
			s.Exiting++
		}
	}
	return s
}

// Restore reinstates a persisted candidate, used at startup when
// retirement state survives restarts.
func (m *Manager) Restore(c Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.queue[c.GUID] = &cp
	if c.State == StatePending || c.State == StateCooling {
		m.order = append(m.order, c.GUID)
	}
}
