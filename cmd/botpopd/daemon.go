package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/travsart/botpop/internal/activity"
	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/command"
	"github.com/travsart/botpop/internal/config"
	"github.com/travsart/botpop/internal/demand"
	"github.com/travsart/botpop/internal/flow"
	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/lifecycle"
	"github.com/travsart/botpop/internal/metrics"
	"github.com/travsart/botpop/internal/persistence"
	"github.com/travsart/botpop/internal/pid"
	"github.com/travsart/botpop/internal/pool"
	"github.com/travsart/botpop/internal/population"
	"github.com/travsart/botpop/internal/protect"
	"github.com/travsart/botpop/internal/retire"
)

// daemon is the composition root: every subsystem wired together over
// one host.Host.
type daemon struct {
	cfg       config.Config
	log       *slog.Logger
	host      host.Host
	db        *persistence.DB
	pool      *pool.Pool
	detector  *pool.DeadlockDetector
	monitor   *pool.Monitor
	brackets  *bracket.Set
	registry  *protect.Registry
	providers []protect.Provider
	predictor *flow.Predictor
	tracker   *activity.Tracker
	calc      *demand.Calculator
	pid       *pid.Controller
	retire    *retire.Manager
	factory   *lifecycle.Factory
	ctrl      *population.Controller
	console   *command.Console

	botMu sync.Mutex
	bots  map[uuid.UUID]*lifecycle.Manager
	names uint64
}

// exitHooks adapts the lifecycle factory to the retirement pipeline.
// Rescue only happens during cooling, before the bot ever leaves ACTIVE,
// so ExitCancelled has nothing to undo.
type exitHooks struct{ d *daemon }

func (h exitHooks) ExitStarted(guid uuid.UUID) error {
	h.d.botMu.Lock()
	m, ok := h.d.bots[guid]
	h.d.botMu.Unlock()
	if !ok {
		// restored from a previous run; the host still owns the entity
		return nil
	}
	return m.Transition(lifecycle.Removing)
}

func (h exitHooks) ExitFinished(guid uuid.UUID) error {
	h.d.botMu.Lock()
	m, ok := h.d.bots[guid]
	delete(h.d.bots, guid)
	h.d.botMu.Unlock()
	if ok {
		if err := h.d.factory.Destroy(m); err != nil {
			return err
		}
	}
	h.d.ctrl.OnBotDeleted(guid)
	return nil
}

func (h exitHooks) ExitCancelled(uuid.UUID) {}

// newDaemon wires the full engine. The caller owns shutdown ordering.
func newDaemon(cfg config.Config, h host.Host, db *persistence.DB, log *slog.Logger) (*daemon, error) {
	set, err := bracket.NewSet(cfg.Population.Total, cfg.Population.BracketTargets())
	if err != nil {
		return nil, fmt.Errorf("bracket targets: %w", err)
	}

	d := &daemon{
		cfg:      cfg,
		log:      log,
		host:     h,
		db:       db,
		brackets: set,
		bots:     make(map[uuid.UUID]*lifecycle.Manager),
	}

	d.pool = pool.New(cfg.Pool.PoolConfig())
	if cfg.Detector.Enabled {
		d.detector = pool.NewDeadlockDetector(d.pool, cfg.Detector.DetectorConfig())
	}
	if cfg.Monitor.Enabled {
		d.monitor = pool.NewMonitor(d.pool, d.detector, cfg.Monitor.MonitorConfig())
	}

	d.registry = protect.NewRegistry(h.Clock, cfg.Protection.RegistryConfig())
	d.providers = []protect.Provider{
		protect.NewGuildProvider(h.Players, d.roster),
		protect.NewMailProvider(h.Mail, d.roster),
		protect.NewAuctionProvider(h.Auctions, d.roster),
	}
	for _, p := range d.providers {
		d.registry.AttachProvider(p)
	}
	d.predictor = flow.NewPredictor(h.Clock, set)
	if db != nil {
		d.predictor.SetTransitionSink(func(guid uuid.UUID, tier bracket.Tier, dur time.Duration, at time.Time) {
			if err := db.RecordTransition(guid, tier, dur, at); err != nil {
				log.Error("record transition failed", "guid", guid, "error", err)
			}
		})
	}
	d.tracker = activity.NewTracker(h.Clock, set, activity.DefaultStaleAfter)
	d.calc = demand.NewCalculator(cfg.Demand.CalculatorConfig(), h.Clock, set,
		d.predictor, d.tracker, h.Zones, nil, time.Now().UnixNano())
	d.pid = pid.NewController(cfg.PID.Tuning())
	d.retire = retire.NewManager(cfg.Retirement.ManagerConfig(), h, d.registry, exitHooks{d}, log)
	d.factory = lifecycle.NewFactory(h.Entities, func(guid uuid.UUID, err error) {
		log.Error("bot construction failed", "guid", guid, "error", err)
	})

	d.ctrl = population.NewController(cfg.Population.ControllerConfig(), population.Deps{
		Clock:     h.Clock,
		Brackets:  set,
		Registry:  d.registry,
		Predictor: d.predictor,
		Tracker:   d.tracker,
		Calc:      d.calc,
		PID:       d.pid,
		Retire:    d.retire,
		Pool:      d.pool,
		Spawn:     d.spawnBot,
		Players:   h.Players,
		Log:       log,
	})

	d.console = &command.Console{
		Pool:     d.pool,
		Detector: d.detector,
		Brackets: set,
		Retire:   d.retire,
		Ctrl:     d.ctrl,
	}

	if h.Events != nil {
		h.Events.Subscribe(d.onHostEvent)
	}

	if db != nil {
		if err := d.restore(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// onHostEvent routes host notifications to the subsystem that consumes
// them. Combat is delivered through the bot's lifecycle queue so events
// arriving before ACTIVE are deferred instead of dropped.
func (d *daemon) onHostEvent(ev host.Event) {
	switch ev.Kind {
	case host.EventPlayerLogin, host.EventPlayerZoneChange, host.EventPlayerLevelUp:
		d.ctrl.OnPlayerLogin(ev.Player)
	case host.EventPlayerLogout:
		d.ctrl.OnPlayerLogout(ev.Player.ID)
	case host.EventGroupChange:
		if ev.Player.ID != 0 {
			d.ctrl.OnPlayerLogin(ev.Player)
		}
		if ev.Bot != uuid.Nil {
			d.registry.OnGroupChange(ev.Bot, ev.InGroup)
		}
	case host.EventGuildChange:
		d.registry.OnGuildChange(ev.Bot, ev.GuildID)
	case host.EventFriendAdd:
		d.registry.OnFriendAdded(ev.Bot, ev.Player.ID)
	case host.EventFriendRemove:
		d.registry.OnFriendRemoved(ev.Bot, ev.Player.ID)
	case host.EventTrade, host.EventWhisper:
		d.registry.OnInteraction(ev.Bot, ev.Player.ID)
	case host.EventCombat:
		d.botMu.Lock()
		m, ok := d.bots[ev.Bot]
		d.botMu.Unlock()
		if ok {
			m.Deliver(lifecycle.Event{Kind: lifecycle.EventCombat, Payload: ev.Player.ID})
		}
	}
}

// roster snapshots the GUIDs of every live bot for provider sweeps.
func (d *daemon) roster() []uuid.UUID {
	d.botMu.Lock()
	defer d.botMu.Unlock()
	out := make([]uuid.UUID, 0, len(d.bots))
	for guid := range d.bots {
		out = append(out, guid)
	}
	return out
}

// spawnBot runs the construction pipeline for one spawn request and
// registers the new bot with the orchestrator.
func (d *daemon) spawnBot(req demand.SpawnRequest) error {
	d.botMu.Lock()
	d.names++
	n := d.names
	d.botMu.Unlock()

	m, err := d.factory.Create(lifecycle.CreateRequest{
		Name:  fmt.Sprintf("bot-%06d", n),
		Level: req.Level,
		Class: uint8(1 + n%12),
		MapID: req.MapID,
	})
	if err != nil {
		return err
	}
	if err := m.MarkActive(); err != nil {
		return err
	}

	d.botMu.Lock()
	d.bots[m.GUID()] = m
	d.botMu.Unlock()

	d.ctrl.OnBotCreated(m.GUID(), req.Level)
	return nil
}

// restore loads persisted engine state: protection statuses, the
// retirement queue, and flow statistics.
func (d *daemon) restore() error {
	statuses, err := d.db.LoadProtectionStatuses()
	if err != nil {
		return fmt.Errorf("restore protection: %w", err)
	}
	for _, s := range statuses {
		d.registry.Restore(s)
	}

	queue, err := d.db.LoadRetirementQueue()
	if err != nil {
		return fmt.Errorf("restore retirement queue: %w", err)
	}
	for _, c := range queue {
		d.retire.Restore(c)
	}

	for t := bracket.Tier(0); t < bracket.NumTiers; t++ {
		stats, ok, err := d.db.LoadFlowStats(t)
		if err != nil {
			return fmt.Errorf("restore flow stats: %w", err)
		}
		if ok {
			d.predictor.Restore(t, stats)
		}
	}

	d.log.Info("state restored",
		"protection_statuses", len(statuses),
		"retirement_queue", len(queue))
	return nil
}

// sync flushes dirty engine state to the database.
func (d *daemon) sync() error {
	if d.db == nil {
		return nil
	}
	if err := d.db.Sync(d.registry, d.retire); err != nil {
		return err
	}
	for t := bracket.Tier(0); t < bracket.NumTiers; t++ {
		if err := d.db.SaveFlowStats(t, d.predictor.Stats(t)); err != nil {
			return err
		}
	}
	cutoff := d.host.Clock.Now().AddDate(0, 0, -d.cfg.Flow.HistoryDays)
	if n, err := d.db.PruneTransitions(cutoff); err != nil {
		return err
	} else if n > 0 {
		d.log.Debug("pruned transition history", "rows", n)
	}
	return nil
}

// run blocks until ctx is cancelled, then shuts everything down in
// reverse dependency order.
func (d *daemon) run(ctx context.Context) error {
	if d.detector != nil {
		d.detector.Start()
		defer d.detector.Stop()
	}
	if d.monitor != nil {
		if err := d.monitor.Start(); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
		defer d.monitor.Stop()
	}
	defer d.pool.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.ctrl.Run(ctx) })

	// Mail and auctions change behind the engine's back; re-sync the
	// refresh-hungry providers on the analysis cadence.
	g.Go(func() error {
		interval := time.Duration(d.cfg.Population.AnalysisIntervalSec) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
				d.registry.RefreshProviders(d.providers, d.roster)
			}
		}
	})

	// operator console on stdin; detached so a blocked read never holds
	// up shutdown
	go d.consoleLoop(ctx)

	if d.db != nil && d.cfg.Database.SyncIntervalSec > 0 {
		g.Go(func() error {
			tick := time.NewTicker(time.Duration(d.cfg.Database.SyncIntervalSec) * time.Second)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-tick.C:
					if err := d.sync(); err != nil {
						d.log.Error("periodic sync failed", "error", err)
					}
				}
			}
		})
	}

	if d.cfg.Metrics.Enabled {
		collector := metrics.NewCollector(d.pool, d.brackets, d.calc, d.predictor, d.retire, d.ctrl)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(collector))
		srv := &http.Server{Addr: d.cfg.Metrics.ListenAddr, Handler: mux}

		g.Go(func() error {
			d.log.Info("metrics listening", "addr", d.cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if syncErr := d.sync(); syncErr != nil {
		d.log.Error("final sync failed", "error", syncErr)
	}
	return err
}

// consoleLoop reads operator commands from stdin and dispatches them to
// the command tree, one line per invocation.
func (d *daemon) consoleLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}
		root := &cobra.Command{Use: "botpop", SilenceUsage: true}
		root.AddCommand(d.console.ThreadPoolCommand(), d.console.PopulationCommand())
		root.SetArgs(args)
		root.SetOut(os.Stdout)
		root.SetErr(os.Stdout)
		if err := root.Execute(); err != nil {
			fmt.Fprintln(os.Stdout, err)
		}
	}
}

// newLogger builds the slog root from config.
func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
