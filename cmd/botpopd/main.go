// Command botpopd runs the bot population engine. Without a game server
// attached it drives the in-memory demo host, which is enough to watch
// the controller balance brackets, spawn bots, and retire the surplus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/travsart/botpop/internal/config"
	"github.com/travsart/botpop/internal/host"
	"github.com/travsart/botpop/internal/persistence"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "botpopd",
		Short:         "Player-bot population engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the engine against the built-in demo host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: %d bots across 4 brackets, db %s\n",
				cfg.Population.Total, cfg.Database.Path)
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runDaemon(cfg config.Config) error {
	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := persistence.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info("database opened", "path", cfg.Database.Path)

	fake := host.NewFake()
	seedDemoWorld(fake)
	h := fake.Host(host.SystemClock{})

	d, err := newDaemon(cfg, h, db, log)
	if err != nil {
		return err
	}

	// a handful of simulated players so demand has something to chase
	for _, p := range demoPlayers() {
		fake.Publish(host.Event{Kind: host.EventPlayerLogin, Player: p})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("engine starting",
		"target_population", cfg.Population.Total,
		"workers", cfg.Pool.NumThreads,
		"metrics", cfg.Metrics.ListenAddr)

	return d.run(ctx)
}

// seedDemoWorld fills the fake host with enough zone content to cover
// every bracket.
func seedDemoWorld(f *host.Fake) {
	f.ZoneList = []host.Zone{
		{ID: 12, Name: "Elwynn Forest", MapID: 0, MinLevel: 1, MaxLevel: 10, QuestHub: true},
		{ID: 14, Name: "Durotar", MapID: 1, MinLevel: 1, MaxLevel: 10, QuestHub: true},
		{ID: 40, Name: "Westfall", MapID: 0, MinLevel: 10, MaxLevel: 60},
		{ID: 331, Name: "Ashenvale", MapID: 1, MinLevel: 10, MaxLevel: 60, QuestHub: true},
		{ID: 1524, Name: "Uldaman", MapID: 0, MinLevel: 35, MaxLevel: 60},
		{ID: 2022, Name: "The Waking Shores", MapID: 2444, MinLevel: 60, MaxLevel: 70, QuestHub: true},
		{ID: 2023, Name: "Ohn'ahran Plains", MapID: 2444, MinLevel: 60, MaxLevel: 70},
		{ID: 2248, Name: "Isle of Dorn", MapID: 2552, MinLevel: 70, MaxLevel: 80, QuestHub: true},
		{ID: 2215, Name: "Hallowfall", MapID: 2552, MinLevel: 70, MaxLevel: 80},
	}
}

func demoPlayers() []host.PlayerInfo {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	zones := []struct {
		zone, area uint32
		mapID      uint32
		minL, maxL int
	}{
		{12, 9, 0, 1, 10},
		{331, 415, 1, 10, 60},
		{2022, 13644, 2444, 60, 70},
		{2248, 14753, 2552, 70, 80},
	}
	players := make([]host.PlayerInfo, 0, 12)
	for i := 0; i < 12; i++ {
		z := zones[i%len(zones)]
		players = append(players, host.PlayerInfo{
			ID:              host.PlayerID(1000 + i),
			Name:            fmt.Sprintf("player%02d", i),
			Level:           z.minL + rng.Intn(z.maxL-z.minL+1),
			ZoneID:          z.zone,
			AreaID:          z.area,
			MapID:           z.mapID,
			PlaytimeMinutes: rng.Intn(20000),
		})
	}
	return players
}
