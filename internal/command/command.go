// Package command implements the operator console: cobra commands that
// inspect and poke the running engine. The daemon wires a Console up at
// startup; tests drive the commands directly with captured output.
package command

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/travsart/botpop/internal/bracket"
	"github.com/travsart/botpop/internal/pool"
	"github.com/travsart/botpop/internal/population"
	"github.com/travsart/botpop/internal/retire"
)

// Console holds the live subsystems the commands operate on.
type Console struct {
	Pool     *pool.Pool
	Detector *pool.DeadlockDetector
	Brackets *bracket.Set
	Retire   *retire.Manager
	Ctrl     *population.Controller
}

// ThreadPoolCommand builds the `threadpool` command tree.
func (c *Console) ThreadPoolCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "threadpool",
		Short: "Inspect and control the bot update thread pool",
	}
	root.AddCommand(
		c.statusCmd(),
		c.statsCmd(),
		c.workerCmd(),
		c.deadlockCmd(),
		c.traceCmd(),
		c.diagnosticsCmd(),
	)
	return root
}

// PopulationCommand builds the `population` command tree.
func (c *Console) PopulationCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "population",
		Short: "Inspect bracket balance and recent decisions",
	}
	root.AddCommand(c.bracketsCmd(), c.decisionsCmd(), c.retireStatsCmd())
	return root
}

func (c *Console) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "One-line pool health summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := c.Pool.SnapshotStats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"workers %d (%d active, %d sleeping), queued %d, in-flight %d, completed %s, failed %d, rejected %d\n",
				st.Workers, st.ActiveWorkers, st.SleepingWorkers,
				st.QueuedTotal, st.InFlight,
				humanize.Comma(int64(st.Completed)), st.Failed, st.Rejected)
			return nil
		},
	}
}

func (c *Console) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Full pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := c.Pool.SnapshotStats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "uptime:       %s\n", st.Uptime.Round(time.Second))
			fmt.Fprintf(w, "workers:      %d (%d active, %d sleeping)\n", st.Workers, st.ActiveWorkers, st.SleepingWorkers)
			fmt.Fprintf(w, "submitted:    %s\n", humanize.Comma(int64(st.Submitted)))
			fmt.Fprintf(w, "completed:    %s\n", humanize.Comma(int64(st.Completed)))
			fmt.Fprintf(w, "failed:       %d\n", st.Failed)
			fmt.Fprintf(w, "rejected:     %d\n", st.Rejected)
			fmt.Fprintf(w, "in-flight:    %d\n", st.InFlight)
			fmt.Fprintf(w, "throughput:   %.1f tasks/s\n", st.Throughput)
			fmt.Fprintf(w, "latency:      avg %s, p95 %s, max %s\n", st.AvgLatency, st.P95Latency, st.MaxLatency)
			fmt.Fprintf(w, "steals:       %d\n", st.Steals)
			fmt.Fprintf(w, "wakes:        %d (%d spurious)\n", st.Wakes, st.SpuriousWakes)
			fmt.Fprintf(w, "peak queue:   %d\n", st.PeakQueue)
			for prio, n := range st.Queued {
				fmt.Fprintf(w, "queued %-8s %d\n", pool.Priority(prio).String()+":", n)
			}
			return nil
		},
	}
}

func (c *Console) workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker <id>",
		Short: "Detailed diagnostics for one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("worker id must be an integer, got %q", args[0])
			}
			for _, snap := range c.Pool.WorkerSnapshots() {
				if snap.ID != id {
					continue
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "worker %d: %s for %s\n", snap.ID, snap.State, snap.StateAge.Round(time.Millisecond))
				fmt.Fprintf(w, "executed:   %d (%d failed)\n", snap.TasksExecuted, snap.TasksFailed)
				fmt.Fprintf(w, "steals:     %d/%d attempts\n", snap.Steals, snap.StealAttempts)
				fmt.Fprintf(w, "wakes:      %d (%d spurious)\n", snap.Wakes, snap.SpuriousWakes)
				fmt.Fprintf(w, "latency:    avg %s, p95 %s, max %s\n", snap.AvgLatency, snap.P95Latency, snap.MaxLatency)
				fmt.Fprintf(w, "trace:      %v\n", snap.TraceEnabled)
				for prio, n := range snap.QueueSizes {
					if n > 0 {
						fmt.Fprintf(w, "queued %s: %d\n", pool.Priority(prio), n)
					}
				}
				if snap.WaitLocation != nil {
					fmt.Fprintf(w, "waiting at: %s:%d (%s)\n",
						snap.WaitLocation.File, snap.WaitLocation.Line, snap.WaitLocation.Function)
				}
				if snap.LastFailure != "" {
					fmt.Fprintf(w, "last error: %s\n", snap.LastFailure)
				}
				return nil
			}
			return fmt.Errorf("no worker with id %d", id)
		},
	}
}

func (c *Console) deadlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadlock",
		Short: "Deadlock detector counters and the last report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Detector == nil {
				return fmt.Errorf("deadlock detector is not running")
			}
			st := c.Detector.Stats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "enabled:    %v\n", c.Detector.Enabled())
			fmt.Fprintf(w, "checks:     %d\n", st.Checks)
			fmt.Fprintf(w, "warnings:   %d\n", st.Warnings)
			fmt.Fprintf(w, "errors:     %d\n", st.Errors)
			fmt.Fprintf(w, "criticals:  %d\n", st.Criticals)
			fmt.Fprintf(w, "dumps:      %d\n", st.Dumps)
			fmt.Fprintf(w, "recoveries: %d\n", st.Recoveries)
			if st.Last != nil {
				fmt.Fprintf(w, "last: [%s] %s at %s (queued %d, sleeping %d/%d)\n",
					st.Last.Severity, st.Last.Reason,
					st.Last.At.Format(time.RFC3339),
					st.Last.QueuedTotal, st.Last.Sleeping, st.Last.Sleeping+st.Last.Active)
			} else {
				fmt.Fprintln(w, "last: none")
			}
			return nil
		},
	}
}

func (c *Console) traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <id> [on|off]",
		Short: "Toggle per-worker task tracing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("worker id must be an integer, got %q", args[0])
			}
			on := true
			if len(args) == 2 {
				on, err = parseToggle(args[1])
				if err != nil {
					return err
				}
			}
			if !c.Pool.SetTrace(id, on) {
				return fmt.Errorf("no worker with id %d", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trace for worker %d: %s\n", id, onOff(on))
			return nil
		},
	}
}

func (c *Console) diagnosticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics [on|off]",
		Short: "Enable or disable the deadlock detector",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Detector == nil {
				return fmt.Errorf("deadlock detector is not running")
			}
			if len(args) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "diagnostics: %s\n", onOff(c.Detector.Enabled()))
				return nil
			}
			on, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			c.Detector.SetEnabled(on)
			fmt.Fprintf(cmd.OutOrStdout(), "diagnostics: %s\n", onOff(on))
			return nil
		},
	}
}

func (c *Console) bracketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brackets",
		Short: "Current versus target population per level bracket",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for _, b := range c.Brackets.All() {
				fmt.Fprintf(w, "%-13s L%2d-%-2d  %4d / %-4d (%+.1f%%)\n",
					b.Tier, b.MinLevel, b.MaxLevel,
					b.Current(), b.Target(), b.Deviation()*100)
			}
			fmt.Fprintf(w, "total: %s / %s\n",
				humanize.Comma(c.Brackets.TotalCurrent()),
				humanize.Comma(c.Brackets.TotalPopulation()))
			return nil
		},
	}
}

func (c *Console) decisionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Recent controller decisions, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Ctrl == nil {
				return fmt.Errorf("population controller is not running")
			}
			decs := c.Ctrl.Decisions()
			if limit > 0 && len(decs) > limit {
				decs = decs[len(decs)-limit:]
			}
			w := cmd.OutOrStdout()
			for _, d := range decs {
				fmt.Fprintf(w, "%s %-9s %-13s %s\n",
					d.At.Format("15:04:05"), d.Kind, d.Tier, d.Note)
			}
			fmt.Fprintf(w, "%d decisions\n", len(decs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many")
	return cmd
}

func (c *Console) retireStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retirements",
		Short: "Retirement pipeline counters and queued bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.Retire == nil {
				return fmt.Errorf("retirement manager is not running")
			}
			st := c.Retire.Stats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "queued %d (cooling %d, exiting %d), completed %d, cancelled %d, forced skips %d\n",
				st.Queued, st.Cooling, st.Exiting, st.Completed, st.Cancelled, st.ForceSkips)
			fmt.Fprintf(w, "this hour %d, today %d\n", st.HourCount, st.DayCount)

			cands := c.Retire.Candidates()
			sort.Slice(cands, func(i, j int) bool { return cands[i].QueuedAt.Before(cands[j].QueuedAt) })
			for _, cand := range cands {
				fmt.Fprintf(w, "  %s %-9s queued %s\n",
					cand.GUID, cand.State, cand.QueuedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func parseToggle(arg string) (bool, error) {
	switch arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
