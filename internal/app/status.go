package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/store"
	"github.com/blackwell-systems/trustmonitor/internal/watchdog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show boot history, health, watchdog and snapshot state",
	Long: `Summarizes what the state database and status file hold: recent boots,
the latest health report, per-service watchdog records, snapshots, and
whether the monitor and watchdog last stopped cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(true)
		if err != nil {
			return err
		}
		defer e.Close()
		return runStatus(e, cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
}

func runStatus(e *env, w io.Writer) error {
	boots, err := e.store.ListBootEvents(5)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Boots")
	fmt.Fprint(w, output.RenderBootTable(boots))
	fmt.Fprintln(w)

	report, err := e.store.LatestHealthReport()
	if err != nil {
		return err
	}
	fmt.Fprint(w, output.RenderHealthReport(report))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Watchdog")
	rec, err := watchdog.ReadStatus(e.cfg.Watchdog.StatusFile)
	switch {
	case err == nil:
		fmt.Fprintf(w, "status file: %s, last action: %s\n", rec.Status, rec.LastAction)
	case os.IsNotExist(err):
		fmt.Fprintln(w, "status file: not written yet")
	default:
		fmt.Fprintf(w, "status file: unreadable (%v)\n", err)
	}
	records, err := e.store.ListWatchdogRecords()
	if err != nil {
		return err
	}
	fmt.Fprint(w, output.RenderWatchdogTable(records))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Snapshots")
	m := snapshots.New(e.cfg, e.store, e.logger)
	var all []*snapshots.Snapshot
	for _, c := range []snapshots.Category{snapshots.Critical, snapshots.Demo} {
		snaps, err := m.List(c)
		if err != nil {
			return err
		}
		all = append(all, snaps...)
	}
	fmt.Fprint(w, output.RenderSnapshotTable(all))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Processes")
	for _, component := range []string{"monitor", "watchdog"} {
		lr, err := e.store.GetLifecycle(component)
		if err != nil {
			return err
		}
		fmt.Fprint(w, output.RenderLifecycle(component, lr, lifecycleAlive(lr)))
	}
	return nil
}

func lifecycleAlive(r *store.LifecycleRecord) bool {
	return r != nil && r.StoppedAt == nil && daemon.Alive(r.PID)
}
