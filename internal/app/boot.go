package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/trustmonitor/internal/boot"
	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	"github.com/blackwell-systems/trustmonitor/internal/hal"
	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

var (
	bootVerifyOnly bool

	bootCmd = &cobra.Command{
		Use:   "boot",
		Short: "Verify the protected tree and enter operational mode",
		Long: `Runs the boot sequence: BOOTING, VERIFYING, then HEALTHY or HALTED.

On HEALTHY the health monitor and watchdog start in this process, exactly
as with 'trustmonitor run', unless --verify-only is given.

On HALTED the process stays halted: the indicator shows error and the
failure reason is logged every boot.halt_announce_interval until the
process is stopped. It never resumes by itself; run 'trustmonitor recover'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx, stop := daemon.SignalContext(cmd.Context())
			defer stop()
			return runBoot(ctx, e, cmd.OutOrStdout(), bootVerifyOnly || e.cfg.Boot.VerifyOnly)
		},
	}
)

func init() {
	bootCmd.Flags().BoolVar(&bootVerifyOnly, "verify-only", false, "exit after a successful boot instead of starting the loops")
	RootCmd.AddCommand(bootCmd)
}

func runBoot(ctx context.Context, e *env, w io.Writer, verifyOnly bool) error {
	indicator := hal.SelectIndicator(e.cfg.Indicator, e.logger)
	seq := boot.New(trust.NewVerifier(e.cfg, e.logger), indicator, e.store, e.cfg.Boot.HaltAnnounceInterval, e.logger)

	out, err := seq.Boot(ctx)
	fmt.Fprint(w, output.RenderVerifyReport(out.Report))
	if err != nil {
		fmt.Fprintf(w, "✗ Boot halted: %s\n", out.Reason)
		fmt.Fprintf(w, "  Boot ID: %s\n", out.BootID)
		fmt.Fprintln(w, "  Action: inspect the tree, then run 'trustmonitor recover --auto'")
		return seq.Halt(ctx)
	}

	fmt.Fprintf(w, "✓ Boot verified (boot %s)\n", out.BootID)
	if verifyOnly {
		return nil
	}
	return runLoops(ctx, e, indicator)
}
