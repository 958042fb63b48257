package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/recovery"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

var (
	recoverAuto     bool
	recoverSnapshot string
	recoverRebuild  bool
	recoverReason   string

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Restore a trusted state after a halt or compromise",
		Long: `Runs one recovery pass:

  1. removes files matching recovery.artifact_globs
  2. takes a demo snapshot of the compromised tree for forensics
  3. restores the chosen critical snapshot, or, when there is none,
     strips recovery.marker_lines, regenerates the manifest and requests a
     new signature (signed locally if signature.private_key is set,
     otherwise written to recovery.signature_request_file)
  4. verifies hashes and signature again

Recovery succeeds only if step 4 passes. There is no automatic second pass.`,
		Example: `  # Restore the newest critical snapshot
  trustmonitor recover --auto

  # Restore a specific snapshot
  trustmonitor recover --snapshot 20260301_120000

  # No snapshot: clean, rebuild and request a signature
  trustmonitor recover --rebuild`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, b := range []bool{recoverAuto, recoverSnapshot != "", recoverRebuild} {
				if b {
					set++
				}
			}
			if set != 1 {
				return usageError("choose exactly one of --auto, --snapshot or --rebuild")
			}

			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()
			return runRecover(cmd.Context(), e, cmd.OutOrStdout(), recoverAuto, recoverSnapshot, recoverReason)
		},
	}
)

func init() {
	recoverCmd.Flags().BoolVar(&recoverAuto, "auto", false, "restore the newest critical snapshot")
	recoverCmd.Flags().StringVar(&recoverSnapshot, "snapshot", "", "restore this critical snapshot")
	recoverCmd.Flags().BoolVar(&recoverRebuild, "rebuild", false, "skip snapshots and regenerate the manifest")
	recoverCmd.Flags().StringVar(&recoverReason, "reason", "", "reason recorded with the forensic snapshot")
	RootCmd.AddCommand(recoverCmd)
}

func runRecover(ctx context.Context, e *env, w io.Writer, auto bool, snapshot, reason string) error {
	snaps := snapshots.New(e.cfg, e.store, e.logger)
	req := recovery.Request{Mode: recovery.ModeManual, Reason: reason}
	if auto {
		req.Mode = recovery.ModeAuto
	}
	if snapshot != "" {
		target, err := snaps.Get(snapshots.Critical, snapshot)
		if err != nil {
			return usageError("%v", err)
		}
		req.Target = target
	}

	orch := recovery.New(e.cfg, snaps, trust.NewVerifier(e.cfg, e.logger), nil, e.logger)

	spinner := output.NewSpinner("Recovering " + e.cfg.Paths.Root)
	spinner.Start()
	res := orch.Recover(ctx, req)
	spinner.Stop()

	fmt.Fprintf(w, "Recovery %s (%s mode)\n", res.ID, res.Mode)
	for _, s := range res.Steps {
		mark := "✓"
		if !s.OK {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %-18s %s", mark, s.Name, s.Detail)
		if s.Err != nil {
			line += fmt.Sprintf(" (%v)", s.Err)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprint(w, output.RenderVerifyReport(res.Verification))

	if res.OK {
		fmt.Fprintln(w, "✓ Recovery complete; the next boot will verify")
		return nil
	}
	if res.Rebuilt && res.SignatureDetail != "" {
		fmt.Fprintf(w, "  %s\n", res.SignatureDetail)
	}
	fmt.Fprintln(w, "✗ Recovery failed; human intervention required")
	return res.Err()
}
