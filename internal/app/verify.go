package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/trustmonitor/internal/output"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

var (
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify manifest hashes and the manifest signature once",
		Long: `Runs the two-stage verification without booting: every protected file is
hashed and compared with the manifest, then the manifest's detached
signature is checked against the device public key. The signature is only
checked when every hash matches.

Exit codes: 0 verified, 4 integrity failed, 5 signature failed,
11 manifest, signature or public key missing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()
			return runVerify(e, cmd.OutOrStdout())
		},
	}

	manifestCmd = &cobra.Command{
		Use:   "manifest",
		Short: "Manage the hash manifest",
	}

	manifestBuildCmd = &cobra.Command{
		Use:   "build",
		Short: "Regenerate the manifest from the current tree",
		Long: `Walks the protected root and rewrites the manifest. Run this only after a
legitimate change; the existing signature stops matching and the manifest
must be signed again before the next boot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(false)
			if err != nil {
				return err
			}
			defer e.Close()
			return runManifestBuild(e, cmd.OutOrStdout())
		},
	}
)

func init() {
	manifestCmd.AddCommand(manifestBuildCmd)
	RootCmd.AddCommand(verifyCmd)
	RootCmd.AddCommand(manifestCmd)
}

func runVerify(e *env, w io.Writer) error {
	v := trust.NewVerifier(e.cfg, e.logger)
	if err := v.Preflight(); err != nil {
		return err
	}

	spinner := output.NewSpinner("Verifying " + e.cfg.Paths.Root)
	spinner.Start()
	rep, err := v.Verify()
	spinner.Stop()

	fmt.Fprint(w, output.RenderVerifyReport(rep))
	if err == nil {
		fmt.Fprintln(w, "✓ Protected tree verified")
	}
	return err
}

func runManifestBuild(e *env, w io.Writer) error {
	v := trust.NewVerifier(e.cfg, e.logger)
	m, err := v.Rebuild()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ Manifest written: %s (%d files)\n", v.ManifestPath(), m.Len())
	fmt.Fprintf(w, "\nSign it before the next boot:\n  trustmonitor-signer sign --key <private key> %s\n", v.ManifestPath())
	return nil
}
