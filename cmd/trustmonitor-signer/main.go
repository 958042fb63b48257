// Command trustmonitor-signer is the offline half of the trust chain. It
// generates signing keys and signs manifests on a build host. The device
// only ever holds the public key.
//
// It is built and shipped separately from trustmonitor so the signing key
// never has to exist on the device.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/trustmonitor/internal/signature"
)

var (
	keygenScheme string
	keygenName   string
	keygenOut    string
	keyPath      string
	sigPath      string
)

var rootCmd = &cobra.Command{
	Use:           "trustmonitor-signer",
	Short:         "Generate keys and sign trustmonitor manifests",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing key pair",
	Long: `Generate a signing key pair in --out. The private key is written with
mode 0600 and must stay on the build host. Install the .pub file on the
device outside the protected tree (default /etc/trustmonitor/public.pem)
or on read-only media, and point signature.public_key at it.`,
	Example: `  trustmonitor-signer keygen --name factory-2026 --out ./keys
  trustmonitor-signer keygen --scheme pem --out ./keys`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scheme, err := signature.ParseScheme(keygenScheme)
		if err != nil {
			return err
		}
		kp, err := signature.GenerateKey(scheme, keygenName)
		if err != nil {
			return err
		}
		defer memguard.WipeBytes(kp.Private)

		if err := os.MkdirAll(keygenOut, 0700); err != nil {
			return err
		}
		privPath := filepath.Join(keygenOut, keygenName+".key")
		pubPath := filepath.Join(keygenOut, keygenName+".pub")
		if _, err := os.Stat(privPath); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite a signing key", privPath)
		}
		if err := os.WriteFile(privPath, kp.Private, 0600); err != nil {
			return err
		}
		if err := os.WriteFile(pubPath, kp.Public, 0644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Private key: %s\n✓ Public key:  %s\n", privPath, pubPath)
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <manifest>",
	Short: "Sign a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest := args[0]
		priv, err := signature.LoadPrivateKey(keyPath)
		if err != nil {
			return err
		}
		defer priv.Destroy()

		out := sigFor(manifest)
		if err := signature.SignFile(manifest, out, priv); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Signature written: %s\n", out)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <manifest>",
	Short: "Check a manifest signature against a public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest := args[0]
		pub, err := signature.LoadPublicKey(keyPath)
		if err != nil {
			return err
		}
		message, err := os.ReadFile(manifest)
		if err != nil {
			return err
		}
		if err := signature.VerifyFile(message, sigFor(manifest), pub); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Signature valid (%s key %s)\n", pub.Scheme(), pub.Name())
		return nil
	},
}

func sigFor(manifest string) string {
	if sigPath != "" {
		return sigPath
	}
	return manifest + ".sig"
}

func init() {
	keygenCmd.Flags().StringVar(&keygenScheme, "scheme", string(signature.SchemeNote), "key scheme: note or pem")
	keygenCmd.Flags().StringVar(&keygenName, "name", "trustmonitor", "key name, also used for the file names")
	keygenCmd.Flags().StringVar(&keygenOut, "out", ".", "output directory")

	signCmd.Flags().StringVar(&keyPath, "key", "", "private key file")
	signCmd.MarkFlagRequired("key")
	verifyCmd.Flags().StringVar(&keyPath, "key", "", "public key file")
	verifyCmd.MarkFlagRequired("key")
	for _, c := range []*cobra.Command{signCmd, verifyCmd} {
		c.Flags().StringVar(&sigPath, "sig", "", "signature file (default <manifest>.sig)")
	}

	rootCmd.AddCommand(keygenCmd, signCmd, verifyCmd)
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}
