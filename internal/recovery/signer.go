package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	"github.com/blackwell-systems/trustmonitor/internal/fsutil"
	"github.com/blackwell-systems/trustmonitor/internal/signature"
)

// SignatureRequester obtains a signature for a regenerated manifest.
// Signed reports whether a valid signature now exists; when false the
// request was handed to an operator.
type SignatureRequester interface {
	RequestSignature(ctx context.Context, runID string) (signed bool, detail string, err error)
}

// NewSignatureRequester signs locally when an operator key is configured
// and otherwise writes a request file.
func NewSignatureRequester(cfg *config.Config) SignatureRequester {
	if cfg.Signature.PrivateKey != "" {
		return &KeySigner{
			KeyPath:      cfg.Signature.PrivateKey,
			ManifestPath: cfg.Integrity.Manifest,
			SigPath:      cfg.Signature.File,
		}
	}
	return &RequestFile{
		Path:         cfg.Recovery.SignatureRequestFile,
		ManifestPath: cfg.Integrity.Manifest,
	}
}

// KeySigner signs the manifest with a local private key.
type KeySigner struct {
	KeyPath      string
	ManifestPath string
	SigPath      string
}

func (s *KeySigner) RequestSignature(ctx context.Context, runID string) (bool, string, error) {
	priv, err := signature.LoadPrivateKey(s.KeyPath)
	if err != nil {
		return false, "", err
	}
	defer priv.Destroy()
	if err := signature.SignFile(s.ManifestPath, s.SigPath, priv); err != nil {
		return false, "", err
	}
	return true, "manifest re-signed with " + s.KeyPath, nil
}

// RequestFile records that the manifest needs an operator signature.
type RequestFile struct {
	Path         string
	ManifestPath string
	now          func() time.Time
}

func (r *RequestFile) RequestSignature(ctx context.Context, runID string) (bool, string, error) {
	data, err := os.ReadFile(r.ManifestPath)
	if err != nil {
		return false, "", fmt.Errorf("failed to read manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	body := fmt.Sprintf("manifest=%s\nmanifest_sha256=%s\nrequested_at=%s\nrecovery_id=%s\n",
		r.ManifestPath, hex.EncodeToString(sum[:]), now().UTC().Format(time.RFC3339), runID)
	if err := fsutil.WriteFileAtomic(r.Path, []byte(body), 0644); err != nil {
		return false, "", err
	}
	return false, "signature request written to " + r.Path, nil
}
