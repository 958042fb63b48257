// Package trust runs the two-stage verification of the protected tree:
// manifest hashes first, then the detached signature over the manifest.
package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/integrity"
	"github.com/blackwell-systems/trustmonitor/internal/signature"
)

// Stage is how far verification got.
type Stage string

const (
	StageHash      Stage = "hash"
	StageSignature Stage = "signature"
	StagePassed    Stage = "passed"
)

// Report is the full outcome of one verification.
type Report struct {
	Stage        Stage
	Integrity    *integrity.Result
	SignatureErr error
	KeyName      string
	Duration     time.Duration
}

// OK reports whether both stages passed.
func (r *Report) OK() bool {
	return r.Stage == StagePassed
}

// FailedPaths returns the paths that failed the hash stage.
func (r *Report) FailedPaths() []string {
	if r.Integrity == nil {
		return nil
	}
	return r.Integrity.FailedPaths()
}

// Verifier is bound to one configuration.
type Verifier struct {
	root           string
	manifestPath   string
	sigPath        string
	pubKeyPath     string
	exclude        []string
	allowUntracked bool
	logger         *zap.Logger
}

// NewVerifier creates a verifier for cfg.
func NewVerifier(cfg *config.Config, logger *zap.Logger) *Verifier {
	return &Verifier{
		root:           cfg.Paths.Root,
		manifestPath:   cfg.Integrity.Manifest,
		sigPath:        cfg.Signature.File,
		pubKeyPath:     cfg.Signature.PublicKey,
		exclude:        Excludes(cfg),
		allowUntracked: cfg.Integrity.AllowUntracked,
		logger:         logger,
	}
}

// Excludes returns the configured exclude patterns plus the trust artifacts
// themselves, which live under the root but are never part of the manifest.
func Excludes(cfg *config.Config) []string {
	out := append([]string(nil), cfg.Integrity.Exclude...)
	for _, p := range []string{
		cfg.Integrity.Manifest,
		cfg.Signature.File,
		cfg.Recovery.SignatureRequestFile,
		cfg.Paths.StateDir,
		cfg.Backup.Root,
	} {
		rel, err := filepath.Rel(cfg.Paths.Root, p)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		out = append(out, rel)
	}
	return out
}

// ExcludePatterns exposes the patterns used for build and verify.
func (v *Verifier) ExcludePatterns() []string {
	return v.exclude
}

// Root returns the protected root.
func (v *Verifier) Root() string {
	return v.root
}

// ManifestPath returns the manifest location.
func (v *Verifier) ManifestPath() string {
	return v.manifestPath
}

// SignaturePath returns the detached signature location.
func (v *Verifier) SignaturePath() string {
	return v.sigPath
}

// Preflight checks that every input verification needs is readable. A
// failure here is a dependency error, reported before any verification
// starts.
func (v *Verifier) Preflight() error {
	if info, err := os.Stat(v.root); err != nil || !info.IsDir() {
		return terrors.DependencyError("protected root "+v.root, err)
	}
	for _, p := range []struct{ what, path string }{
		{"manifest", v.manifestPath},
		{"signature", v.sigPath},
		{"public key", v.pubKeyPath},
	} {
		f, err := os.Open(p.path)
		if err != nil {
			return terrors.DependencyError(p.what+" "+p.path, err)
		}
		f.Close()
	}
	if _, err := signature.LoadPublicKey(v.pubKeyPath); err != nil {
		return terrors.DependencyError("usable public key", err)
	}
	return nil
}

// Verify runs the hash stage and, only if it passes, the signature stage.
// The returned error is categorized: integrity failures and signature
// failures carry different exit codes.
func (v *Verifier) Verify() (*Report, error) {
	start := time.Now()
	rep := &Report{Stage: StageHash}
	defer func() { rep.Duration = time.Since(start) }()

	m, raw, err := integrity.ReadFile(v.manifestPath)
	if err != nil {
		v.logger.Error("manifest unreadable", zap.String("path", v.manifestPath), zap.Error(err))
		rep.Integrity = &integrity.Result{Failures: []integrity.Failure{{
			Path: filepath.Base(v.manifestPath), Kind: integrity.FailureUnreadable, Err: err,
		}}}
		return rep, terrors.IntegrityFailed(rep.FailedPaths()).WithDetail("cause", err.Error())
	}

	rep.Integrity = integrity.Verify(m, v.root, integrity.VerifyOptions{
		Exclude:        v.exclude,
		AllowUntracked: v.allowUntracked,
	})
	if !rep.Integrity.OK {
		rep.Integrity.Log(v.logger)
		return rep, terrors.IntegrityFailed(rep.FailedPaths())
	}
	v.logger.Info("hash verification passed", zap.Int("files", rep.Integrity.Checked))

	rep.Stage = StageSignature
	pub, err := signature.LoadPublicKey(v.pubKeyPath)
	if err != nil {
		rep.SignatureErr = err
		v.logger.Error("public key unusable", zap.String("path", v.pubKeyPath), zap.Error(err))
		return rep, terrors.SignatureFailed(err)
	}
	rep.KeyName = pub.Name()
	if err := signature.VerifyFile(raw, v.sigPath, pub); err != nil {
		rep.SignatureErr = err
		v.logger.Error("signature verification failed", zap.String("signature", v.sigPath), zap.Error(err))
		return rep, terrors.SignatureFailed(err)
	}

	rep.Stage = StagePassed
	v.logger.Info("signature verification passed", zap.String("key", rep.KeyName))
	return rep, nil
}

// Rebuild regenerates the manifest from the current tree and writes it
// atomically. Any existing signature no longer matches afterwards.
func (v *Verifier) Rebuild() (*integrity.Manifest, error) {
	m, err := integrity.Build(v.root, v.exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}
	if err := integrity.WriteFile(v.manifestPath, m); err != nil {
		return nil, err
	}
	v.logger.Info("manifest regenerated", zap.String("path", v.manifestPath), zap.Int("files", m.Len()))
	return m, nil
}
