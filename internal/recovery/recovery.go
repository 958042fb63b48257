// Package recovery returns a compromised tree to a verified state: it
// removes known attack artifacts, restores the newest trusted snapshot
// (or regenerates the manifest and requests a signature when none exists)
// and verifies again. There is exactly one pass per request.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/config"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/snapshots"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
)

// Mode selects how the restore source is chosen.
type Mode string

const (
	// ModeAuto falls back to the newest critical snapshot.
	ModeAuto Mode = "auto"
	// ModeManual restores only an explicit target.
	ModeManual Mode = "manual"
)

// ParseMode parses "auto" or "manual".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("unknown recovery mode %q", s)
}

// Request describes one recovery attempt.
type Request struct {
	Mode   Mode
	Target *snapshots.Snapshot
	Reason string
}

// Step records one stage of the run.
type Step struct {
	Name   string
	OK     bool
	Detail string
	Err    error
}

// Result is the outcome of Recover.
type Result struct {
	ID       string
	Mode     Mode
	Steps    []Step
	Removed  []string
	Stripped []string
	Forensic *snapshots.Snapshot
	Restored *snapshots.Snapshot
	// Rebuilt is set when the manifest was regenerated instead of restored.
	Rebuilt         bool
	SignatureDetail string
	Verification    *trust.Report
	OK              bool
	Duration        time.Duration
}

// Err returns nil on success and the categorized verification error
// otherwise.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Verification != nil && r.Verification.Stage == trust.StageSignature {
		return terrors.SignatureFailed(r.Verification.SignatureErr).WithDetail("recovery_id", r.ID)
	}
	paths := []string{}
	if r.Verification != nil {
		paths = r.Verification.FailedPaths()
	}
	return terrors.IntegrityFailed(paths).WithDetail("recovery_id", r.ID)
}

func (r *Result) step(s Step) {
	r.Steps = append(r.Steps, s)
}

// Orchestrator runs recovery against one configuration.
type Orchestrator struct {
	cfg       *config.Config
	snapshots *snapshots.Manager
	verifier  *trust.Verifier
	signer    SignatureRequester
	logger    *zap.Logger
}

// New creates an orchestrator. A nil signer selects the configured one.
func New(cfg *config.Config, snaps *snapshots.Manager, verifier *trust.Verifier, signer SignatureRequester, logger *zap.Logger) *Orchestrator {
	if signer == nil {
		signer = NewSignatureRequester(cfg)
	}
	return &Orchestrator{
		cfg:       cfg,
		snapshots: snaps,
		verifier:  verifier,
		signer:    signer,
		logger:    logger,
	}
}

// Recover runs one recovery pass. Steps before verification log their
// failures and continue; the result is OK only if the final verification
// passes.
func (o *Orchestrator) Recover(ctx context.Context, req Request) *Result {
	start := time.Now()
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	res := &Result{ID: uuid.NewString(), Mode: req.Mode}
	logger := o.logger.With(zap.String("recovery_id", res.ID), zap.String("mode", string(req.Mode)))
	defer func() { res.Duration = time.Since(start) }()

	logger.Warn("recovery started", zap.String("reason", req.Reason))

	o.removeArtifacts(res, logger)

	if ctx.Err() != nil {
		res.step(Step{Name: "abort", Err: ctx.Err()})
		return res
	}

	if !o.cfg.Recovery.SkipForensicSnapshot {
		o.forensicSnapshot(res, req, logger)
	}

	// An unreadable backup store is not "no snapshot": rebuilding would
	// re-sign whatever is on disk now.
	target, err := o.pickTarget(req)
	switch {
	case err != nil:
		res.step(Step{Name: "select_snapshot", Err: err})
		logger.Error("failed to select snapshot; leaving the tree untouched", zap.Error(err))
	case target != nil:
		o.restore(res, target, logger)
	default:
		o.rebuild(ctx, res, logger)
	}

	report, verr := o.verifier.Verify()
	res.Verification = report
	res.OK = verr == nil
	res.step(Step{Name: "verify", OK: res.OK, Err: verr})
	if res.OK {
		logger.Info("recovery succeeded", zap.Duration("duration", time.Since(start)))
	} else {
		logger.Error("recovery failed", zap.Error(verr))
	}
	return res
}

func (o *Orchestrator) removeArtifacts(res *Result, logger *zap.Logger) {
	removed, errs := removeArtifacts(o.cfg.Paths.Root, o.cfg.Recovery.ArtifactGlobs)
	res.Removed = removed
	for _, p := range removed {
		logger.Info("removed attack artifact", zap.String("path", p))
	}
	for _, err := range errs {
		logger.Warn("artifact removal failed", zap.Error(err))
	}
	res.step(Step{
		Name:   "remove_artifacts",
		OK:     len(errs) == 0,
		Detail: fmt.Sprintf("%d removed", len(removed)),
		Err:    errors.Join(errs...),
	})
}

func (o *Orchestrator) forensicSnapshot(res *Result, req Request, logger *zap.Logger) {
	reason := "forensic copy before recovery " + res.ID
	if req.Reason != "" {
		reason += ": " + req.Reason
	}
	snap, err := o.snapshots.Create(snapshots.Demo, reason)
	if err != nil {
		logger.Warn("forensic snapshot failed", zap.Error(err))
		res.step(Step{Name: "forensic_snapshot", Err: err})
		return
	}
	res.Forensic = snap
	res.step(Step{Name: "forensic_snapshot", OK: true, Detail: snap.Name})
}

func (o *Orchestrator) pickTarget(req Request) (*snapshots.Snapshot, error) {
	if req.Target != nil {
		return req.Target, nil
	}
	if req.Mode != ModeAuto {
		return nil, nil
	}
	return o.snapshots.Latest(snapshots.Critical)
}

func (o *Orchestrator) restore(res *Result, snap *snapshots.Snapshot, logger *zap.Logger) {
	out, err := o.snapshots.Restore(snap)
	if err != nil {
		logger.Error("restore failed", zap.String("snapshot", snap.Name), zap.Error(err))
		res.step(Step{Name: "restore", Detail: snap.Name, Err: err})
		return
	}
	res.Restored = snap
	logger.Info("snapshot restored", zap.String("snapshot", snap.Name), zap.Int("files", len(out.Restored)))
	res.step(Step{Name: "restore", OK: true, Detail: fmt.Sprintf("%s (%d files)", snap.Name, len(out.Restored))})
}

// rebuild is the path taken when no trusted snapshot exists: strip known
// injected lines, regenerate the manifest and ask for a new signature.
func (o *Orchestrator) rebuild(ctx context.Context, res *Result, logger *zap.Logger) {
	o.stripMarkers(res, logger)

	m, err := o.verifier.Rebuild()
	if err != nil {
		logger.Error("manifest regeneration failed", zap.Error(err))
		res.step(Step{Name: "rebuild_manifest", Err: err})
		return
	}
	res.Rebuilt = true
	res.step(Step{Name: "rebuild_manifest", OK: true, Detail: fmt.Sprintf("%d files", m.Len())})

	signed, detail, err := o.signer.RequestSignature(ctx, res.ID)
	res.SignatureDetail = detail
	if err != nil {
		logger.Error("signature request failed", zap.Error(err))
		res.step(Step{Name: "request_signature", Err: err})
		return
	}
	if signed {
		logger.Info("manifest re-signed", zap.String("detail", detail))
	} else {
		logger.Warn("manifest needs an operator signature", zap.String("detail", detail))
	}
	res.step(Step{Name: "request_signature", OK: signed, Detail: detail})
}

func (o *Orchestrator) stripMarkers(res *Result, logger *zap.Logger) {
	if len(o.cfg.Recovery.MarkerLines) == 0 {
		return
	}
	files, err := o.snapshots.ProtectedFiles()
	if err != nil {
		res.step(Step{Name: "strip_markers", Err: err})
		return
	}
	var errs []error
	for _, path := range files {
		if path == o.verifier.ManifestPath() || path == o.verifier.SignaturePath() {
			continue
		}
		changed, err := stripMarkers(path, o.cfg.Recovery.MarkerLines)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			rel, _ := filepath.Rel(o.cfg.Paths.Root, path)
			res.Stripped = append(res.Stripped, rel)
			logger.Info("stripped injected lines", zap.String("path", rel))
		}
	}
	res.step(Step{
		Name:   "strip_markers",
		OK:     len(errs) == 0,
		Detail: fmt.Sprintf("%d files cleaned", len(res.Stripped)),
		Err:    errors.Join(errs...),
	})
}
