package trust_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
	"github.com/blackwell-systems/trustmonitor/internal/trust"
	"github.com/blackwell-systems/trustmonitor/internal/trust/trusttest"
)

func TestVerify_CleanTreePasses(t *testing.T) {
	f := trusttest.New(t, nil)
	v := trust.NewVerifier(f.Cfg, zap.NewNop())

	require.NoError(t, v.Preflight())
	rep, err := v.Verify()
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, trust.StagePassed, rep.Stage)
	assert.Equal(t, "trustmonitor-test", rep.KeyName)
}

func TestVerify_HashFailureStopsBeforeSignature(t *testing.T) {
	f := trusttest.New(t, nil)
	f.Tamper(t, "hardware/sensor_monitor.py", "# MALICIOUS SENSOR CODE - Fake high temperature readings")

	rep, err := trust.NewVerifier(f.Cfg, zap.NewNop()).Verify()
	require.Error(t, err)
	assert.Equal(t, terrors.CodeIntegrityFailed, terrors.GetCode(err))
	assert.Equal(t, trust.StageHash, rep.Stage)
	assert.Nil(t, rep.SignatureErr)
	assert.Equal(t, []string{"hardware/sensor_monitor.py"}, rep.FailedPaths())
}

func TestVerify_SignatureFailureIsDistinct(t *testing.T) {
	f := trusttest.New(t, nil)
	// rebuild the manifest without re-signing: hashes match, signature does not
	trusttest.Write(t, f.Root, "main.py", "print('changed')\n")
	_, err := trust.NewVerifier(f.Cfg, zap.NewNop()).Rebuild()
	require.NoError(t, err)

	rep, err := trust.NewVerifier(f.Cfg, zap.NewNop()).Verify()
	require.Error(t, err)
	assert.Equal(t, terrors.CodeSignatureFailed, terrors.GetCode(err))
	assert.Equal(t, trust.StageSignature, rep.Stage)
	assert.Empty(t, rep.FailedPaths())
}

func TestPreflight_MissingSignatureIsDependencyError(t *testing.T) {
	f := trusttest.New(t, nil)
	require.NoError(t, os.Remove(f.Cfg.Signature.File))

	err := trust.NewVerifier(f.Cfg, zap.NewNop()).Preflight()
	assert.Equal(t, terrors.CodeDependencyError, terrors.GetCode(err))
}

func TestExcludes_CoverTrustArtifacts(t *testing.T) {
	f := trusttest.New(t, nil)
	ex := trust.Excludes(f.Cfg)
	assert.Contains(t, ex, "manifest.sha256")
	assert.Contains(t, ex, "manifest.sha256.sig")
	assert.Contains(t, ex, "manifest.sha256.sig.request")
	// state dir lives outside the root and is not listed
	for _, p := range ex {
		assert.NotContains(t, p, "..")
	}
}
