package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodesAreDistinct(t *testing.T) {
	seen := make(map[int]Code)
	for code := range codeNames {
		if prev, ok := seen[int(code)]; ok {
			t.Fatalf("exit code %d shared by %s and %s", code, prev, code)
		}
		seen[int(code)] = code
	}
	assert.Len(t, seen, 12)
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeSuccess},
		{"plain", fmt.Errorf("boom"), CodeError},
		{"integrity", IntegrityFailed([]string{"a.py"}), CodeIntegrityFailed},
		{"wrapped signature", fmt.Errorf("boot: %w", SignatureFailed(nil)), CodeSignatureFailed},
		{"config", ConfigError("bad interval", nil), CodeConfigError},
		{"dependency", DependencyError("systemctl", nil), CodeDependencyError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCode(tt.err))
			assert.Equal(t, int(tt.want), ExitCode(tt.err))
		})
	}
}

func TestErrorMessageIncludesDetailsAndCause(t *testing.T) {
	err := New(CodeBootFailed, "boot failed", fmt.Errorf("disk gone")).
		WithDetail("state", "VERIFYING").
		WithDetail("attempt", 2)

	assert.Equal(t, "boot failed (attempt=2, state=VERIFYING): disk gone", err.Error())
	assert.EqualError(t, err.Unwrap(), "disk gone")
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "signature verification failed", CodeSignatureFailed.String())
	assert.Equal(t, "code(42)", Code(42).String())
}
