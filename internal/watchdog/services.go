package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/blackwell-systems/trustmonitor/internal/daemon"
)

// ServiceManager queries and restarts OS services. Implementations must
// honour ctx; a probe cut short by ctx is reported as an error.
type ServiceManager interface {
	IsActive(ctx context.Context, service string) (bool, error)
	Restart(ctx context.Context, service string) error
}

// Systemd drives services through systemctl.
type Systemd struct {
	bin   string
	grace time.Duration
}

// NewSystemd returns a ServiceManager using systemctl. grace is how long a
// cancelled systemctl gets between SIGTERM and SIGKILL.
func NewSystemd(grace time.Duration) *Systemd {
	return &Systemd{bin: "systemctl", grace: grace}
}

// LookupSystemd is NewSystemd with systemctl resolved on PATH up front, so a
// missing binary is reported at startup instead of at every probe.
func LookupSystemd(grace time.Duration) (*Systemd, error) {
	bin, err := exec.LookPath("systemctl")
	if err != nil {
		return nil, err
	}
	return &Systemd{bin: bin, grace: grace}, nil
}

// IsActive runs `systemctl is-active --quiet`. A non-zero exit means not
// active; failing to run systemctl at all is an error.
func (s *Systemd) IsActive(ctx context.Context, service string) (bool, error) {
	_, err := runProbe(ctx, s.grace, s.bin, "is-active", "--quiet", service)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}

// Restart runs `systemctl restart`.
func (s *Systemd) Restart(ctx context.Context, service string) error {
	out, err := runProbe(ctx, s.grace, s.bin, "restart", service)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("systemctl restart %s: %w: %s", service, err, msg)
		}
		return fmt.Errorf("systemctl restart %s: %w", service, err)
	}
	return nil
}

// runProbe runs an external command bound to ctx. On cancellation the
// process gets SIGTERM, then SIGKILL after grace.
func runProbe(ctx context.Context, grace time.Duration, name string, args ...string) ([]byte, error) {
	cmd := daemon.GroupCommand(ctx, grace, name, args...)
	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctxErr)
	}
	return out, err
}
