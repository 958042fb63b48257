package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// GroupCommand returns a command that runs in its own process group. When
// ctx ends the whole group gets SIGTERM, and whatever is still alive grace
// later gets SIGKILL, so children the command started cannot outlive it.
func GroupCommand(ctx context.Context, grace time.Duration, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		err := signalGroup(pgid, unix.SIGTERM)
		if grace <= 0 {
			signalGroup(pgid, unix.SIGKILL)
		} else {
			time.AfterFunc(grace, func() { signalGroup(pgid, unix.SIGKILL) })
		}
		return err
	}
	cmd.WaitDelay = grace
	return cmd
}

func signalGroup(pgid int, sig unix.Signal) error {
	err := unix.Kill(-pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
