package plugins

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/daemon"
	"github.com/blackwell-systems/trustmonitor/internal/health"
)

// ExecOptions control how plugin executables are run.
type ExecOptions struct {
	// Timeout bounds each describe or check call.
	Timeout time.Duration
	// Grace is the SIGTERM to SIGKILL delay for a cancelled plugin.
	Grace time.Duration
	// Env is the complete environment handed to the plugin.
	Env []string
}

// ExecPlugin is an external check unit.
type ExecPlugin struct {
	path        string
	description string
	opts        ExecOptions
}

// Describe returns the line printed by `describe` at bind time.
func (p *ExecPlugin) Describe() string { return p.description }

// Check runs `check` under the plugin timeout.
func (p *ExecPlugin) Check() (health.Status, string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	defer cancel()
	return p.CheckContext(ctx)
}

// CheckContext runs `check`. The first output line is `<STATUS> <message>`;
// when it does not start with a status token the exit code decides: 0 OK,
// 1 WARN, anything else ERROR.
func (p *ExecPlugin) CheckContext(ctx context.Context) (health.Status, string) {
	out, err := p.run(ctx, "check")
	if ctx.Err() != nil {
		return health.Error, msgTimedOut
	}
	line := firstLine(out)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return health.Error, fmt.Sprintf("%s: %v", msgCrashed, err)
	}

	if tok, rest, _ := strings.Cut(line, " "); tok != "" {
		if st, perr := health.ParseStatus(tok); perr == nil {
			return st, strings.TrimSpace(rest)
		}
	}

	code := 0
	if exitErr != nil {
		code = exitErr.ExitCode()
	}
	switch code {
	case 0:
		return health.OK, line
	case 1:
		return health.Warn, line
	default:
		if line == "" {
			line = fmt.Sprintf("exit status %d", code)
		}
		return health.Error, line
	}
}

func (p *ExecPlugin) run(ctx context.Context, op string) ([]byte, error) {
	cmd := daemon.GroupCommand(ctx, p.opts.Grace, p.path, op)
	cmd.Dir = filepath.Dir(p.path)
	cmd.Env = p.opts.Env
	return cmd.Output()
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}

// Discover binds every executable regular file in dir, in lexicographic
// order, by running `<exe> describe`. Candidates that are not executable,
// fail describe, or print nothing are skipped with a warning. A missing
// directory yields no handles.
func Discover(ctx context.Context, dir string, opts ExecOptions, logger *zap.Logger) ([]*Handle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("plugin directory not found", zap.String("dir", dir))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var handles []*Handle
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		info, err := os.Stat(path)
		if err != nil {
			logger.Warn("skipping plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		if info.IsDir() {
			continue
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
			logger.Warn("skipping plugin: not an executable file", zap.String("path", path))
			continue
		}

		h, err := bind(ctx, path, opts)
		if err != nil {
			logger.Warn("skipping plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Debug("plugin bound", zap.String("name", h.Name), zap.String("description", h.Description))
		handles = append(handles, h)
	}
	return handles, nil
}

func bind(ctx context.Context, path string, opts ExecOptions) (*Handle, error) {
	p := &ExecPlugin{path: path, opts: opts}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	out, err := p.run(ctx, "describe")
	if ctx.Err() != nil {
		return nil, fmt.Errorf("describe timed out")
	}
	if err != nil {
		return nil, fmt.Errorf("describe failed: %w", err)
	}
	desc := firstLine(out)
	if desc == "" {
		return nil, fmt.Errorf("describe printed nothing")
	}
	p.description = desc

	return &Handle{
		Name:        pluginName(path),
		Description: desc,
		Source:      SourceExecutable,
		Path:        path,
		Checker:     p,
	}, nil
}

// pluginName is the file name without its extension.
func pluginName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		return strings.TrimSuffix(base, ext)
	}
	return base
}
