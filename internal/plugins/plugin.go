// Package plugins registers health check units and invokes them in
// isolation.
//
// A check unit is anything satisfying Checker. Built-in units are compiled
// in; external units are executables in the plugin directory that answer
// `describe` and `check`. A unit that panics or overruns its timeout is
// reported as ERROR and never takes the tick down with it.
package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/blackwell-systems/trustmonitor/internal/health"
)

// Checker is the two-operation check contract.
type Checker interface {
	Describe() string
	Check() (health.Status, string)
}

// ContextChecker is implemented by units that can stop early when the
// invocation deadline passes. Invoke prefers it over Check.
type ContextChecker interface {
	Checker
	CheckContext(ctx context.Context) (health.Status, string)
}

// Source says where a handle came from.
type Source string

const (
	SourceBuiltin    Source = "builtin"
	SourceExecutable Source = "executable"
)

// Handle is a bound check unit.
type Handle struct {
	Name        string
	Description string
	Source      Source
	Path        string
	Checker     Checker
}

const (
	msgCrashed  = "plugin crashed"
	msgTimedOut = "plugin timed out"
)

// Invoke runs one check under timeout. Panics become ERROR "plugin
// crashed: ..." and an overrun becomes ERROR "plugin timed out"; neither
// propagates to the caller.
func Invoke(ctx context.Context, h *Handle, timeout time.Duration) (health.Status, string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		status health.Status
		msg    string
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{health.Error, fmt.Sprintf("%s: %v", msgCrashed, r)}
			}
		}()
		var st health.Status
		var msg string
		if cc, ok := h.Checker.(ContextChecker); ok {
			st, msg = cc.CheckContext(ctx)
		} else {
			st, msg = h.Checker.Check()
		}
		ch <- result{st, msg}
	}()

	select {
	case r := <-ch:
		if r.status < health.OK || r.status > health.Error {
			return health.Error, fmt.Sprintf("invalid status %d: %s", int(r.status), r.msg)
		}
		return r.status, r.msg
	case <-ctx.Done():
		return health.Error, msgTimedOut
	}
}
