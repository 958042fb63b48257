package plugins

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blackwell-systems/trustmonitor/internal/health"
)

// Registry holds bound handles in registration order.
type Registry struct {
	handles []*Handle
	names   map[string]bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. timeout bounds each invocation.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		names:   make(map[string]bool),
		timeout: timeout,
		logger:  logger,
	}
}

// Register appends h. Names must be unique.
func (r *Registry) Register(h *Handle) error {
	if h.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if r.names[h.Name] {
		return fmt.Errorf("plugin %q already registered", h.Name)
	}
	if h.Description == "" {
		h.Description = h.Checker.Describe()
	}
	r.names[h.Name] = true
	r.handles = append(r.handles, h)
	return nil
}

// Handles returns the registered handles in order.
func (r *Registry) Handles() []*Handle {
	return append([]*Handle(nil), r.handles...)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	return len(r.handles)
}

// RunAll invokes every handle sequentially in registration order.
func (r *Registry) RunAll(ctx context.Context) []health.CheckResult {
	results := make([]health.CheckResult, 0, len(r.handles))
	for _, h := range r.handles {
		start := time.Now()
		st, msg := Invoke(ctx, h, r.timeout)
		results = append(results, health.CheckResult{
			Name:     h.Name,
			Status:   st,
			Message:  msg,
			Duration: time.Since(start),
		})
	}
	return results
}
