// Package health reduces check results into one worst-status-wins summary
// and drives the periodic monitoring loop.
package health

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is a check outcome. The zero value is OK and the constants are
// ordered, so the worst of two statuses is the larger one.
type Status int

const (
	OK Status = iota
	Warn
	Error
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus accepts OK, WARN or ERROR in any case. WARNING is accepted
// as an alias for WARN.
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OK":
		return OK, nil
	case "WARN", "WARNING":
		return Warn, nil
	case "ERROR":
		return Error, nil
	}
	return Error, fmt.Errorf("unknown health status %q", s)
}

// Worst returns the larger of a and b.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Summary is the reduced result of one tick.
type Summary struct {
	Overall Status
	Warn    []string
	Error   []string
}

// Aggregate reduces named statuses to their maximum. Warn and Error list
// the contributing names in sorted order, so the summary does not depend on
// map iteration or check execution order.
func Aggregate(statuses map[string]Status) Summary {
	var sum Summary
	for name, st := range statuses {
		sum.Overall = Worst(sum.Overall, st)
		switch st {
		case Warn:
			sum.Warn = append(sum.Warn, name)
		case Error:
			sum.Error = append(sum.Error, name)
		}
	}
	sort.Strings(sum.Warn)
	sort.Strings(sum.Error)
	return sum
}

// CheckResult is one check's outcome within a tick.
type CheckResult struct {
	Name     string
	Status   Status
	Message  string
	Duration time.Duration
}

// Summarize aggregates a tick's results. When a name appears twice the
// worse status wins.
func Summarize(results []CheckResult) Summary {
	statuses := make(map[string]Status, len(results))
	for _, r := range results {
		statuses[r.Name] = Worst(statuses[r.Name], r.Status)
	}
	return Aggregate(statuses)
}
