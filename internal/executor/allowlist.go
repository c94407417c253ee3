// internal/executor/allowlist.go
package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// ErrProcessNotAllowed is returned when a flow targets a process outside the allow-list.
var ErrProcessNotAllowed = errors.New("process not allowed")

// AllowList matches process names case-insensitively. An entry ending in "*"
// matches any process with that prefix.
type AllowList struct {
	entries []string
}

// NewAllowList builds an allow-list from raw entries, dropping blanks and duplicates.
func NewAllowList(entries ...[]string) AllowList {
	seen := make(map[string]bool)
	var out []string
	for _, list := range entries {
		for _, e := range list {
			n := normalizeProcess(e)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return AllowList{entries: out}
}

// Enabled reports whether the allow-list restricts anything.
func (a AllowList) Enabled() bool { return len(a.entries) > 0 }

// Entries returns the normalized entries.
func (a AllowList) Entries() []string { return append([]string(nil), a.entries...) }

// Allows reports whether process matches at least one entry.
func (a AllowList) Allows(process string) bool {
	if !a.Enabled() {
		return true
	}
	p := normalizeProcess(process)
	if p == "" {
		return false
	}
	for _, e := range a.entries {
		if prefix, ok := strings.CutSuffix(e, "*"); ok {
			if strings.HasPrefix(p, prefix) {
				return true
			}
			continue
		}
		if p == e {
			return true
		}
	}
	return false
}

// Check gates a flow: its target app and every launched process must be allowed.
func (a AllowList) Check(flow schemas.TestFlow) error {
	if !a.Enabled() {
		return nil
	}
	targets := TargetProcesses(flow)
	if len(targets) == 0 {
		return fmt.Errorf("%w: flow %q declares no target process while an allow-list is configured", ErrProcessNotAllowed, flow.TestName)
	}
	for _, t := range targets {
		if !a.Allows(t) {
			return fmt.Errorf("%w: %q is not in the allow-list [%s]", ErrProcessNotAllowed, t, strings.Join(a.entries, ", "))
		}
	}
	return nil
}

// TargetProcesses lists the processes a flow declares it will drive.
func TargetProcesses(flow schemas.TestFlow) []string {
	var out []string
	if strings.TrimSpace(flow.TargetApp) != "" {
		out = append(out, flow.TargetApp)
	}
	for _, s := range flow.Steps {
		if s.Action == schemas.ActionLaunch && strings.TrimSpace(s.Value) != "" {
			out = append(out, s.Value)
		}
	}
	return out
}

// normalizeProcess reduces a path or executable name to its lowercase base
// name without an ".exe" suffix.
func normalizeProcess(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimSuffix(p, ".exe")
}
