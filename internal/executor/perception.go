// internal/executor/perception.go
package executor

import "github.com/xkilldash9x/handrail/api/schemas"

// ResolvePerception picks the evidence channel for one step. A journey
// override wins, then a per-action forced mode, then the policy default.
func ResolvePerception(policy schemas.PerceptionPolicy, override *schemas.PerceptionMode, action schemas.ActionType) schemas.PerceptionMode {
	if override != nil && *override != "" {
		return *override
	}
	if m, ok := policy.ForceModes[action]; ok && m != "" {
		return m
	}
	if policy.DefaultMode != "" {
		return policy.DefaultMode
	}
	return schemas.PerceptionAuto
}
