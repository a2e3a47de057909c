package core

import (
	"slices"
	"time"
)

// Evaluate decides whether a single flag is enabled for the given context.
// Rules apply in strict precedence order and the first definitive rule wins:
// master switch, expiry, explicit subject targeting, group gate, rollout
// percentage, value fallback. Group membership never grants enablement on
// its own; it only blocks or lets evaluation continue.
func Evaluate(flag FlagDefinition, ectx EvaluationContext, now time.Time) Decision {
	if !flag.Enabled {
		return Decision{Reason: ReasonDisabled}
	}

	if flag.ExpiresAt != 0 && now.UnixMilli() > flag.ExpiresAt {
		return Decision{Reason: ReasonExpired}
	}

	if flag.UserIDs != nil && ectx.SubjectID != "" {
		if slices.Contains(flag.UserIDs, ectx.SubjectID) {
			return Decision{Enabled: true, Reason: ReasonTargetMatch}
		}
		return Decision{Reason: ReasonTargetMiss}
	}

	if flag.UserGroups != nil && len(ectx.Groups) > 0 {
		if !intersects(flag.UserGroups, ectx.Groups) {
			return Decision{Reason: ReasonGroupBlocked}
		}
	}

	if flag.RolloutPercentage != nil && ectx.SubjectID != "" {
		return Decision{
			Enabled: Bucket(ectx.SubjectID) < *flag.RolloutPercentage,
			Reason:  ReasonRollout,
		}
	}

	if enabled, ok := flag.Value.Bool(); ok {
		return Decision{Enabled: enabled, Reason: ReasonDefault}
	}

	// Enabled is necessarily true here; the master switch already ran.
	return Decision{Enabled: true, Reason: ReasonDefault}
}

// EvaluateAll evaluates every flag against the same context.
func EvaluateAll(flags []FlagDefinition, ectx EvaluationContext, now time.Time) map[string]Decision {
	results := make(map[string]Decision, len(flags))

	for _, flag := range flags {
		results[flag.Key] = Evaluate(flag, ectx, now)
	}

	return results
}

func intersects(left, right []string) bool {
	for _, item := range right {
		if slices.Contains(left, item) {
			return true
		}
	}

	return false
}
