package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reason explains why an evaluation produced its result.
type Reason string

const (
	ReasonNotFound     Reason = "NOT_FOUND"
	ReasonDisabled     Reason = "DISABLED"
	ReasonExpired      Reason = "EXPIRED"
	ReasonTargetMatch  Reason = "TARGET_MATCH"
	ReasonTargetMiss   Reason = "TARGET_MISS"
	ReasonGroupBlocked Reason = "GROUP_BLOCKED"
	ReasonRollout      Reason = "ROLLOUT"
	ReasonDefault      Reason = "DEFAULT"
)

// ValueKind discriminates the payload types a flag value can carry.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindBool
	KindString
	KindNumber
	KindStruct
)

var errUnsupportedValue = errors.New("unsupported flag value type")

// Value is the tagged payload attached to a flag. It serializes as the bare
// JSON value (boolean, string, number, or object) so the persisted blob
// stays compact.
type Value struct {
	kind ValueKind
	b    bool
	s    string
	n    float64
	obj  map[string]any
}

func BoolValue(v bool) Value             { return Value{kind: KindBool, b: v} }
func StringValue(v string) Value         { return Value{kind: KindString, s: v} }
func NumberValue(v float64) Value        { return Value{kind: KindNumber, n: v} }
func StructValue(v map[string]any) Value { return Value{kind: KindStruct, obj: v} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) Number() (float64, bool) {
	return v.n, v.kind == KindNumber
}

func (v Value) Struct() (map[string]any, bool) {
	return v.obj, v.kind == KindStruct
}

// Any returns the untyped payload, or nil when no value is set.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindStruct:
		return v.obj
	default:
		return nil
	}
}

// IsEmpty reports whether the value should be coalesced away by GetValue:
// unset, false, zero, the empty string, or an empty structured object.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindBool:
		return !v.b
	case KindString:
		return v.s == ""
	case KindNumber:
		return v.n == 0
	case KindStruct:
		return len(v.obj) == 0
	default:
		return true
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch typed := raw.(type) {
	case nil:
		*v = Value{}
	case bool:
		*v = BoolValue(typed)
	case string:
		*v = StringValue(typed)
	case float64:
		*v = NumberValue(typed)
	case map[string]any:
		*v = StructValue(typed)
	default:
		return fmt.Errorf("%w: %T", errUnsupportedValue, raw)
	}

	return nil
}

// FlagDefinition describes one controllable capability. A nil optional
// field means the corresponding targeting rule is not configured; an empty
// non-nil allow-list still activates its rule.
type FlagDefinition struct {
	Key               string   `json:"key"`
	Value             Value    `json:"value"`
	Enabled           bool     `json:"enabled"`
	RolloutPercentage *int     `json:"rolloutPercentage,omitempty"`
	UserGroups        []string `json:"userGroups,omitempty"`
	UserIDs           []string `json:"userIds,omitempty"`
	// ExpiresAt is an absolute expiry in epoch milliseconds; zero means no
	// expiry.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// MarshalJSON emits non-nil empty allow-lists as [] instead of dropping
// them. An empty list means "rule active, blocks everyone", so it must
// survive a snapshot round trip; only nil lists are omitted.
func (d FlagDefinition) MarshalJSON() ([]byte, error) {
	shadow := struct {
		Key               string          `json:"key"`
		Value             Value           `json:"value"`
		Enabled           bool            `json:"enabled"`
		RolloutPercentage *int            `json:"rolloutPercentage,omitempty"`
		UserGroups        json.RawMessage `json:"userGroups,omitempty"`
		UserIDs           json.RawMessage `json:"userIds,omitempty"`
		ExpiresAt         int64           `json:"expiresAt,omitempty"`
	}{
		Key:               d.Key,
		Value:             d.Value,
		Enabled:           d.Enabled,
		RolloutPercentage: d.RolloutPercentage,
		ExpiresAt:         d.ExpiresAt,
	}

	var err error
	if shadow.UserGroups, err = marshalAllowList(d.UserGroups); err != nil {
		return nil, err
	}
	if shadow.UserIDs, err = marshalAllowList(d.UserIDs); err != nil {
		return nil, err
	}

	return json.Marshal(shadow)
}

func marshalAllowList(list []string) (json.RawMessage, error) {
	if list == nil {
		return nil, nil
	}

	return json.Marshal(list)
}

// Normalize returns a copy with RolloutPercentage clamped to [0, 100].
// Write paths normalize so the registry never holds an out-of-range value.
func (d FlagDefinition) Normalize() FlagDefinition {
	if d.RolloutPercentage != nil {
		pct := *d.RolloutPercentage
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		d.RolloutPercentage = &pct
	}

	return d
}

// EvaluationContext holds the subject being evaluated. An empty SubjectID
// means no subject is known.
type EvaluationContext struct {
	SubjectID string   `json:"subjectId,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// Decision is the outcome of evaluating a single flag.
type Decision struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}
