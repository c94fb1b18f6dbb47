// Package policy defines the typed values behind the key→JSON policy store.
// Each known key decodes into its own struct so gate logic stays exhaustive
// instead of poking at untyped maps.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known policy keys.
const (
	KeyAutoApprove      = "auto_approve"
	KeyDailyProposalCap = "daily_proposal_cap"
	KeyStaleStepTimeout = "stale_step_timeout_min"
)

// KindCapKey returns the per-kind cap key, e.g. "content_cap".
func KindCapKey(kind string) string {
	return kind + "_cap"
}

// IsKindCapKey reports whether key names a per-kind cap and returns the kind.
func IsKindCapKey(key string) (string, bool) {
	if kind, ok := strings.CutSuffix(key, "_cap"); ok && kind != "" && key != KeyDailyProposalCap {
		return kind, true
	}
	return "", false
}

// AutoApprove is the allow-list gate for proposal kinds.
type AutoApprove struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Kinds   []string `json:"kinds" yaml:"kinds"`
}

func (a AutoApprove) Allows(kind string) bool {
	if !a.Enabled {
		return false
	}
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DailyProposalCap limits proposals per agent per UTC day.
type DailyProposalCap struct {
	Max int `json:"max" yaml:"max"`
}

// KindCap limits proposals of one kind per UTC day.
type KindCap struct {
	MaxPerDay int `json:"max_per_day" yaml:"max_per_day"`
}

// StaleStepTimeout bounds how long a step may sit in running before the
// recovery sweep fails and requeues it.
type StaleStepTimeout struct {
	Minutes int `json:"value" yaml:"value"`
}

func DecodeAutoApprove(raw string) (AutoApprove, error) {
	var v AutoApprove
	if err := decode(raw, &v); err != nil {
		return v, fmt.Errorf("policy %s: %w", KeyAutoApprove, err)
	}
	return v, nil
}

func DecodeDailyProposalCap(raw string) (DailyProposalCap, error) {
	var v DailyProposalCap
	if err := decode(raw, &v); err != nil {
		return v, fmt.Errorf("policy %s: %w", KeyDailyProposalCap, err)
	}
	return v, nil
}

func DecodeKindCap(raw string) (KindCap, error) {
	var v KindCap
	if err := decode(raw, &v); err != nil {
		return v, fmt.Errorf("kind cap policy: %w", err)
	}
	return v, nil
}

func DecodeStaleStepTimeout(raw string) (StaleStepTimeout, error) {
	var v StaleStepTimeout
	if err := decode(raw, &v); err != nil {
		return v, fmt.Errorf("policy %s: %w", KeyStaleStepTimeout, err)
	}
	return v, nil
}

func decode(raw string, into any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), into)
}

// Encode marshals a typed policy value for storage.
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode policy value: %w", err)
	}
	return string(b), nil
}
