// Package state implements the three-tier workflow state model: frozen
// inputs, mutable state, and dependency-tracked computed fields, all
// addressed through scoped dotted paths.
package state

import (
	"strings"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// Tier identifies which of the three tiers (plus the cross-cutting
// this/global/loop scopes) a resolved path belongs to.
type Tier string

const (
	TierInputs   Tier = "inputs"
	TierState    Tier = "state"
	TierComputed Tier = "computed"
	TierThis     Tier = "this"
	TierGlobal   Tier = "global"
	TierLoop     Tier = "loop"
)

// Path is a parsed scoped reference: its tier and the dot-separated segments
// after the tier prefix, e.g. "state.user.name" -> {TierState, []string{"user","name"}}.
type Path struct {
	Tier     Tier
	Segments []string
}

// String reconstructs the canonical dotted form.
func (p Path) String() string {
	if len(p.Segments) == 0 {
		return string(p.Tier)
	}
	return string(p.Tier) + "." + strings.Join(p.Segments, ".")
}

// ParsePath resolves a raw path string into its tier and segments. The
// legacy "raw." prefix is accepted as an alias for "inputs."; paths with
// no recognized tier prefix are treated as implicit `this.*` references,
// matching template resolution's bare-identifier behavior.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, &models.ValidationError{Field: "path", Message: "path must not be empty"}
	}
	parts := strings.Split(raw, ".")
	switch parts[0] {
	case "raw":
		return Path{Tier: TierInputs, Segments: parts[1:]}, nil
	case "inputs", "state", "computed", "this", "global", "loop":
		return Path{Tier: Tier(parts[0]), Segments: parts[1:]}, nil
	default:
		return Path{Tier: TierThis, Segments: parts}, nil
	}
}

// Mutable reports whether a tier can be the target of apply_updates.
// Only `state` is ever a write target; inputs are frozen and computed
// fields are derived, never written directly (Invariant: inputs read-only).
func (t Tier) Mutable() bool {
	return t == TierState
}
