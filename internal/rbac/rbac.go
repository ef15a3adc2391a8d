// Package rbac implements the RBAC Engine (C2): a pure function over
// (ResourceRef, Identity) consulted on every relay operation, never cached
// per session.
package rbac

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// ResourceKind tags what a ResourceRef names.
type ResourceKind int

const (
	KindTool ResourceKind = iota
	KindPrompt
	KindResource
)

// ResourceRef is the namespaced identifier a rule is checked against:
// "service:name" for tools/prompts, the raw URI for resources (§3).
type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

// Identity is the two-facet caller identity of §3: arbitrary JWT claims
// plus an optional PROXY-protocol peer identity. Both absent is anonymous.
type Identity struct {
	JWTClaims    map[string]interface{}
	PeerIdentity string // "" means absent
}

// Effect is a rule's outcome when it matches.
type Effect int

const (
	Deny Effect = iota
	Allow
)

// Rule is a predicate over (ResourceRef, Identity). Every field left at its
// zero value is a wildcard, per §4.2 "unspecified fields are wildcards".
type Rule struct {
	Effect Effect

	// Resource matching. HasKind distinguishes "kind unconstrained" from
	// "kind == KindTool" (whose zero value is also KindTool).
	HasKind bool
	Kind    ResourceKind

	// IDPattern, if non-empty, is matched against ResourceRef.ID. It may be
	// an exact string or a glob using '*' as "match anything" (translated
	// to an anchored regexp internally); empty means unconstrained.
	IDPattern string

	// RequiredClaimKey/Value: if RequiredClaimKey is non-empty, the
	// identity's JWT claims must contain that key with this value
	// (exact string equality; a claim whose value is not a JSON string is
	// compared as the empty string).
	RequiredClaimKey   string
	RequiredClaimValue string

	// RequiredPeerIdentity, if non-empty, must equal Identity.PeerIdentity.
	RequiredPeerIdentity string
}

func (r Rule) matches(ref ResourceRef, id Identity) bool {
	if r.HasKind && r.Kind != ref.Kind {
		return false
	}
	if r.IDPattern != "" && !matchPattern(r.IDPattern, ref.ID) {
		return false
	}
	if r.RequiredClaimKey != "" {
		v, ok := id.JWTClaims[r.RequiredClaimKey]
		if !ok {
			return false
		}
		if toString(v) != r.RequiredClaimValue {
			return false
		}
	}
	if r.RequiredPeerIdentity != "" && r.RequiredPeerIdentity != id.PeerIdentity {
		return false
	}
	return true
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// matchPattern supports exact match and '*' globs (no other metacharacters);
// everything else in pattern is treated literally.
func matchPattern(pattern, id string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == id
	}
	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(quoted, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(id)
}

// Engine evaluates an ordered rule list, first-match-wins, deny-by-default.
// It holds no per-session cache: Validate is re-evaluated from the current
// rule set on every call, per §4.2. The rule set itself may be swapped out
// from under concurrent Validate calls by Reload, so a policy source (see
// internal/xds) can push updates without restarting the gateway.
type Engine struct {
	rules atomic.Pointer[[]Rule]
}

// NewEngine builds an Engine from rules in insertion order. The slice is
// copied so later mutation of the caller's slice cannot affect the engine.
func NewEngine(rules []Rule) *Engine {
	e := &Engine{}
	e.Reload(rules)
	return e
}

// Validate is the engine's single pure entry point (§4.2).
func (e *Engine) Validate(ref ResourceRef, id Identity) bool {
	rules := e.rules.Load()
	for _, r := range *rules {
		if r.matches(ref, id) {
			return r.Effect == Allow
		}
	}
	return false
}

// Reload atomically replaces the engine's rule set. In-flight Validate calls
// either see the old set or the new one in full, never a partial mix.
func (e *Engine) Reload(rules []Rule) {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	e.rules.Store(&copied)
}

// Rules returns a copy of the current rule set, for reload diffing/logging.
func (e *Engine) Rules() []Rule {
	rules := e.rules.Load()
	out := make([]Rule, len(*rules))
	copy(out, *rules)
	return out
}
