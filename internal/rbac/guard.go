package rbac

import (
	"sort"
	"time"
)

// Combinator selects how the needs of a requirement are combined.
type Combinator string

// Supported combinators.
const (
	MatchAll Combinator = "ALL"
	MatchAny Combinator = "ANY"
)

// Need is one required (resource, action, scope) tuple. An empty scope only
// matches grants with scope "all".
type Need struct {
	Resource string
	Action   string
	Scope    Scope
}

// Key returns the key the need is matched against.
func (n Need) Key() PermissionKey {
	return Key(n.Resource, n.Action, n.Scope)
}

// Requirement is what a protected operation declares.
type Requirement struct {
	Mode  Combinator
	Needs []Need
}

// All builds an ALL requirement.
func All(needs ...Need) Requirement { return Requirement{Mode: MatchAll, Needs: needs} }

// Any builds an ANY requirement.
func Any(needs ...Need) Requirement { return Requirement{Mode: MatchAny, Needs: needs} }

// Can is shorthand for a Need.
func Can(resource, action string, scope Scope) Need {
	return Need{Resource: resource, Action: action, Scope: scope}
}

// Reason explains a decision. It is safe to log and to return to clients.
type Reason string

// Decision reasons.
const (
	ReasonGranted         Reason = "granted"
	ReasonNoRequirement   Reason = "no_requirement"
	ReasonSuperRole       Reason = "super_role"
	ReasonMissing         Reason = "missing_permissions"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonLocked          Reason = "locked"
	ReasonUnavailable     Reason = "unavailable"
	ReasonMFARequired     Reason = "mfa_required"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Missing lists the needs that were not satisfied, on deny.
	Missing []PermissionKey
	// Matched lists the needs that were satisfied.
	Matched []PermissionKey
	// Critical lists matched keys with CRITICAL risk.
	Critical    []PermissionKey
	RequiresMFA bool
	// RetryAfter is set when the principal is locked.
	RetryAfter time.Duration
}

// Guard compares effective permissions against requirements.
type Guard struct{}

// NewGuard constructs a Guard.
func NewGuard() Guard { return Guard{} }

// Decide returns allow or deny for the requirement. It never errors; every
// evaluation uncertainty has already been resolved by the caller.
func (Guard) Decide(eff EffectivePermissions, req Requirement) Decision {
	if len(req.Needs) == 0 {
		return Decision{Allowed: true, Reason: ReasonNoRequirement}
	}
	if eff.Super {
		matched := make([]PermissionKey, 0, len(req.Needs))
		for _, n := range req.Needs {
			matched = append(matched, n.Key())
		}
		return Decision{Allowed: true, Reason: ReasonSuperRole, Matched: dedupe(matched)}
	}

	var matched, missing, critical []PermissionKey
	for _, n := range req.Needs {
		k := n.Key()
		grant, ok := eff.Keys[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		matched = append(matched, k)
		if grant.RiskLevel == RiskCritical {
			critical = append(critical, k)
		}
	}
	matched, missing, critical = dedupe(matched), dedupe(missing), dedupe(critical)

	allowed := false
	switch req.Mode {
	case MatchAny:
		allowed = len(matched) > 0
	default:
		allowed = len(missing) == 0
	}
	if !allowed {
		return Decision{Allowed: false, Reason: ReasonMissing, Missing: missing, Matched: matched}
	}
	return Decision{
		Allowed:     true,
		Reason:      ReasonGranted,
		Matched:     matched,
		Critical:    critical,
		RequiresMFA: len(critical) > 0,
	}
}

func dedupe(keys []PermissionKey) []PermissionKey {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[PermissionKey]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortKeys(keys []PermissionKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Scope < b.Scope
	})
}
