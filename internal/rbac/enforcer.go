package rbac

import (
	"context"
	"errors"
	"log/slog"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// LockChecker exposes the lock gate consulted before any policy lookup.
type LockChecker interface {
	CheckLock(ctx context.Context, principalID int64) (lockout.LockState, error)
}

// DecisionObserver records decision outcomes, typically as metrics.
type DecisionObserver interface {
	ObserveDecision(reason string, allowed bool)
}

// EnforcerConfig groups the collaborators of an Enforcer.
type EnforcerConfig struct {
	Evaluator Evaluator
	Locks     LockChecker
	Audit     AuditHook
	Logger    *slog.Logger
	Observer  DecisionObserver
}

// Enforcer is the enforcement boundary every protected operation goes
// through: lock gate, evaluation, decision, audit.
type Enforcer struct {
	evaluator Evaluator
	guard     Guard
	locks     LockChecker
	audit     AuditHook
	logger    *slog.Logger
	observer  DecisionObserver
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(cfg EnforcerConfig) *Enforcer {
	e := &Enforcer{
		evaluator: cfg.Evaluator,
		guard:     NewGuard(),
		locks:     cfg.Locks,
		audit:     cfg.Audit,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}
	if e.audit == nil {
		e.audit = NopAudit
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Evaluate exposes the underlying evaluator.
func (e *Enforcer) Evaluate(ctx context.Context, principalID int64) (EffectivePermissions, error) {
	return e.evaluator.Evaluate(ctx, principalID)
}

// AuthorizeOption adjusts a single Authorize call.
type AuthorizeOption func(*authorizeOptions)

type authorizeOptions struct {
	stepUpChecked bool
	stepUp        bool
}

// WithStepUp makes CRITICAL matches depend on a recent MFA step-up. When
// verified is false such a match becomes a ReasonMFARequired deny.
func WithStepUp(verified bool) AuthorizeOption {
	return func(o *authorizeOptions) {
		o.stepUpChecked = true
		o.stepUp = verified
	}
}

// Authorize decides whether principalID satisfies req. Errors never escape:
// a lock, a missing principal or an unavailable store all become a deny
// decision with the matching reason.
func (e *Enforcer) Authorize(ctx context.Context, principalID int64, req Requirement, opts ...AuthorizeOption) Decision {
	var o authorizeOptions
	for _, opt := range opts {
		opt(&o)
	}
	d := e.authorize(ctx, principalID, req, o)
	if e.observer != nil {
		e.observer.ObserveDecision(string(d.Reason), d.Allowed)
	}
	return d
}

func (e *Enforcer) authorize(ctx context.Context, principalID int64, req Requirement, o authorizeOptions) Decision {
	if principalID <= 0 {
		if len(req.Needs) == 0 {
			return Decision{Allowed: true, Reason: ReasonNoRequirement}
		}
		return e.deny(ctx, principalID, req, Decision{Reason: ReasonUnauthenticated, Missing: needKeys(req)})
	}

	if e.locks != nil {
		st, err := e.locks.CheckLock(ctx, principalID)
		switch {
		case err != nil && !errors.Is(err, shared.ErrNotFound):
			return e.unavailable(ctx, principalID, req, err)
		case err == nil && st.Locked():
			return e.deny(ctx, principalID, req, Decision{Reason: ReasonLocked, Missing: needKeys(req), RetryAfter: st.RetryAfter})
		}
	}

	if len(req.Needs) == 0 {
		return Decision{Allowed: true, Reason: ReasonNoRequirement}
	}

	eff, err := e.evaluator.Evaluate(ctx, principalID)
	if err != nil {
		return e.unavailable(ctx, principalID, req, err)
	}

	d := e.guard.Decide(eff, req)
	if !d.Allowed {
		return e.deny(ctx, principalID, req, d)
	}
	if d.RequiresMFA && o.stepUpChecked && !o.stepUp {
		return e.deny(ctx, principalID, req, Decision{Reason: ReasonMFARequired, Missing: d.Critical, Critical: d.Critical, RequiresMFA: true})
	}
	switch {
	case d.Reason == ReasonSuperRole:
		ev := NewAuditEvent(AuditSuperBypass, principalID, "")
		ev.Keys = d.Matched
		ev.Reason = d.Reason
		e.audit.Notify(ctx, ev)
	case len(d.Critical) > 0:
		ev := NewAuditEvent(AuditCriticalUsed, principalID, "")
		ev.Keys = d.Critical
		ev.Reason = d.Reason
		e.audit.Notify(ctx, ev)
	}
	return d
}

func (e *Enforcer) deny(ctx context.Context, principalID int64, req Requirement, d Decision) Decision {
	d.Allowed = false
	ev := NewAuditEvent(AuditDenied, principalID, "")
	ev.Keys = d.Missing
	ev.Reason = d.Reason
	ev.Meta = map[string]any{"mode": string(modeOf(req))}
	e.audit.Notify(ctx, ev)
	e.logger.Info("access denied",
		slog.Int64("principal_id", principalID),
		slog.String("reason", string(d.Reason)),
		slog.Any("missing", keyStrings(d.Missing)))
	return d
}

func (e *Enforcer) unavailable(ctx context.Context, principalID int64, req Requirement, err error) Decision {
	if errors.Is(err, context.Canceled) {
		return Decision{Allowed: false, Reason: ReasonUnavailable, Missing: needKeys(req)}
	}
	e.logger.Error("rbac evaluation unavailable", slog.Int64("principal_id", principalID), slog.Any("error", err))
	ev := NewAuditEvent(AuditUnavailable, principalID, "")
	ev.Keys = needKeys(req)
	ev.Reason = ReasonUnavailable
	e.audit.Notify(ctx, ev)
	return Decision{Allowed: false, Reason: ReasonUnavailable, Missing: needKeys(req)}
}

func needKeys(req Requirement) []PermissionKey {
	keys := make([]PermissionKey, 0, len(req.Needs))
	for _, n := range req.Needs {
		keys = append(keys, n.Key())
	}
	return dedupe(keys)
}

func modeOf(req Requirement) Combinator {
	if req.Mode == MatchAny {
		return MatchAny
	}
	return MatchAll
}

func keyStrings(keys []PermissionKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
