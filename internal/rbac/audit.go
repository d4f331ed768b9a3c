package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditKind classifies audit events raised by the access core.
type AuditKind string

// Audit event kinds.
const (
	AuditCriticalUsed AuditKind = "critical_permission_used"
	AuditDenied       AuditKind = "access_denied"
	AuditUnavailable  AuditKind = "evaluation_unavailable"
	AuditAdminChange  AuditKind = "admin_change"
	AuditLocked       AuditKind = "account_locked"
	AuditSuperBypass  AuditKind = "super_role_bypass"
)

// AuditEvent is handed to the audit layer. It never carries raw internal
// identifiers of permissions, only readable keys.
type AuditEvent struct {
	ID      string          `json:"id"`
	Kind    AuditKind       `json:"kind"`
	ActorID int64           `json:"actor_id"`
	Subject string          `json:"subject,omitempty"`
	Keys    []PermissionKey `json:"keys,omitempty"`
	Reason  Reason          `json:"reason,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
	At      time.Time       `json:"at"`
}

// NewAuditEvent stamps an event with a fresh id and time.
func NewAuditEvent(kind AuditKind, actorID int64, subject string) AuditEvent {
	return AuditEvent{ID: uuid.NewString(), Kind: kind, ActorID: actorID, Subject: subject, At: time.Now().UTC()}
}

// AuditHook receives audit notifications. Implementations must not block for
// long and their failures never change a decision.
type AuditHook interface {
	Notify(ctx context.Context, event AuditEvent)
}

// AuditFunc adapts a function to AuditHook.
type AuditFunc func(ctx context.Context, event AuditEvent)

// Notify implements AuditHook.
func (f AuditFunc) Notify(ctx context.Context, event AuditEvent) { f(ctx, event) }

type nopAudit struct{}

func (nopAudit) Notify(context.Context, AuditEvent) {}

// NopAudit discards every event.
var NopAudit AuditHook = nopAudit{}
