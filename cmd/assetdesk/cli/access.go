package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

// LockAdmin is the lockout surface used by AccessCLI.
type LockAdmin interface {
	CheckLock(ctx context.Context, principalID int64) (lockout.LockState, error)
	Unlock(ctx context.Context, principalID int64) error
}

// AccessCLI offers operator helpers around the access core.
type AccessCLI struct {
	Evaluator rbac.Evaluator
	Locks     LockAdmin
	Out       io.Writer
}

type explanation struct {
	UserID        int64             `json:"user_id"`
	Super         bool              `json:"super"`
	Roles         []string          `json:"roles"`
	Permissions   []string          `json:"permissions"`
	PolicyVersion int64             `json:"policy_version"`
	ValidUntil    *time.Time        `json:"valid_until,omitempty"`
	Lock          lockout.LockState `json:"lock"`
	Check         *checkResult      `json:"check,omitempty"`
}

type checkResult struct {
	Key     string `json:"key"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Explain prints the effective permissions and lock state of a user. When
// key is not empty it also reports whether that key would be allowed.
func (c *AccessCLI) Explain(ctx context.Context, rawUserID, key string) error {
	userID, err := parseUserID(rawUserID)
	if err != nil {
		return err
	}
	eff, err := c.Evaluator.Evaluate(ctx, userID)
	if err != nil {
		return fmt.Errorf("explain: evaluate: %w", err)
	}
	st, err := c.Locks.CheckLock(ctx, userID)
	if err != nil {
		return fmt.Errorf("explain: lock state: %w", err)
	}
	out := explanation{
		UserID:        userID,
		Super:         eff.Super,
		Roles:         eff.Roles,
		PolicyVersion: eff.PolicyVersion,
		Lock:          st,
	}
	for _, k := range eff.List() {
		out.Permissions = append(out.Permissions, k.String())
	}
	if !eff.ValidUntil.IsZero() {
		v := eff.ValidUntil
		out.ValidUntil = &v
	}
	if key != "" {
		var need rbac.PermissionKey
		if err := need.UnmarshalText([]byte(key)); err != nil {
			return fmt.Errorf("explain: %w", err)
		}
		d := rbac.NewGuard().Decide(eff, rbac.All(rbac.Can(need.Resource, need.Action, need.Scope)))
		if st.Locked() {
			d = rbac.Decision{Reason: rbac.ReasonLocked}
		}
		out.Check = &checkResult{Key: need.String(), Allowed: d.Allowed, Reason: string(d.Reason)}
	}
	enc := json.NewEncoder(c.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Unlock clears the lock and counter of a user.
func (c *AccessCLI) Unlock(ctx context.Context, rawUserID string) error {
	userID, err := parseUserID(rawUserID)
	if err != nil {
		return err
	}
	if err := c.Locks.Unlock(ctx, userID); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	_, err = fmt.Fprintf(c.Out, "user %d unlocked\n", userID)
	return err
}

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}
