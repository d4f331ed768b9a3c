// Package lockout tracks failed authentication attempts and temporary account
// locks. Lock state is always evaluated before any permission lookup.
//
// Counters are updated with a plain read-modify-write. Two near-simultaneous
// failures may both read the same count, so the lock can trigger one attempt
// later than the threshold. That bounded relaxation is accepted instead of
// serialising logins.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for the lockout policy.
const (
	DefaultThreshold      = 5
	DefaultDuration       = 15 * time.Minute
	DefaultManualDuration = 24 * time.Hour
)

// State is the lock state of a principal.
type State string

// Lock states.
const (
	StateOpen   State = "OPEN"
	StateLocked State = "LOCKED"
)

// ErrLocked matches every *LockedError.
var ErrLocked = errors.New("account locked")

// LockedError carries retry-after information for a locked principal.
type LockedError struct {
	PrincipalID int64
	LockedUntil time.Time
	RetryAfter  time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for %s", e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrLocked) match.
func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Record is the persisted lock state of one principal.
type Record struct {
	FailedAttempts int
	LockedUntil    time.Time
}

// LockState is the observable state returned to callers.
type LockState struct {
	PrincipalID    int64         `json:"principal_id"`
	State          State         `json:"state"`
	FailedAttempts int           `json:"failed_attempts"`
	LockedUntil    *time.Time    `json:"locked_until,omitempty"`
	RetryAfter     time.Duration `json:"retry_after_ns,omitempty"`
}

// Locked reports whether the state is LOCKED.
func (s LockState) Locked() bool { return s.State == StateLocked }

// Err returns a *LockedError when locked, nil otherwise.
func (s LockState) Err() error {
	if !s.Locked() || s.LockedUntil == nil {
		return nil
	}
	return &LockedError{PrincipalID: s.PrincipalID, LockedUntil: *s.LockedUntil, RetryAfter: s.RetryAfter}
}

// Store persists lock records. Load returns shared.ErrNotFound when the
// backend knows principals and this one does not exist.
type Store interface {
	Load(ctx context.Context, principalID int64) (Record, error)
	Save(ctx context.Context, principalID int64, rec Record) error
}

// Config tunes a Tracker.
type Config struct {
	Threshold      int
	Duration       time.Duration
	ManualDuration time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	// OnLocked is called whenever a principal transitions to LOCKED.
	OnLocked func(ctx context.Context, principalID int64, until time.Time, manual bool)
}

// Tracker implements the OPEN/LOCKED state machine.
type Tracker struct {
	store          Store
	threshold      int
	duration       time.Duration
	manualDuration time.Duration
	now            func() time.Time
	logger         *slog.Logger
	onLocked       func(ctx context.Context, principalID int64, until time.Time, manual bool)
}

// NewTracker constructs a Tracker with defaults for unset fields.
func NewTracker(store Store, cfg Config) *Tracker {
	t := &Tracker{
		store:          store,
		threshold:      cfg.Threshold,
		duration:       cfg.Duration,
		manualDuration: cfg.ManualDuration,
		now:            cfg.Now,
		logger:         cfg.Logger,
		onLocked:       cfg.OnLocked,
	}
	if t.threshold <= 0 {
		t.threshold = DefaultThreshold
	}
	if t.duration <= 0 {
		t.duration = DefaultDuration
	}
	if t.manualDuration <= 0 {
		t.manualDuration = DefaultManualDuration
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// CheckLock returns the current state without modifying it.
func (t *Tracker) CheckLock(ctx context.Context, principalID int64) (LockState, error) {
	rec, err := t.store.Load(ctx, principalID)
	if err != nil {
		return LockState{PrincipalID: principalID, State: StateOpen}, err
	}
	return t.stateOf(principalID, rec, t.now()), nil
}

// RecordFailedAuth counts a failed credential check and locks the principal
// once the threshold is reached. A failure after an expired lock starts a new
// series.
func (t *Tracker) RecordFailedAuth(ctx context.Context, principalID int64) (LockState, error) {
	now := t.now()
	rec, err := t.store.Load(ctx, principalID)
	if err != nil {
		return LockState{PrincipalID: principalID, State: StateOpen}, err
	}
	if !rec.LockedUntil.IsZero() && !rec.LockedUntil.After(now) {
		rec = Record{}
	}
	if rec.LockedUntil.After(now) {
		return t.stateOf(principalID, rec, now), nil
	}
	rec.FailedAttempts++
	locked := false
	if rec.FailedAttempts >= t.threshold {
		rec.LockedUntil = now.Add(t.duration)
		locked = true
	}
	if err := t.store.Save(ctx, principalID, rec); err != nil {
		return LockState{PrincipalID: principalID, State: StateOpen}, err
	}
	if locked {
		t.logger.Warn("account locked",
			slog.Int64("principal_id", principalID),
			slog.Int("failed_attempts", rec.FailedAttempts),
			slog.Time("locked_until", rec.LockedUntil))
		t.notify(ctx, principalID, rec.LockedUntil, false)
	}
	return t.stateOf(principalID, rec, now), nil
}

// RecordSuccessfulAuth resets the counter and clears any lock.
func (t *Tracker) RecordSuccessfulAuth(ctx context.Context, principalID int64) error {
	rec, err := t.store.Load(ctx, principalID)
	if err != nil {
		return err
	}
	if rec == (Record{}) {
		return nil
	}
	return t.store.Save(ctx, principalID, Record{})
}

// Lock places a manual lock. Locking an already locked principal keeps the
// existing window.
func (t *Tracker) Lock(ctx context.Context, principalID int64) (LockState, error) {
	now := t.now()
	rec, err := t.store.Load(ctx, principalID)
	if err != nil {
		return LockState{PrincipalID: principalID, State: StateOpen}, err
	}
	if rec.LockedUntil.After(now) {
		return t.stateOf(principalID, rec, now), nil
	}
	rec.LockedUntil = now.Add(t.manualDuration)
	if err := t.store.Save(ctx, principalID, rec); err != nil {
		return LockState{PrincipalID: principalID, State: StateOpen}, err
	}
	t.logger.Info("account locked manually", slog.Int64("principal_id", principalID), slog.Time("locked_until", rec.LockedUntil))
	t.notify(ctx, principalID, rec.LockedUntil, true)
	return t.stateOf(principalID, rec, now), nil
}

// Unlock clears the lock and the failure counter. Unlocking an open principal
// is a no-op.
func (t *Tracker) Unlock(ctx context.Context, principalID int64) error {
	return t.RecordSuccessfulAuth(ctx, principalID)
}

func (t *Tracker) stateOf(principalID int64, rec Record, now time.Time) LockState {
	st := LockState{PrincipalID: principalID, State: StateOpen, FailedAttempts: rec.FailedAttempts}
	if rec.LockedUntil.After(now) {
		until := rec.LockedUntil
		st.State = StateLocked
		st.LockedUntil = &until
		st.RetryAfter = until.Sub(now)
	}
	return st
}

func (t *Tracker) notify(ctx context.Context, principalID int64, until time.Time, manual bool) {
	if t.onLocked != nil {
		t.onLocked(ctx, principalID, until, manual)
	}
}
