package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// LockGate is the lockout surface used during credential verification.
type LockGate interface {
	CheckLock(ctx context.Context, principalID int64) (lockout.LockState, error)
	RecordFailedAuth(ctx context.Context, principalID int64) (lockout.LockState, error)
	RecordSuccessfulAuth(ctx context.Context, principalID int64) error
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	locks  LockGate
	issuer string
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, locks LockGate, issuer string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if issuer == "" {
		issuer = "AssetDesk"
	}
	return &Service{repo: repo, locks: locks, issuer: issuer, logger: logger, now: time.Now}
}

// Authenticate validates email/password credentials. The lock state is
// checked before the password so a locked account never reaches bcrypt.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.gate(ctx, user.ID); err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordFailure(ctx, user.ID)
		return nil, shared.ErrInvalidCredentials
	}
	if err := s.locks.RecordSuccessfulAuth(ctx, user.ID); err != nil {
		s.logger.Warn("reset lockout counter", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	return user, nil
}

// EnrollMFA generates and stores a new TOTP secret for the user.
func (s *Service) EnrollMFA(ctx context.Context, userID int64) (Enrollment, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: user.Email})
	if err != nil {
		return Enrollment{}, fmt.Errorf("auth: generate totp: %w", err)
	}
	if err := s.repo.SetMFASecret(ctx, userID, key.Secret()); err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// VerifyMFA checks a TOTP code for step-up. Wrong codes count as failed
// authentication attempts.
func (s *Service) VerifyMFA(ctx context.Context, userID int64, code string) error {
	if err := s.gate(ctx, userID); err != nil {
		return err
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled() {
		return fmt.Errorf("%w: mfa is not enrolled", shared.ErrValidation)
	}
	ok, err := totp.ValidateCustom(code, user.MFASecret, s.now().UTC(), totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
	if err != nil || !ok {
		s.recordFailure(ctx, userID)
		return shared.ErrInvalidCredentials
	}
	return nil
}

// Profile loads the user behind a session.
func (s *Service) Profile(ctx context.Context, userID int64) (*User, error) {
	return s.repo.FindByID(ctx, userID)
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

func (s *Service) gate(ctx context.Context, userID int64) error {
	st, err := s.locks.CheckLock(ctx, userID)
	if err != nil {
		return fmt.Errorf("auth: check lock: %w: %w", shared.ErrUnavailable, err)
	}
	return st.Err()
}

func (s *Service) recordFailure(ctx context.Context, userID int64) {
	st, err := s.locks.RecordFailedAuth(ctx, userID)
	if err != nil {
		s.logger.Error("record failed auth", slog.Int64("user_id", userID), slog.Any("error", err))
		return
	}
	if st.Locked() {
		s.logger.Warn("login locked", slog.Int64("user_id", userID), slog.Int("failed_attempts", st.FailedAttempts))
	}
}
