package auth

import "time"

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	MFASecret    string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MFAEnabled reports whether the user enrolled a TOTP secret.
func (u User) MFAEnabled() bool { return u.MFASecret != "" }

// Enrollment is returned once when a TOTP secret is generated.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}
