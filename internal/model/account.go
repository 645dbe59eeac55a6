// Package model defines the data structures used throughout the application.
package model

import "time"

// Activity actions recorded on an account. The strings are stored verbatim
// and shown to users, so they read as labels rather than identifiers.
const (
	ActionLoggedIn        = "Logged In"
	ActionLoggedOut       = "Logged Out"
	ActionPasswordChanged = "User Changed Password"
	ActionProfileUpdated  = "User Update Profile"
	ActionAvatarChanged   = "User change profile avatar"
)

// ActivityEntry is one line of an account's activity log.
type ActivityEntry struct {
	Action string    `json:"action" db:"action"`
	At     time.Time `json:"at"     db:"at"`
}

// Account is the only persisted entity: a person who can sign in, either with
// an email/password pair, a Google identity, or both.
//
// Optional string fields use "" for "not set", as the rest of the codebase
// does; the repositories translate "" to SQL NULL where uniqueness matters
// (google_id, refresh_token).
//
// PasswordHash and RefreshToken carry `json:"-"` so that every JSON rendering
// of an Account is already the client-safe projection. There is no way to
// leak them by forgetting to strip fields in a handler.
type Account struct {
	ID           string `json:"id"`
	FullName     string `json:"fullName"`
	Email        string `json:"email"` // stored lowercase
	PasswordHash string `json:"-"`     // empty for Google-only accounts
	GoogleID     string `json:"googleId,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`

	// RefreshToken is the single currently valid refresh token. Issuing a new
	// one (login, refresh) replaces it; logout clears it. This is the whole
	// revocation mechanism: a second device logging in evicts the first.
	RefreshToken string `json:"-"`

	LoginFailureCount int        `json:"loginFailureCount"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`

	// ActivityLog is append-only, oldest first. It grows without bound.
	ActivityLog []ActivityEntry `json:"activityLog"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasPassword reports whether the account can log in locally.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}
