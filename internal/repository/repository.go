package repository

import (
	"context"
	"time"

	"github.com/sakif/account-auth/internal/model"
)

// AccountRepository is the persistence contract the session service depends
// on. Implementations live in repository/sqlite and repository/postgres.
//
// Errors follow internal/apperror: a missing row is apperror.ErrNotFound and
// a duplicate email or Google id is apperror.ErrConflict. Anything else is a
// wrapped driver error.
//
// Writes are narrow on purpose: each method touches only its own columns in
// one statement, so a lockout update can never overwrite a refresh token that
// a concurrent request just rotated.
type AccountRepository interface {
	// CreateAccount assigns ID, CreatedAt and UpdatedAt on the passed account.
	CreateAccount(ctx context.Context, account *model.Account) error

	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetAccountByGoogleID(ctx context.Context, googleID string) (*model.Account, error)

	// UpdateAccount saves the profile columns: full name, email, password
	// hash, Google id and avatar URL.
	UpdateAccount(ctx context.Context, account *model.Account) error

	// SetLockState stores the lockout counters. A nil lockedUntil clears the lock.
	SetLockState(ctx context.Context, id string, failures int, lockedUntil *time.Time) error

	// RecordLoginFailure adds one to the failure counter inside the store, so
	// concurrent failures are never lost. When the new count reaches
	// threshold, locked_until becomes lockUntil. A lock still active at now is
	// left untouched. It returns the counters as stored after the write.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (failures int, lockedUntil *time.Time, err error)

	// SetRefreshToken overwrites the refresh-token slot; "" clears it.
	SetRefreshToken(ctx context.Context, id, token string) error

	// SwapRefreshToken replaces the stored refresh token with next only if it
	// still equals presented. It returns false when another request already
	// rotated (or logout cleared) the token.
	SwapRefreshToken(ctx context.Context, id, presented, next string) (bool, error)

	AppendActivity(ctx context.Context, id string, entry model.ActivityEntry) error
}
