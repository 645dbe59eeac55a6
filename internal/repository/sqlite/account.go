package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/model"
	"github.com/sakif/account-auth/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, full_name, email, password_hash, google_id, avatar_url,
	refresh_token, login_failure_count, locked_until, created_at, updated_at`

// CreateAccount inserts a new account row. The ID is an xid generated here;
// any ID already set on the struct is overwritten.
func (db *DB) CreateAccount(ctx context.Context, account *model.Account) error {
	now := time.Now().UTC()
	account.ID = xid.New().String()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.FullName,
		account.Email,
		nullString(account.PasswordHash),
		nullString(account.GoogleID),
		account.AvatarURL,
		nullString(account.RefreshToken),
		account.LoginFailureCount,
		nullTime(account.LockedUntil),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictFor(err, account)
		}
		return fmt.Errorf("sqlite: inserting account (email=%s): %w", account.Email, err)
	}

	return nil
}

// GetAccountByID retrieves an account and its activity log by internal ID.
// Returns apperror.ErrNotFound if no account exists with that ID.
func (db *DB) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return db.getAccount(ctx, "id", id)
}

// GetAccountByEmail looks an account up by email, ignoring case.
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return db.getAccount(ctx, "email", email)
}

// GetAccountByGoogleID looks an account up by the Google subject id.
func (db *DB) GetAccountByGoogleID(ctx context.Context, googleID string) (*model.Account, error) {
	return db.getAccount(ctx, "google_id", googleID)
}

// getAccount is shared by the three lookups. column is always one of our own
// constants, never user input, so building the WHERE clause with Sprintf is safe.
func (db *DB) getAccount(ctx context.Context, column, value string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM accounts WHERE %s = ?`, accountColumns, column),
		value,
	)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", value)
		}
		return nil, fmt.Errorf("sqlite: getting account by %s: %w", column, err)
	}

	account.ActivityLog, err = db.listActivity(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	return account, nil
}

// UpdateAccount writes the profile columns in one UPDATE.
func (db *DB) UpdateAccount(ctx context.Context, account *model.Account) error {
	account.UpdatedAt = time.Now().UTC()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET
			full_name = ?, email = ?, password_hash = ?, google_id = ?, avatar_url = ?, updated_at = ?
		 WHERE id = ?`,
		account.FullName,
		account.Email,
		nullString(account.PasswordHash),
		nullString(account.GoogleID),
		account.AvatarURL,
		account.UpdatedAt,
		account.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictFor(err, account)
		}
		return fmt.Errorf("sqlite: updating account %s: %w", account.ID, err)
	}

	return expectOneRow(res, account.ID)
}

// SetLockState stores the lockout counters.
func (db *DB) SetLockState(ctx context.Context, id string, failures int, lockedUntil *time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET login_failure_count = ?, locked_until = ?, updated_at = ? WHERE id = ?`,
		failures, nullTime(lockedUntil), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting lock state for %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

// RecordLoginFailure increments login_failure_count in one UPDATE. The SET
// expressions read the pre-update row, so "login_failure_count + 1" in the
// CASE is the new count.
func (db *DB) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (int, *time.Time, error) {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET
			login_failure_count = login_failure_count + 1,
			locked_until = CASE WHEN login_failure_count + 1 >= ? THEN ? ELSE NULL END,
			updated_at = ?
		 WHERE id = ? AND (locked_until IS NULL OR locked_until <= ?)`,
		threshold, lockUntil.UTC(), time.Now().UTC(), id, now.UTC(),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: recording login failure for %s: %w", id, err)
	}

	var (
		failures    int
		lockedUntil sql.NullTime
	)
	err = db.conn.QueryRowContext(ctx,
		`SELECT login_failure_count, locked_until FROM accounts WHERE id = ?`, id,
	).Scan(&failures, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, apperror.NotFound("account", id)
		}
		return 0, nil, fmt.Errorf("sqlite: reading lock state for %s: %w", id, err)
	}

	if !lockedUntil.Valid {
		return failures, nil, nil
	}
	t := lockedUntil.Time
	return failures, &t, nil
}

// SetRefreshToken overwrites the refresh-token slot unconditionally.
func (db *DB) SetRefreshToken(ctx context.Context, id, token string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = ?, updated_at = ? WHERE id = ?`,
		nullString(token), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting refresh token for %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

// SwapRefreshToken is a compare-and-set on the refresh_token column. The
// WHERE clause does the comparison inside SQLite, so two concurrent callers
// presenting the same token cannot both succeed.
func (db *DB) SwapRefreshToken(ctx context.Context, id, presented, next string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = ?, updated_at = ?
		 WHERE id = ? AND refresh_token = ?`,
		nullString(next),
		time.Now().UTC(),
		id,
		presented,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: swapping refresh token for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	return n == 1, nil
}

// AppendActivity adds one entry to the account's activity log.
func (db *DB) AppendActivity(ctx context.Context, id string, entry model.ActivityEntry) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO activity_log (account_id, action, at) VALUES (?, ?, ?)`,
		id, entry.Action, entry.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: appending activity for %s: %w", id, err)
	}
	return nil
}

func (db *DB) listActivity(ctx context.Context, accountID string) ([]model.ActivityEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT action, at FROM activity_log WHERE account_id = ? ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing activity for %s: %w", accountID, err)
	}
	defer rows.Close()

	entries := []model.ActivityEntry{}
	for rows.Next() {
		var e model.ActivityEntry
		if err := rows.Scan(&e.Action, &e.At); err != nil {
			return nil, fmt.Errorf("sqlite: scanning activity row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating activity rows: %w", err)
	}

	return entries, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("account", id)
	}
	return nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var (
		a            model.Account
		passwordHash sql.NullString
		googleID     sql.NullString
		refreshToken sql.NullString
		lockedUntil  sql.NullTime
	)

	err := row.Scan(
		&a.ID,
		&a.FullName,
		&a.Email,
		&passwordHash,
		&googleID,
		&a.AvatarURL,
		&refreshToken,
		&a.LoginFailureCount,
		&lockedUntil,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.PasswordHash = passwordHash.String
	a.GoogleID = googleID.String
	a.RefreshToken = refreshToken.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		a.LockedUntil = &t
	}

	return &a, nil
}

// nullString maps "" to SQL NULL. google_id relies on this: many NULLs may
// share a UNIQUE column, many empty strings may not.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isUniqueViolation detects SQLite's UNIQUE constraint error. modernc reports
// it as "constraint failed: UNIQUE constraint failed: accounts.email (2067)".
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func conflictFor(err error, account *model.Account) error {
	if strings.Contains(err.Error(), "google_id") {
		return apperror.Conflict("account google id", account.GoogleID)
	}
	return apperror.Conflict("account email", account.Email)
}
