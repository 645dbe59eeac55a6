package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/xid"

	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/model"
	"github.com/sakif/account-auth/internal/repository"
)

var _ repository.AccountRepository = (*DB)(nil)

// uniqueViolation is the SQLSTATE Postgres reports for a UNIQUE conflict.
const uniqueViolation = "23505"

const accountColumns = `id, full_name, email, password_hash, google_id, avatar_url,
	refresh_token, login_failure_count, locked_until, created_at, updated_at`

// accountRow is the scan target; nullable columns stay nullable here and are
// flattened into model.Account by toModel.
type accountRow struct {
	ID                string         `db:"id"`
	FullName          string         `db:"full_name"`
	Email             string         `db:"email"`
	PasswordHash      sql.NullString `db:"password_hash"`
	GoogleID          sql.NullString `db:"google_id"`
	AvatarURL         string         `db:"avatar_url"`
	RefreshToken      sql.NullString `db:"refresh_token"`
	LoginFailureCount int            `db:"login_failure_count"`
	LockedUntil       sql.NullTime   `db:"locked_until"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r accountRow) toModel() *model.Account {
	a := &model.Account{
		ID:                r.ID,
		FullName:          r.FullName,
		Email:             r.Email,
		PasswordHash:      r.PasswordHash.String,
		GoogleID:          r.GoogleID.String,
		AvatarURL:         r.AvatarURL,
		RefreshToken:      r.RefreshToken.String,
		LoginFailureCount: r.LoginFailureCount,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LockedUntil.Valid {
		t := r.LockedUntil.Time
		a.LockedUntil = &t
	}
	return a
}

func (d *DB) CreateAccount(ctx context.Context, account *model.Account) error {
	now := time.Now().UTC()
	account.ID = xid.New().String()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
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
		if conflict := conflictFor(err, account); conflict != nil {
			return conflict
		}
		return fmt.Errorf("postgres: inserting account (email=%s): %w", account.Email, err)
	}
	return nil
}

func (d *DB) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	return d.getAccount(ctx, "id", id)
}

func (d *DB) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return d.getAccount(ctx, "email", email)
}

func (d *DB) GetAccountByGoogleID(ctx context.Context, googleID string) (*model.Account, error) {
	return d.getAccount(ctx, "google_id", googleID)
}

// column is one of the three constants above, never user input.
func (d *DB) getAccount(ctx context.Context, column, value string) (*model.Account, error) {
	var row accountRow
	err := d.db.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT %s FROM accounts WHERE %s = $1`, accountColumns, column),
		value,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", value)
		}
		return nil, fmt.Errorf("postgres: getting account by %s: %w", column, err)
	}

	account := row.toModel()
	account.ActivityLog = []model.ActivityEntry{}
	if err := d.db.SelectContext(ctx, &account.ActivityLog,
		`SELECT action, at FROM activity_log WHERE account_id = $1 ORDER BY id`,
		account.ID,
	); err != nil {
		return nil, fmt.Errorf("postgres: listing activity for %s: %w", account.ID, err)
	}

	return account, nil
}

func (d *DB) UpdateAccount(ctx context.Context, account *model.Account) error {
	account.UpdatedAt = time.Now().UTC()

	res, err := d.db.ExecContext(ctx,
		`UPDATE accounts SET
			full_name = $1, email = $2, password_hash = $3, google_id = $4, avatar_url = $5, updated_at = $6
		 WHERE id = $7`,
		account.FullName,
		account.Email,
		nullString(account.PasswordHash),
		nullString(account.GoogleID),
		account.AvatarURL,
		account.UpdatedAt,
		account.ID,
	)
	if err != nil {
		if conflict := conflictFor(err, account); conflict != nil {
			return conflict
		}
		return fmt.Errorf("postgres: updating account %s: %w", account.ID, err)
	}
	return expectOneRow(res, account.ID)
}

func (d *DB) SetLockState(ctx context.Context, id string, failures int, lockedUntil *time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE accounts SET login_failure_count = $1, locked_until = $2, updated_at = $3 WHERE id = $4`,
		failures, nullTime(lockedUntil), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: setting lock state for %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

type lockRow struct {
	Failures    int          `db:"login_failure_count"`
	LockedUntil sql.NullTime `db:"locked_until"`
}

// RecordLoginFailure increments the counter with UPDATE ... RETURNING. When
// the guard skips the row (lock still active, or no such account) the current
// state is read back instead.
func (d *DB) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (int, *time.Time, error) {
	var row lockRow
	err := d.db.GetContext(ctx, &row,
		`UPDATE accounts SET
			login_failure_count = login_failure_count + 1,
			locked_until = CASE WHEN login_failure_count + 1 >= $1 THEN $2::timestamptz ELSE NULL END,
			updated_at = $3
		 WHERE id = $4 AND (locked_until IS NULL OR locked_until <= $5)
		 RETURNING login_failure_count, locked_until`,
		threshold, lockUntil.UTC(), time.Now().UTC(), id, now.UTC(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = d.db.GetContext(ctx, &row,
			`SELECT login_failure_count, locked_until FROM accounts WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, apperror.NotFound("account", id)
		}
	}
	if err != nil {
		return 0, nil, fmt.Errorf("postgres: recording login failure for %s: %w", id, err)
	}

	if !row.LockedUntil.Valid {
		return row.Failures, nil, nil
	}
	t := row.LockedUntil.Time
	return row.Failures, &t, nil
}

func (d *DB) SetRefreshToken(ctx context.Context, id, token string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = $1, updated_at = $2 WHERE id = $3`,
		nullString(token), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: setting refresh token for %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

// SwapRefreshToken compares and sets in one UPDATE. Postgres row locking
// makes the second of two concurrent swaps re-check the WHERE clause against
// the first one's result, so it matches zero rows.
func (d *DB) SwapRefreshToken(ctx context.Context, id, presented, next string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE accounts SET refresh_token = $1, updated_at = $2
		 WHERE id = $3 AND refresh_token = $4`,
		nullString(next), time.Now().UTC(), id, presented,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: swapping refresh token for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: checking rows affected: %w", err)
	}
	return n == 1, nil
}

func (d *DB) AppendActivity(ctx context.Context, id string, entry model.ActivityEntry) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO activity_log (account_id, action, at) VALUES ($1, $2, $3)`,
		id, entry.Action, entry.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: appending activity for %s: %w", id, err)
	}
	return nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("account", id)
	}
	return nil
}

// conflictFor returns a Conflict error when err is a unique violation, nil
// otherwise.
func conflictFor(err error, account *model.Account) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	if pqErr.Constraint == "accounts_google_id_key" {
		return apperror.Conflict("account google id", account.GoogleID)
	}
	return apperror.Conflict("account email", account.Email)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
