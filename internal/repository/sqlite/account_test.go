package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/model"
)

// newTestDB opens a fresh in-memory database for one test.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestAccount creates a local account and fails the test if it errors.
func createTestAccount(t *testing.T, db *DB, email string) *model.Account {
	t.Helper()
	account := &model.Account{
		FullName:     "Test User",
		Email:        email,
		PasswordHash: "$2a$04$notarealhashbutlongenough",
		AvatarURL:    "https://media.example.com/avatars/a.png",
	}
	if err := db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// =========================================================================
// CREATE TESTS
// =========================================================================

func TestCreateAccount(t *testing.T) {
	db := newTestDB(t)

	account := &model.Account{
		FullName:     "Alice",
		Email:        "a@x.com",
		PasswordHash: "hash",
		AvatarURL:    "https://example.com/avatar.png",
	}

	if err := db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	if account.ID == "" {
		t.Error("CreateAccount() did not set account.ID")
	}
	if account.CreatedAt.IsZero() || account.UpdatedAt.IsZero() {
		t.Error("CreateAccount() did not set timestamps")
	}
}

func TestCreateAccount_DuplicateEmailIgnoresCase(t *testing.T) {
	db := newTestDB(t)
	createTestAccount(t, db, "a@x.com")

	dup := &model.Account{FullName: "Other", Email: "A@X.com"}
	err := db.CreateAccount(context.Background(), dup)

	if err == nil {
		t.Fatal("CreateAccount() should reject an email that differs only in case")
	}
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("CreateAccount() error = %v, want ErrConflict", err)
	}
}

func TestCreateAccount_DuplicateGoogleID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &model.Account{FullName: "G One", Email: "g1@x.com", GoogleID: "google-1"}
	if err := db.CreateAccount(ctx, first); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	second := &model.Account{FullName: "G Two", Email: "g2@x.com", GoogleID: "google-1"}
	err := db.CreateAccount(ctx, second)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("CreateAccount() error = %v, want ErrConflict", err)
	}
}

func TestCreateAccount_ManyAccountsWithoutGoogleID(t *testing.T) {
	db := newTestDB(t)

	// google_id is unique but sparse: local accounts all store NULL.
	createTestAccount(t, db, "one@x.com")
	createTestAccount(t, db, "two@x.com")
	createTestAccount(t, db, "three@x.com")
}

// =========================================================================
// GET TESTS
// =========================================================================

func TestGetAccountByID(t *testing.T) {
	db := newTestDB(t)
	created := createTestAccount(t, db, "byid@x.com")

	found, err := db.GetAccountByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetAccountByID() error = %v", err)
	}

	if found.Email != "byid@x.com" {
		t.Errorf("Email = %q, want %q", found.Email, "byid@x.com")
	}
	if found.PasswordHash != created.PasswordHash {
		t.Errorf("PasswordHash = %q, want %q", found.PasswordHash, created.PasswordHash)
	}
	if found.GoogleID != "" {
		t.Errorf("GoogleID = %q, want empty", found.GoogleID)
	}
	if found.LockedUntil != nil {
		t.Errorf("LockedUntil = %v, want nil", found.LockedUntil)
	}
	if found.ActivityLog == nil || len(found.ActivityLog) != 0 {
		t.Errorf("ActivityLog = %v, want empty non-nil slice", found.ActivityLog)
	}
}

func TestGetAccountByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetAccountByID(context.Background(), "nonexistent-id")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetAccountByID() error = %v, want ErrNotFound", err)
	}
}

func TestGetAccountByEmail_CaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	created := createTestAccount(t, db, "mixed@x.com")

	found, err := db.GetAccountByEmail(context.Background(), "MIXED@x.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail() error = %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("ID = %q, want %q", found.ID, created.ID)
	}
}

func TestGetAccountByGoogleID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account := &model.Account{FullName: "Gina", Email: "gina@x.com", GoogleID: "1093"}
	if err := db.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	found, err := db.GetAccountByGoogleID(ctx, "1093")
	if err != nil {
		t.Fatalf("GetAccountByGoogleID() error = %v", err)
	}
	if found.ID != account.ID {
		t.Errorf("ID = %q, want %q", found.ID, account.ID)
	}
	if found.HasPassword() {
		t.Error("Google-only account should have no password hash")
	}

	_, err = db.GetAccountByGoogleID(ctx, "unknown")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetAccountByGoogleID(unknown) error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// UPDATE TESTS
// =========================================================================

func TestUpdateAccount_Profile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "profile@x.com")

	account.FullName = "Renamed"
	account.Email = "renamed@x.com"
	account.GoogleID = "g-42"
	account.AvatarURL = "https://media.example.com/avatars/b.png"
	if err := db.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}

	found, err := db.GetAccountByEmail(ctx, "renamed@x.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail() error = %v", err)
	}
	if found.FullName != "Renamed" || found.GoogleID != "g-42" || found.AvatarURL != account.AvatarURL {
		t.Errorf("profile not saved: %+v", found)
	}
}

func TestUpdateAccount_LeavesRefreshTokenAlone(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "stale@x.com")

	if err := db.SetRefreshToken(ctx, account.ID, "current"); err != nil {
		t.Fatalf("SetRefreshToken() error = %v", err)
	}

	// account still holds the empty token it was created with.
	account.FullName = "Changed"
	if err := db.UpdateAccount(ctx, account); err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}

	found, _ := db.GetAccountByID(ctx, account.ID)
	if found.RefreshToken != "current" {
		t.Errorf("RefreshToken = %q, want %q", found.RefreshToken, "current")
	}
}

func TestSetLockState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "lock@x.com")

	until := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	if err := db.SetLockState(ctx, account.ID, 5, &until); err != nil {
		t.Fatalf("SetLockState() error = %v", err)
	}

	found, err := db.GetAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccountByID() error = %v", err)
	}
	if found.LoginFailureCount != 5 {
		t.Errorf("LoginFailureCount = %d, want 5", found.LoginFailureCount)
	}
	if found.LockedUntil == nil || !found.LockedUntil.Equal(until) {
		t.Errorf("LockedUntil = %v, want %v", found.LockedUntil, until)
	}

	// Clearing the lock writes NULL back.
	if err := db.SetLockState(ctx, account.ID, 0, nil); err != nil {
		t.Fatalf("SetLockState() error = %v", err)
	}
	cleared, _ := db.GetAccountByID(ctx, account.ID)
	if cleared.LoginFailureCount != 0 || cleared.LockedUntil != nil {
		t.Errorf("lock state = (%d, %v), want (0, nil)", cleared.LoginFailureCount, cleared.LockedUntil)
	}
}

func TestRecordLoginFailure_LocksAtThreshold(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "fail@x.com")

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)

	for i := 1; i <= 4; i++ {
		failures, lockedUntil, err := db.RecordLoginFailure(ctx, account.ID, 5, until, now)
		if err != nil {
			t.Fatalf("RecordLoginFailure() error = %v", err)
		}
		if failures != i || lockedUntil != nil {
			t.Fatalf("after %d failures state = (%d, %v)", i, failures, lockedUntil)
		}
	}

	failures, lockedUntil, err := db.RecordLoginFailure(ctx, account.ID, 5, until, now)
	if err != nil {
		t.Fatalf("RecordLoginFailure() error = %v", err)
	}
	if failures != 5 || lockedUntil == nil || !lockedUntil.Equal(until) {
		t.Fatalf("after 5 failures state = (%d, %v), want (5, %v)", failures, lockedUntil, until)
	}

	// While locked, further failures change nothing.
	failures, lockedUntil, err = db.RecordLoginFailure(ctx, account.ID, 5, until.Add(time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordLoginFailure() error = %v", err)
	}
	if failures != 5 || lockedUntil == nil || !lockedUntil.Equal(until) {
		t.Errorf("failure while locked changed state to (%d, %v)", failures, lockedUntil)
	}

	// Once the lock has expired the next failure locks again.
	later := now.Add(10 * time.Minute)
	failures, lockedUntil, err = db.RecordLoginFailure(ctx, account.ID, 5, later.Add(5*time.Minute), later)
	if err != nil {
		t.Fatalf("RecordLoginFailure() error = %v", err)
	}
	if failures != 6 || lockedUntil == nil || !lockedUntil.Equal(later.Add(5*time.Minute)) {
		t.Errorf("failure after expiry state = (%d, %v)", failures, lockedUntil)
	}
}

func TestRecordLoginFailure_ConcurrentFailuresAllCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "race@x.com")

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	const attempts = 20

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// threshold above attempts so no lock guards the later writes
			if _, _, err := db.RecordLoginFailure(ctx, account.ID, attempts+1, now.Add(time.Minute), now); err != nil {
				t.Errorf("RecordLoginFailure() error = %v", err)
			}
		}()
	}
	wg.Wait()

	found, err := db.GetAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccountByID() error = %v", err)
	}
	if found.LoginFailureCount != attempts {
		t.Errorf("LoginFailureCount = %d, want %d", found.LoginFailureCount, attempts)
	}
}

func TestRecordLoginFailure_UnknownAccount(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	_, _, err := db.RecordLoginFailure(context.Background(), "missing", 5, now, now)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSetRefreshToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "slot@x.com")

	if err := db.SetRefreshToken(ctx, account.ID, "r1"); err != nil {
		t.Fatalf("SetRefreshToken() error = %v", err)
	}
	found, _ := db.GetAccountByID(ctx, account.ID)
	if found.RefreshToken != "r1" {
		t.Errorf("RefreshToken = %q, want %q", found.RefreshToken, "r1")
	}

	if err := db.SetRefreshToken(ctx, account.ID, ""); err != nil {
		t.Fatalf("SetRefreshToken(clear) error = %v", err)
	}
	found, _ = db.GetAccountByID(ctx, account.ID)
	if found.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want cleared", found.RefreshToken)
	}

	err := db.SetRefreshToken(ctx, "ghost", "r2")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("SetRefreshToken(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateAccount_EmailConflict(t *testing.T) {
	db := newTestDB(t)
	createTestAccount(t, db, "taken@x.com")
	other := createTestAccount(t, db, "free@x.com")

	other.Email = "taken@x.com"
	err := db.UpdateAccount(context.Background(), other)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("UpdateAccount() error = %v, want ErrConflict", err)
	}
}

func TestUpdateAccount_NotFound(t *testing.T) {
	db := newTestDB(t)

	err := db.UpdateAccount(context.Background(), &model.Account{ID: "ghost", FullName: "x", Email: "ghost@x.com"})
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdateAccount() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// REFRESH TOKEN SWAP TESTS
// =========================================================================

func TestSwapRefreshToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "swap@x.com")
	if err := db.SetRefreshToken(ctx, account.ID, "t0"); err != nil {
		t.Fatalf("SetRefreshToken() error = %v", err)
	}

	ok, err := db.SwapRefreshToken(ctx, account.ID, "t0", "t1")
	if err != nil || !ok {
		t.Fatalf("SwapRefreshToken(t0→t1) = %v, %v; want true, nil", ok, err)
	}

	// t0 has been rotated out; a second swap from it must lose.
	ok, err = db.SwapRefreshToken(ctx, account.ID, "t0", "t2")
	if err != nil {
		t.Fatalf("SwapRefreshToken() error = %v", err)
	}
	if ok {
		t.Error("SwapRefreshToken() accepted a superseded token")
	}

	found, _ := db.GetAccountByID(ctx, account.ID)
	if found.RefreshToken != "t1" {
		t.Errorf("RefreshToken = %q, want %q", found.RefreshToken, "t1")
	}
}

func TestSwapRefreshToken_ConcurrentOnlyOneWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "race@x.com")
	if err := db.SetRefreshToken(ctx, account.ID, "shared"); err != nil {
		t.Fatalf("SetRefreshToken() error = %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := db.SwapRefreshToken(ctx, account.ID, "shared", "next-"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("SwapRefreshToken() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestSwapRefreshToken_ClearedTokenNeverMatches(t *testing.T) {
	db := newTestDB(t)
	account := createTestAccount(t, db, "cleared@x.com")

	// refresh_token is NULL; NULL = '' is not true in SQL.
	ok, err := db.SwapRefreshToken(context.Background(), account.ID, "", "new")
	if err != nil {
		t.Fatalf("SwapRefreshToken() error = %v", err)
	}
	if ok {
		t.Error("SwapRefreshToken() matched an empty presented token against NULL")
	}
}

// =========================================================================
// ACTIVITY LOG TESTS
// =========================================================================

func TestAppendActivity_KeepsOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	account := createTestAccount(t, db, "log@x.com")

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	actions := []string{model.ActionLoggedIn, model.ActionPasswordChanged, model.ActionLoggedOut}
	for i, action := range actions {
		entry := model.ActivityEntry{Action: action, At: base.Add(time.Duration(i) * time.Minute)}
		if err := db.AppendActivity(ctx, account.ID, entry); err != nil {
			t.Fatalf("AppendActivity() error = %v", err)
		}
	}

	found, err := db.GetAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccountByID() error = %v", err)
	}
	if len(found.ActivityLog) != len(actions) {
		t.Fatalf("len(ActivityLog) = %d, want %d", len(found.ActivityLog), len(actions))
	}
	for i, action := range actions {
		if found.ActivityLog[i].Action != action {
			t.Errorf("ActivityLog[%d].Action = %q, want %q", i, found.ActivityLog[i].Action, action)
		}
	}
	if !found.ActivityLog[0].At.Equal(base) {
		t.Errorf("ActivityLog[0].At = %v, want %v", found.ActivityLog[0].At, base)
	}
}

func TestAppendActivity_UnknownAccount(t *testing.T) {
	db := newTestDB(t)

	err := db.AppendActivity(context.Background(), "missing", model.ActivityEntry{Action: "x", At: time.Now()})
	if err == nil {
		t.Fatal("AppendActivity() should fail the foreign key check for an unknown account")
	}
}
