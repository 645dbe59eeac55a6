// Package service holds the session lifecycle: registration, local and
// Google login, token refresh, logout, password change and request
// authentication.
//
//	Handler (HTTP) → SessionService → AccountRepository (DB)
//	                              ↘ TokenService, PasswordService, LockoutPolicy
//
// SessionService keeps no state between calls. The account row is the single
// source of truth; concurrent requests for the same account are serialized by
// the repository's single-statement writes.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/auth"
	"github.com/sakif/account-auth/internal/metrics"
	"github.com/sakif/account-auth/internal/model"
	"github.com/sakif/account-auth/internal/repository"
)

// SessionService orchestrates every state transition of an account's session.
type SessionService struct {
	accounts  repository.AccountRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	lockout   auth.LockoutPolicy
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewSessionService wires a SessionService. m may be nil.
func NewSessionService(
	accounts repository.AccountRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	lockout auth.LockoutPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		accounts:  accounts,
		tokens:    tokens,
		passwords: passwords,
		lockout:   lockout,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterInput is the data a local registration needs.
type RegisterInput struct {
	FullName  string
	Email     string
	Password  string
	AvatarURL string
}

// RegisterResult is returned by Register. Registration issues an access
// token only; the client logs in to obtain a refresh token.
type RegisterResult struct {
	Account      *model.Account
	AccessToken  string
	AccessExpiry time.Time
}

// TokenPair is a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// Session is the result of a successful login.
type Session struct {
	Account *model.Account
	TokenPair
}

// FederatedIdentity is an identity asserted by an external provider.
type FederatedIdentity struct {
	Subject   string
	FullName  string
	Email     string
	AvatarURL string
	// EmailVerified is the provider's claim that the subject owns Email.
	// Only a verified email may be linked to an existing account.
	EmailVerified bool
}

// Register creates a local account and issues an access token for it.
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	fullName := strings.TrimSpace(in.FullName)
	email := normalizeEmail(in.Email)
	avatarURL := strings.TrimSpace(in.AvatarURL)

	switch {
	case fullName == "":
		return nil, apperror.ValidationFailed("fullName", "full name is required")
	case email == "":
		return nil, apperror.ValidationFailed("email", "email is required")
	case !strings.Contains(email, "@"):
		return nil, apperror.ValidationFailed("email", "email is not valid")
	case strings.TrimSpace(in.Password) == "":
		return nil, apperror.ValidationFailed("password", "password is required")
	}

	// A taken email is reported before a missing avatar.
	_, err := s.accounts.GetAccountByEmail(ctx, email)
	if err == nil {
		return nil, apperror.Conflict("account email", email)
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/session: checking email %s: %w", email, err)
	}

	if avatarURL == "" {
		return nil, apperror.ValidationFailed("avatar", "avatar is required")
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	account := &model.Account{
		FullName:     fullName,
		Email:        email,
		PasswordHash: hash,
		AvatarURL:    avatarURL,
		ActivityLog:  []model.ActivityEntry{},
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("service/session: creating account %s: %w", email, err)
	}

	token, expiry, err := s.tokens.IssueAccessToken(account.ID, account.Email)
	if err != nil {
		return nil, apperror.Internal("issuing access token", err)
	}

	s.metrics.Registration()
	s.logger.Info("account registered",
		slog.String("accountID", account.ID),
		slog.String("email", account.Email),
	)

	return &RegisterResult{Account: account, AccessToken: token, AccessExpiry: expiry}, nil
}

// LoginLocal authenticates an email and password pair.
//
// A locked account is rejected before the password is checked, so a correct
// password does not unlock it early. A wrong password counts one failure
// towards the lockout threshold.
func (s *SessionService) LoginLocal(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, apperror.ValidationFailed("email", "email is required")
	}

	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.Login(metrics.LoginUnknownEmail)
			return nil, apperror.NotFound("account", email)
		}
		return nil, fmt.Errorf("service/session: loading account %s: %w", email, err)
	}

	now := s.now()
	state := auth.LockState{Failures: account.LoginFailureCount, LockedUntil: account.LockedUntil}

	if s.lockout.IsLocked(state, now) {
		s.metrics.Login(metrics.LoginLocked)
		s.logger.Warn("login rejected, account locked",
			slog.String("accountID", account.ID),
			slog.Time("lockedUntil", *account.LockedUntil),
		)
		return nil, apperror.Locked("account is temporarily locked, try again later")
	}

	if !account.HasPassword() || !s.passwords.Verify(account.PasswordHash, password) {
		return nil, s.recordFailure(ctx, account, now)
	}

	if state.Failures != 0 || state.LockedUntil != nil {
		next := s.lockout.OnSuccess(state)
		if err := s.accounts.SetLockState(ctx, account.ID, next.Failures, next.LockedUntil); err != nil {
			return nil, fmt.Errorf("service/session: resetting lock state for %s: %w", account.ID, err)
		}
		account.LoginFailureCount = next.Failures
		account.LockedUntil = next.LockedUntil
	}

	session, err := s.startSession(ctx, account, now)
	if err != nil {
		return nil, err
	}

	s.metrics.Login(metrics.LoginSuccess)
	s.logger.Info("login succeeded", slog.String("accountID", account.ID))

	return session, nil
}

// recordFailure applies one failed attempt and returns the error to report.
// The increment happens inside the store; the counters read earlier in
// LoginLocal may already be stale when concurrent attempts race.
func (s *SessionService) recordFailure(ctx context.Context, account *model.Account, now time.Time) error {
	failures, lockedUntil, err := s.accounts.RecordLoginFailure(ctx, account.ID, s.lockout.Threshold, s.lockout.LockExpiry(now), now)
	if err != nil {
		return fmt.Errorf("service/session: recording login failure for %s: %w", account.ID, err)
	}
	next := auth.LockState{Failures: failures, LockedUntil: lockedUntil}

	s.metrics.Login(metrics.LoginInvalid)
	if s.lockout.IsLocked(next, now) {
		s.metrics.Lockout()
		s.logger.Warn("account locked after repeated login failures",
			slog.String("accountID", account.ID),
			slog.Int("failures", next.Failures),
			slog.Time("lockedUntil", *next.LockedUntil),
		)
	} else {
		s.logger.Info("login failed",
			slog.String("accountID", account.ID),
			slog.Int("failures", next.Failures),
		)
	}

	return apperror.Unauthorized("invalid email or password")
}

// LoginFederated signs in an external identity, creating the account on
// first sight. An existing local account with the same email is linked to
// the identity only when the provider verified that email; otherwise the
// login is refused as a conflict. Lockout is not consulted; no password was
// attempted.
func (s *SessionService) LoginFederated(ctx context.Context, id FederatedIdentity) (*Session, error) {
	email := normalizeEmail(id.Email)
	if id.Subject == "" {
		return nil, apperror.ValidationFailed("subject", "identity has no subject")
	}
	if email == "" {
		return nil, apperror.ValidationFailed("email", "identity has no email address")
	}

	account, err := s.accounts.GetAccountByGoogleID(ctx, id.Subject)
	switch {
	case err == nil:
	case errors.Is(err, apperror.ErrNotFound):
		account, err = s.linkOrCreate(ctx, id, email)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("service/session: loading account for google id %s: %w", id.Subject, err)
	}

	session, err := s.startSession(ctx, account, s.now())
	if err != nil {
		return nil, err
	}

	s.metrics.Login(metrics.LoginFederated)
	s.logger.Info("login succeeded via Google", slog.String("accountID", account.ID))

	return session, nil
}

func (s *SessionService) linkOrCreate(ctx context.Context, id FederatedIdentity, email string) (*model.Account, error) {
	account, err := s.accounts.GetAccountByEmail(ctx, email)
	if err == nil {
		if !id.EmailVerified {
			s.logger.Warn("refused to link unverified Google email to existing account",
				slog.String("accountID", account.ID),
				slog.String("googleID", id.Subject),
			)
			return nil, apperror.Conflict("account email", email)
		}
		account.GoogleID = id.Subject
		if account.AvatarURL == "" {
			account.AvatarURL = id.AvatarURL
		}
		if err := s.accounts.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("service/session: linking google id to %s: %w", account.ID, err)
		}
		s.logger.Info("linked Google identity to existing account", slog.String("accountID", account.ID))
		return account, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/session: checking email %s: %w", email, err)
	}

	fullName := strings.TrimSpace(id.FullName)
	if fullName == "" {
		fullName, _, _ = strings.Cut(email, "@")
	}

	account = &model.Account{
		FullName:    fullName,
		Email:       email,
		GoogleID:    id.Subject,
		AvatarURL:   id.AvatarURL,
		ActivityLog: []model.ActivityEntry{},
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("service/session: creating account for google id %s: %w", id.Subject, err)
	}

	s.metrics.Registration()
	s.logger.Info("account registered via Google",
		slog.String("accountID", account.ID),
		slog.String("email", account.Email),
	)
	return account, nil
}

// startSession issues both tokens, stores the refresh token in the account's
// single slot and records the login. Any previously issued refresh token
// stops working.
func (s *SessionService) startSession(ctx context.Context, account *model.Account, now time.Time) (*Session, error) {
	pair, err := s.issuePair(account)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.SetRefreshToken(ctx, account.ID, pair.RefreshToken); err != nil {
		return nil, fmt.Errorf("service/session: storing refresh token for %s: %w", account.ID, err)
	}
	account.RefreshToken = pair.RefreshToken

	if err := s.appendActivity(ctx, account, model.ActionLoggedIn, now); err != nil {
		return nil, err
	}

	return &Session{Account: account, TokenPair: *pair}, nil
}

// Refresh rotates a refresh token. The presented token must be the one
// currently stored on the account; on success it is replaced, so presenting
// it a second time fails.
func (s *SessionService) Refresh(ctx context.Context, presented string) (*TokenPair, error) {
	if presented == "" {
		s.metrics.Refresh(metrics.RefreshInvalid)
		return nil, apperror.Unauthorized("refresh token is required")
	}

	claims, err := s.tokens.Verify(presented, auth.KindRefresh)
	if err != nil {
		s.metrics.Refresh(metrics.RefreshInvalid)
		return nil, apperror.Unauthorized("invalid or expired refresh token")
	}

	account, err := s.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.metrics.Refresh(metrics.RefreshUnknownUser)
			return nil, apperror.Unauthorized("invalid refresh token")
		}
		return nil, fmt.Errorf("service/session: loading account %s: %w", claims.Subject, err)
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(account.RefreshToken)) != 1 {
		return nil, s.reuseDetected(account.ID)
	}

	pair, err := s.issuePair(account)
	if err != nil {
		return nil, err
	}

	swapped, err := s.accounts.SwapRefreshToken(ctx, account.ID, presented, pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("service/session: rotating refresh token for %s: %w", account.ID, err)
	}
	if !swapped {
		// A concurrent refresh or a logout got there first.
		return nil, s.reuseDetected(account.ID)
	}

	s.metrics.Refresh(metrics.RefreshSuccess)
	s.logger.Debug("refresh token rotated", slog.String("accountID", account.ID))

	return pair, nil
}

func (s *SessionService) reuseDetected(accountID string) error {
	s.metrics.Refresh(metrics.RefreshReuse)
	s.logger.Warn("stale refresh token presented", slog.String("accountID", accountID))
	return apperror.Unauthorized("refresh token is expired or used")
}

// Logout clears the account's refresh token and records the logout.
// Access tokens already issued stay valid until they expire.
func (s *SessionService) Logout(ctx context.Context, accountID string) error {
	if err := s.accounts.SetRefreshToken(ctx, accountID, ""); err != nil {
		return fmt.Errorf("service/session: clearing refresh token for %s: %w", accountID, err)
	}

	entry := model.ActivityEntry{Action: model.ActionLoggedOut, At: s.now().UTC()}
	if err := s.accounts.AppendActivity(ctx, accountID, entry); err != nil {
		return fmt.Errorf("service/session: recording logout for %s: %w", accountID, err)
	}

	s.logger.Info("logged out", slog.String("accountID", accountID))
	return nil
}

// ChangePassword replaces the password after checking the current one.
//
// The stored refresh token is kept: sessions opened with the old password
// can still refresh.
func (s *SessionService) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return apperror.ValidationFailed("newPassword", "new password is required")
	}

	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("service/session: loading account %s: %w", accountID, err)
	}

	if !account.HasPassword() || !s.passwords.Verify(account.PasswordHash, oldPassword) {
		s.logger.Info("password change rejected", slog.String("accountID", accountID))
		return apperror.Unauthorized("old password is incorrect")
	}

	hash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}

	account.PasswordHash = hash
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("service/session: saving password for %s: %w", accountID, err)
	}

	if err := s.appendActivity(ctx, account, model.ActionPasswordChanged, s.now()); err != nil {
		return err
	}

	s.logger.Info("password changed", slog.String("accountID", accountID))
	return nil
}

// AuthenticateRequest resolves an access token to its account. It is the
// check every protected endpoint runs first.
func (s *SessionService) AuthenticateRequest(ctx context.Context, accessToken string) (*model.Account, error) {
	if accessToken == "" {
		return nil, apperror.Unauthorized("access token is required")
	}

	claims, err := s.tokens.Verify(accessToken, auth.KindAccess)
	if err != nil {
		return nil, apperror.Unauthorized("invalid or expired access token")
	}

	account, err := s.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("service/session: loading account %s: %w", claims.Subject, err)
	}

	return account, nil
}

// CurrentAccount returns the account with the given id.
func (s *SessionService) CurrentAccount(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/session: loading account %s: %w", accountID, err)
	}
	return account, nil
}

// UpdateAccount changes the full name and email of an account.
func (s *SessionService) UpdateAccount(ctx context.Context, accountID, fullName, email string) (*model.Account, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeEmail(email)
	switch {
	case fullName == "":
		return nil, apperror.ValidationFailed("fullName", "full name is required")
	case email == "":
		return nil, apperror.ValidationFailed("email", "email is required")
	case !strings.Contains(email, "@"):
		return nil, apperror.ValidationFailed("email", "email is not valid")
	}

	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/session: loading account %s: %w", accountID, err)
	}

	account.FullName = fullName
	account.Email = email
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("service/session: updating account %s: %w", accountID, err)
	}

	if err := s.appendActivity(ctx, account, model.ActionProfileUpdated, s.now()); err != nil {
		return nil, err
	}
	return account, nil
}

// UpdateAvatar points the account at a new avatar image.
func (s *SessionService) UpdateAvatar(ctx context.Context, accountID, avatarURL string) (*model.Account, error) {
	avatarURL = strings.TrimSpace(avatarURL)
	if avatarURL == "" {
		return nil, apperror.ValidationFailed("avatar", "avatar is required")
	}

	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service/session: loading account %s: %w", accountID, err)
	}

	account.AvatarURL = avatarURL
	if err := s.accounts.UpdateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("service/session: updating avatar for %s: %w", accountID, err)
	}

	if err := s.appendActivity(ctx, account, model.ActionAvatarChanged, s.now()); err != nil {
		return nil, err
	}
	return account, nil
}

func (s *SessionService) issuePair(account *model.Account) (*TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(account.ID, account.Email)
	if err != nil {
		return nil, apperror.Internal("issuing access token", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(account.ID)
	if err != nil {
		return nil, apperror.Internal("issuing refresh token", err)
	}
	return &TokenPair{
		AccessToken:   access,
		AccessExpiry:  accessExp,
		RefreshToken:  refresh,
		RefreshExpiry: refreshExp,
	}, nil
}

// appendActivity persists an entry and mirrors it on the in-memory account.
func (s *SessionService) appendActivity(ctx context.Context, account *model.Account, action string, at time.Time) error {
	entry := model.ActivityEntry{Action: action, At: at.UTC()}
	if err := s.accounts.AppendActivity(ctx, account.ID, entry); err != nil {
		return fmt.Errorf("service/session: recording %q for %s: %w", action, account.ID, err)
	}
	account.ActivityLog = append(account.ActivityLog, entry)
	return nil
}

func (s *SessionService) hashPassword(plaintext string) (string, error) {
	hash, err := s.passwords.Hash(plaintext)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return "", apperror.ValidationFailed("password", "password must be 72 bytes or fewer")
		}
		return "", apperror.Internal("hashing password", err)
	}
	return hash, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
