// Package auth holds the credential primitives of the session lifecycle:
// password hashing, token issuance and verification, the lockout decision
// logic, the Google identity provider and the request authentication
// middleware.
//
// Access and refresh tokens are HS256 JWTs signed with two different keys.
// A refresh token can never be replayed as an access token (or the other way
// round) because the kind claim is checked and the signatures would not match
// anyway.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is wrapped by every Verify failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// TokenConfig is the process-wide token configuration. It is built once at
// startup and handed to NewTokenService.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// DefaultTokenConfig returns the lifetimes and issuer used when nothing is
// configured. Secrets are left empty and must be supplied.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Issuer:     "account-auth",
	}
}

// Validate checks that the config can produce secure tokens.
func (c TokenConfig) Validate() error {
	if len(c.AccessSecret) < 16 {
		return errors.New("auth: access token secret must be at least 16 characters")
	}
	if len(c.RefreshSecret) < 16 {
		return errors.New("auth: refresh token secret must be at least 16 characters")
	}
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("auth: access and refresh token secrets must differ")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("auth: token lifetimes must be positive")
	}
	if c.Issuer == "" {
		return errors.New("auth: token issuer is required")
	}
	return nil
}

// Claims is the JWT payload. Email is only set on access tokens.
//
// TOKEN ANATOMY:
// A JWT is three base64url parts joined by dots:
//
//	header.payload.signature
//	{"alg":"HS256","typ":"JWT"} . {"sub":"<account id>","kind":"access",...} . HMAC-SHA256
//
// The payload is readable by anyone holding the token; only the signature
// is secret-dependent. Nothing confidential goes in here.
//
//	sub   account id; the only claim the service trusts for identity
//	jti   random UUID, so two tokens issued in the same second still differ
//	kind  "access" or "refresh"
//	iss   TOKEN_ISSUER
//	iat   issued at
//	exp   expiry; required, tokens without it are rejected
type Claims struct {
	Email string    `json:"email,omitempty"`
	Kind  TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access and refresh tokens.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenService validates cfg and returns a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}, nil
}

// IssueAccessToken signs a short-lived token carrying the account id and email.
func (s *TokenService) IssueAccessToken(accountID, email string) (string, time.Time, error) {
	return s.issue(accountID, email, KindAccess, s.accessTTL)
}

// IssueRefreshToken signs a long-lived token carrying only the account id.
func (s *TokenService) IssueRefreshToken(accountID string) (string, time.Time, error) {
	return s.issue(accountID, "", KindRefresh, s.refreshTTL)
}

// issue builds and signs a token of the given kind. ttl may be negative in
// tests to produce an already expired token.
func (s *TokenService) issue(accountID, email string, kind TokenKind, ttl time.Duration) (string, time.Time, error) {
	if accountID == "" {
		return "", time.Time{}, errors.New("auth: cannot issue a token without a subject")
	}

	now := s.now()
	expiry := now.Add(ttl)

	c := Claims{
		Email: email,
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secretFor(kind))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing %s token: %w", kind, err)
	}

	return signed, expiry, nil
}

// Verify parses tokenStr, checks its signature against the key for kind and
// checks expiry, issuer and kind. It does not check revocation.
//
// VERIFICATION STEPS:
//  1. Header: alg must be HS256. Accepting the alg the token names is the
//     classic JWT hole ("alg":"none", or an RSA public key used as an HMAC
//     secret), so the method is pinned twice: in the key func and with
//     WithValidMethods.
//  2. Signature: HMAC with the secret for the expected kind. A refresh token
//     presented as an access token fails here, before its claims are read.
//  3. Registered claims: exp (required, checked against s.now), iss.
//  4. Our claims: kind must match and sub must be set.
//
// Revocation is the caller's job: refresh tokens are compared against the
// single slot on the account, access tokens simply live until exp.
func (s *TokenService) Verify(tokenStr string, kind TokenKind) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	secret := s.secretFor(kind)
	if secret == nil {
		return nil, fmt.Errorf("%w: unknown token kind %q", ErrInvalidToken, kind)
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if c.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, kind, c.Kind)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}

	return c, nil
}

func (s *TokenService) secretFor(kind TokenKind) []byte {
	switch kind {
	case KindAccess:
		return s.accessSecret
	case KindRefresh:
		return s.refreshSecret
	default:
		return nil
	}
}
