package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// GoogleIssuer is Google's OpenID Connect issuer; discovery starts here.
const GoogleIssuer = "https://accounts.google.com"

// GoogleIdentity is what we keep from a verified Google ID token.
//
// Subject is the stable Google account id and the only field used as an
// identity key. Email can change, and EmailVerified says whether Google
// checked that the user controls it; an unverified email must never be
// trusted to match an existing account.
type GoogleIdentity struct {
	Subject       string
	Name          string
	Email         string
	Picture       string
	EmailVerified bool
}

// googleClaims mirrors the profile claims Google puts in its ID tokens.
type googleClaims struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Picture       string `json:"picture"`
}

// GoogleProvider runs the OAuth 2.0 authorization code flow against Google
// and verifies the returned OpenID Connect ID token.
//
// Flow:
//  1. AuthURL: the browser is redirected to Google with a random state.
//  2. Google redirects back to the callback with a one-time code.
//  3. Exchange: the code is traded server-to-server for tokens; the ID token
//     is verified (signature, issuer, audience, expiry) and its claims read.
//
// No call to a userinfo endpoint is needed; the ID token carries the profile.
type GoogleProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider discovers Google's endpoints and signing keys and returns
// a provider for the given OAuth client.
//
// callbackURL must match an authorized redirect URI of the client exactly,
// for example "http://localhost:8080/auth/google/callback".
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, callbackURL string) (*GoogleProvider, error) {
	provider, err := oidc.NewProvider(ctx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering Google OIDC provider: %w", err)
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  callbackURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     provider.Endpoint(),
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return newGoogleProvider(config, verifier), nil
}

// newGoogleProvider wires an explicit config and verifier. Tests point both
// at a local token endpoint and a static key set.
func newGoogleProvider(config *oauth2.Config, verifier *oidc.IDTokenVerifier) *GoogleProvider {
	return &GoogleProvider{config: config, verifier: verifier}
}

// AuthURL returns the Google consent URL carrying state.
func (p *GoogleProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for a verified Google identity.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*GoogleIdentity, error) {
	if code == "" {
		return nil, errors.New("auth: missing authorization code")
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("auth: token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: verifying Google ID token: %w", err)
	}

	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: decoding Google ID token claims: %w", err)
	}

	return &GoogleIdentity{
		Subject:       idToken.Subject,
		Name:          claims.Name,
		Email:         claims.Email,
		Picture:       claims.Picture,
		EmailVerified: claims.EmailVerified,
	}, nil
}
