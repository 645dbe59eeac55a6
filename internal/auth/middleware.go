package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/model"
)

// Cookie names the tokens travel in. Both are HttpOnly.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// Authenticator resolves an access token to the account it belongs to.
// service.SessionService implements it.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, accessToken string) (*model.Account, error)
}

// contextKey is unexported so no other package can read or shadow our
// context values.
//
// context.WithValue compares keys by type and value. A plain string key
// "account" set by some other package would collide; a value of this
// private type cannot.
type contextKey string

const accountKey contextKey = "account"

// RequireAuth rejects requests that do not carry a valid access token and
// attaches the resolved account to the request context.
//
// The token is read from the accessToken cookie first, then from an
// "Authorization: Bearer" header.
//
// MIDDLEWARE CHAIN:
//
//	request
//	  → RequireAuth: token present?            no  → 401
//	  → Authenticator.AuthenticateRequest:
//	      signature, exp, kind == access        bad → 401
//	      account still exists                  no  → 401
//	      store failure                             → 500
//	  → ContextWithAccount(ctx, account)
//	  → next handler reads it with AccountFromContext
//
// The error bodies are written here rather than through the handler
// package's writeError, because handler imports auth and not the other way
// round. They use the same {"error", "message"} shape.
func RequireAuth(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, AccessTokenCookie)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, `{"error":"unauthorized","message":"valid authentication required"}`)
				return
			}

			account, err := authn.AuthenticateRequest(r.Context(), token)
			if err != nil {
				if errors.Is(err, apperror.ErrUnauthorized) {
					writeAuthError(w, http.StatusUnauthorized, `{"error":"unauthorized","message":"valid authentication required"}`)
					return
				}
				writeAuthError(w, http.StatusInternalServerError, `{"error":"internal_error","message":"an unexpected error occurred"}`)
				return
			}

			ctx := ContextWithAccount(r.Context(), account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithAccount returns a copy of ctx carrying account.
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// AccountFromContext returns the account RequireAuth attached, if any.
func AccountFromContext(ctx context.Context) (*model.Account, bool) {
	account, ok := ctx.Value(accountKey).(*model.Account)
	return account, ok && account != nil
}

// TokenFromRequest returns the token in the named cookie, or failing that the
// bearer token in the Authorization header. It returns "" when neither is set.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
