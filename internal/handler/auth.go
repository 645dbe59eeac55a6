package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/account-auth/internal/apperror"
	"github.com/sakif/account-auth/internal/auth"
	"github.com/sakif/account-auth/internal/media"
	"github.com/sakif/account-auth/internal/model"
	"github.com/sakif/account-auth/internal/service"
)

const (
	oauthStateCookie = "oauth_state"

	// maxAvatarBytes caps multipart uploads; larger bodies are rejected.
	maxAvatarBytes = 5 << 20
)

// GoogleLogin is the part of auth.GoogleProvider the handler needs.
type GoogleLogin interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.GoogleIdentity, error)
}

// AuthConfig holds the HTTP-level settings of AuthHandler.
type AuthConfig struct {
	// FrontendURL is where the Google callback sends the browser.
	FrontendURL string
	// SecureCookies sets the Secure flag on every cookie. Enable behind HTTPS.
	SecureCookies bool
}

// AuthHandler serves the account and session endpoints.
type AuthHandler struct {
	sessions *service.SessionService
	google   GoogleLogin
	avatars  media.Store
	cfg      AuthConfig
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler. google may be nil when Google login
// is not configured; its routes then answer 404.
func NewAuthHandler(
	sessions *service.SessionService,
	google GoogleLogin,
	avatars media.Store,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		google:   google,
		avatars:  avatars,
		cfg:      cfg,
		logger:   logger,
	}
}

// sessionData is the body of login responses.
type sessionData struct {
	Account      *model.Account `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken,omitempty"`
}

type tokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// HandleRegister creates a local account.
//
// HTTP: POST /api/v1/register
//
// Accepts multipart/form-data (fullName, email, password, avatar file) or a
// JSON body with an avatarUrl the client already hosts.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput

	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.fail(w, r, err)
			return
		}
		in = service.RegisterInput{
			FullName:  r.FormValue("fullName"),
			Email:     r.FormValue("email"),
			Password:  r.FormValue("password"),
			AvatarURL: r.FormValue("avatarUrl"),
		}
		uploaded, err := h.uploadAvatar(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if uploaded != "" {
			in.AvatarURL = uploaded
		}
	} else {
		var body struct {
			FullName  string `json:"fullName"`
			Email     string `json:"email"`
			Password  string `json:"password"`
			AvatarURL string `json:"avatarUrl"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
		in = service.RegisterInput(body)
	}

	res, err := h.sessions.Register(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setCookie(w, auth.AccessTokenCookie, res.AccessToken, res.AccessExpiry)
	writeJSON(w, http.StatusCreated, Response{
		Data:    sessionData{Account: res.Account, AccessToken: res.AccessToken},
		Message: "User registered successfully",
	})
}

// HandleLogin authenticates an email and password.
//
// HTTP: POST /api/v1/login
//
// A locked account answers 423, wrong credentials 401, so clients can tell
// the two apart.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.sessions.LoginLocal(r.Context(), body.Email, body.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookies(w, &session.TokenPair)
	writeJSON(w, http.StatusOK, Response{
		Data: sessionData{
			Account:      session.Account,
			AccessToken:  session.AccessToken,
			RefreshToken: session.RefreshToken,
		},
		Message: "User logged in successfully",
	})
}

// HandleGoogleLogin starts the Google flow.
//
// HTTP: GET /auth/google
//
// A random state goes into a short-lived HttpOnly cookie and into the
// authorization URL; the callback requires both to match.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.NotFound(w, r)
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the Google flow and redirects to the
// frontend with both tokens as query parameters.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()

	// The state query parameter must echo the cookie set by HandleGoogleLogin.
	// A callback started from another site cannot know it, which is what
	// stops a forged callback from logging the browser into the wrong account.
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || query.Get("state") != stateCookie.Value {
		h.logger.Warn("google callback: state mismatch")
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// single use
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Info("google callback: authorization denied", slog.String("error", errParam))
		http.Redirect(w, r, h.frontendURL(url.Values{"error": {"access_denied"}}), http.StatusSeeOther)
		return
	}

	identity, err := h.google.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		h.logger.Error("google callback: exchange failed", slog.String("error", err.Error()))
		writeError(w, apperror.Unauthorized("Google authentication failed"))
		return
	}

	session, err := h.sessions.LoginFederated(r.Context(), service.FederatedIdentity{
		Subject:       identity.Subject,
		FullName:      identity.Name,
		Email:         identity.Email,
		AvatarURL:     identity.Picture,
		EmailVerified: identity.EmailVerified,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookies(w, &session.TokenPair)
	http.Redirect(w, r, h.frontendURL(url.Values{
		"accessToken":  {session.AccessToken},
		"refreshToken": {session.RefreshToken},
	}), http.StatusSeeOther)
}

// HandleLogout revokes the refresh token and clears the cookies.
//
// HTTP: POST /api/v1/logout (auth required)
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	if err := h.sessions.Logout(r.Context(), account.ID); err != nil {
		h.fail(w, r, err)
		return
	}

	h.clearCookie(w, auth.AccessTokenCookie)
	h.clearCookie(w, auth.RefreshTokenCookie)
	writeJSON(w, http.StatusOK, Response{Message: "User logged out"})
}

// HandleRefresh rotates the refresh token.
//
// HTTP: POST /api/v1/refresh-token
//
// The token is read from the refreshToken cookie, then from a JSON body
// {"refreshToken": "..."}. The Authorization header is never consulted: it
// carries the access token, and clients attach it to every request.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var token string
	if cookie, err := r.Cookie(auth.RefreshTokenCookie); err == nil {
		token = cookie.Value
	}
	if token == "" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeOptionalJSON(w, r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
		token = body.RefreshToken
	}

	pair, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, Response{
		Data:    tokenData{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken},
		Message: "Access token refreshed",
	})
}

// HandleChangePassword changes the caller's password.
//
// HTTP: POST /api/v1/change-password (auth required)
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	var body struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.sessions.ChangePassword(r.Context(), account.ID, body.OldPassword, body.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Password changed successfully"})
}

// HandleCurrentUser returns the caller's account.
//
// HTTP: GET /api/v1/current-user (auth required)
func (h *AuthHandler) HandleCurrentUser(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, Response{Data: account, Message: "Current user fetched successfully"})
}

// HandleUpdateAccount changes the caller's name and email.
//
// HTTP: PATCH /api/v1/update-account (auth required)
func (h *AuthHandler) HandleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	var body struct {
		FullName string `json:"fullName"`
		Email    string `json:"email"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}

	updated, err := h.sessions.UpdateAccount(r.Context(), account.ID, body.FullName, body.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Data: updated, Message: "Account details updated successfully"})
}

// HandleUpdateAvatar replaces the caller's avatar with an uploaded file or a
// JSON {"avatarUrl": "..."}.
//
// HTTP: PATCH /api/v1/avatar (auth required)
func (h *AuthHandler) HandleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	var avatarURL string
	if isMultipart(r) {
		if err := parseMultipart(w, r); err != nil {
			h.fail(w, r, err)
			return
		}
		uploaded, err := h.uploadAvatar(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		avatarURL = uploaded
	} else {
		var body struct {
			AvatarURL string `json:"avatarUrl"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
		avatarURL = body.AvatarURL
	}

	updated, err := h.sessions.UpdateAvatar(r.Context(), account.ID, avatarURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Data: updated, Message: "Avatar updated successfully"})
}

// HandleAuthCheck reports that the access token is valid.
//
// HTTP: GET /api/v1/auth (auth required)
func (h *AuthHandler) HandleAuthCheck(w http.ResponseWriter, r *http.Request) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Data:    map[string]any{"authenticated": true, "user": account},
		Message: "Authenticated",
	})
}

// uploadAvatar stores the "avatar" form file and returns its URL, or "" when
// the form has no file.
func (h *AuthHandler) uploadAvatar(r *http.Request) (string, error) {
	file, header, err := r.FormFile("avatar")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", apperror.ValidationFailed("avatar", "avatar upload is malformed")
	}
	defer file.Close()

	contentType, err := sniffContentType(file, header)
	if err != nil {
		return "", apperror.Internal("reading avatar upload", err)
	}

	key, err := media.AvatarKey(contentType)
	if err != nil {
		return "", apperror.ValidationFailed("avatar", "avatar must be a PNG, JPEG, GIF or WebP image")
	}

	location, err := h.avatars.Put(r.Context(), key, file, contentType)
	if err != nil {
		return "", apperror.Internal("storing avatar", err)
	}

	h.logger.Info("avatar stored", slog.String("key", key))
	return location, nil
}

// sniffContentType detects the upload's type from its first bytes rather
// than trusting the client's header, then rewinds the file.
func sniffContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if n == 0 {
		return header.Header.Get("Content-Type"), nil
	}
	return http.DetectContentType(buf[:n]), nil
}

// parseMultipart caps the whole body at maxAvatarBytes plus room for the
// text fields, then parses it.
func parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes+maxJSONBody)
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		return apperror.ValidationFailed("avatar", "upload is too large or malformed")
	}
	return nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// fail writes err and logs it when it is a server-side failure.
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := writeError(w, err); status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// COOKIES:
// Both tokens are also set as cookies so a browser client never has to
// touch them from JavaScript.
//
//	HttpOnly   not readable from document.cookie
//	Secure     only sent over HTTPS (SECURE_COOKIES, off for local dev)
//	SameSite   Lax: sent on top-level navigations such as the Google
//	           redirect, withheld on cross-site POSTs
//	Expires    the token's own exp, so the browser drops it when it dies
//
// The JSON body carries the same tokens for non-browser clients.
func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, pair *service.TokenPair) {
	h.setCookie(w, auth.AccessTokenCookie, pair.AccessToken, pair.AccessExpiry)
	h.setCookie(w, auth.RefreshTokenCookie, pair.RefreshToken, pair.RefreshExpiry)
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, expiry time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) frontendURL(params url.Values) string {
	base := h.cfg.FrontendURL
	if base == "" {
		base = "/"
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}
