package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/apperr"
	"github.com/kulangara/backend/internal/cache"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
	"github.com/kulangara/backend/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth resolves access tokens from a fixed table and records calls.
type fakeAuth struct {
	mu       sync.Mutex
	sessions map[string]*model.AuthUser
	user     *model.User
	err      error
	calls    []string

	lastLogoutToken string
	lastRefresh     string
	lastRevoked     string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		sessions: map[string]*model.AuthUser{},
		user: &model.User{
			ID:         "user-1",
			Email:      "ada@example.com",
			FirstName:  "Ada",
			LastName:   "Lovelace",
			Role:       model.RoleUser,
			IsActive:   true,
			IsVerified: true,
			CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func (f *fakeAuth) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeAuth) result() (*model.AuthResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.AuthResult{
		User:   f.user,
		Tokens: model.TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"},
	}, nil
}

func (f *fakeAuth) Authenticate(_ context.Context, raw string) (*model.AuthUser, error) {
	if raw == "" {
		return nil, apperr.Unauthorized(service.MsgAuthRequired)
	}
	user, ok := f.sessions[raw]
	if !ok {
		return nil, apperr.Unauthorized(service.MsgInvalidToken)
	}
	return user, nil
}

func (f *fakeAuth) Register(context.Context, model.RegisterRequest) (*model.AuthResult, error) {
	f.record("register")
	return f.result()
}

func (f *fakeAuth) Login(context.Context, model.LoginRequest) (*model.AuthResult, error) {
	f.record("login")
	return f.result()
}

func (f *fakeAuth) GoogleAuth(context.Context, model.GoogleAuthRequest) (*model.AuthResult, error) {
	f.record("google")
	return f.result()
}

func (f *fakeAuth) Refresh(_ context.Context, raw string) (*model.AuthResult, error) {
	f.record("refresh")
	f.lastRefresh = raw
	return f.result()
}

func (f *fakeAuth) Logout(_ context.Context, _ model.AuthUser, raw string) error {
	f.record("logout")
	f.lastLogoutToken = raw
	return f.err
}

func (f *fakeAuth) ForgotPassword(context.Context, string) error {
	f.record("forgot")
	return f.err
}

func (f *fakeAuth) ResetPassword(context.Context, string, string) error {
	f.record("reset")
	return f.err
}

func (f *fakeAuth) VerifyEmail(_ context.Context, token string) error {
	f.record("verify:" + token)
	return f.err
}

func (f *fakeAuth) ResendVerification(context.Context, string) error {
	f.record("resend")
	return f.err
}

func (f *fakeAuth) Me(context.Context, string) (*model.User, error) {
	f.record("me")
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func (f *fakeAuth) RevokeUser(_ context.Context, id string) error {
	f.record("revoke")
	f.lastRevoked = id
	return f.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, auth *fakeAuth, limiter *service.RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDeps{
		Auth:           auth,
		Limiter:        limiter,
		Health:         NewHealthHandler(stubPinger{}, stubPinger{}, logging.Discard(), "3000", "1.2.3"),
		Log:            logging.Discard(),
		Cookies:        CookieConfig{AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour},
		AllowedOrigins: []string{"https://app.example"},
		Production:     true,
	})
}

func do(r http.Handler, method, path, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func withHeader(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	assert.Equal(t, "error", resp.Status)
	return resp
}

func cookiesByName(w *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

const validRegisterBody = `{"email":"ada@example.com","password":"Aa1!aaaa","firstName":"Ada","lastName":"Lovelace"}`

func TestRegister_SetsCookiesAndReturnsBasicSummary(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodPost, "/api/v1/auth/register", validRegisterBody)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		Status  string                    `json:"status"`
		Message string                    `json:"message"`
		Data    map[string]map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, "Registration successful", body.Message)
	assert.Equal(t, "user-1", body.Data["user"]["id"])
	assert.NotContains(t, body.Data["user"], "role")
	assert.NotContains(t, body.Data["user"], "isVerified")

	cookies := cookiesByName(w)
	access := cookies[accessTokenCookie]
	require.NotNil(t, access)
	assert.Equal(t, "new-access", access.Value)
	assert.Equal(t, 900, access.MaxAge)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, http.SameSiteNoneMode, access.SameSite)
	assert.Equal(t, "/", access.Path)

	refresh := cookies[refreshTokenCookie]
	require.NotNil(t, refresh)
	assert.Equal(t, "new-refresh", refresh.Value)
	assert.Equal(t, 604800, refresh.MaxAge)
}

func TestRegister_ValidationErrors(t *testing.T) {
	auth := newFakeAuth()
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/register", `{"email":"nope","password":"weak","firstName":""}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Equal(t, "Validation failed", resp.Message)

	fields := map[string]string{}
	for _, fe := range resp.Errors {
		fields[fe.Field] = fe.Message
	}
	assert.Contains(t, fields, "email")
	assert.Equal(t, passwordRuleMessage, fields["password"])
	assert.Contains(t, fields, "firstName")
	assert.Empty(t, auth.calls)
}

func TestRegister_MalformedBody(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodPost, "/api/v1/auth/register", `{"email":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", decodeError(t, w).Code)
}

func TestRegister_Conflict(t *testing.T) {
	auth := newFakeAuth()
	auth.err = apperr.Conflict(service.MsgEmailTaken)
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/register", validRegisterBody)

	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Email already registered", resp.Message)
	assert.Equal(t, "CONFLICT", resp.Code)
	assert.Empty(t, cookiesByName(w))
}

func TestLogin_ResponseIncludesRoleAndVerification(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodPost, "/api/v1/auth/login", `{"email":"ada@example.com","password":"x"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"message":"Login successful"`)
	assert.Contains(t, w.Body.String(), `"role":"USER"`)
	assert.Contains(t, w.Body.String(), `"isVerified":true`)
}

func TestLogin_ErrorCarriesRequestID(t *testing.T) {
	auth := newFakeAuth()
	auth.err = apperr.Unauthorized(service.MsgInvalidCredentials)
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/login", `{"email":"ada@example.com","password":"x"}`,
		withHeader(requestIDHeader, "req-42"))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Invalid credentials", resp.Message)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func TestInternalErrorsAreHiddenInProduction(t *testing.T) {
	auth := newFakeAuth()
	auth.err = errors.New("connection refused")
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/login", `{"email":"ada@example.com","password":"x"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, internalErrorMessage, resp.Message)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", resp.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestResponder_DevelopmentShowsDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	resp := NewResponder(logging.Discard(), false)
	r.GET("/fail", func(c *gin.Context) { resp.Error(c, errors.New("pool exhausted")) })

	w := do(r, http.MethodGet, "/fail", "")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "pool exhausted")
}

func TestRefresh_ReadsCookieAndRotatesCookies(t *testing.T) {
	auth := newFakeAuth()
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/refresh", "", withCookie(refreshTokenCookie, "old-refresh"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "old-refresh", auth.lastRefresh)
	assert.Equal(t, "new-refresh", cookiesByName(w)[refreshTokenCookie].Value)
	assert.Contains(t, w.Body.String(), "Token refreshed successfully")
}

func TestAuthGate(t *testing.T) {
	auth := newFakeAuth()
	auth.sessions["cookie-token"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	auth.sessions["bearer-token"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	r := newTestRouter(t, auth, nil)

	t.Run("missing token", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Authentication required", decodeError(t, w).Message)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", "", withCookie(accessTokenCookie, "forged"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Invalid token", decodeError(t, w).Message)
	})

	t.Run("cookie", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", "", withCookie(accessTokenCookie, "cookie-token"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"email":"ada@example.com"`)
	})

	t.Run("bearer fallback", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", "", withHeader("Authorization", "Bearer bearer-token"))
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("cookie wins over header", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", "",
			withCookie(accessTokenCookie, "cookie-token"),
			withHeader("Authorization", "Bearer forged"))
		require.Equal(t, http.StatusOK, w.Code)
	})
}

func TestLogout_PassesTokenAndClearsCookies(t *testing.T) {
	auth := newFakeAuth()
	auth.sessions["tok"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/logout", "", withCookie(accessTokenCookie, "tok"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok", auth.lastLogoutToken)
	assert.JSONEq(t, `{"status":"success","message":"Logged out successfully"}`, w.Body.String())
	cookies := cookiesByName(w)
	require.Contains(t, cookies, accessTokenCookie)
	require.Contains(t, cookies, refreshTokenCookie)
	assert.Negative(t, cookies[accessTokenCookie].MaxAge)
	assert.Negative(t, cookies[refreshTokenCookie].MaxAge)
}

func TestLogout_NoActiveSessionKeepsCookies(t *testing.T) {
	auth := newFakeAuth()
	auth.sessions["tok"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	auth.err = apperr.BadRequest(service.MsgNoActiveSession)
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/logout", "", withCookie(accessTokenCookie, "tok"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No active session found", decodeError(t, w).Message)
	assert.Empty(t, cookiesByName(w))
}

func TestRevokeUser_RequiresAdminRole(t *testing.T) {
	auth := newFakeAuth()
	auth.sessions["user"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	auth.sessions["admin"] = &model.AuthUser{ID: "admin-1", Role: model.RoleAdmin}
	auth.sessions["super"] = &model.AuthUser{ID: "root-1", Role: model.RoleSuperAdmin}
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/users/user-9/revoke", "", withCookie(accessTokenCookie, "user"))
	require.Equal(t, http.StatusForbidden, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Insufficient permissions", resp.Message)
	assert.Equal(t, "FORBIDDEN", resp.Code)
	assert.Empty(t, auth.lastRevoked)

	for _, token := range []string{"admin", "super"} {
		w = do(r, http.MethodPost, "/api/v1/auth/users/user-9/revoke", "", withCookie(accessTokenCookie, token))
		require.Equal(t, http.StatusOK, w.Code, token)
		assert.Equal(t, "user-9", auth.lastRevoked)
	}
}

func TestRequireRoles_WithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	resp := NewResponder(logging.Discard(), true)
	r.GET("/admin", RequireRoles(resp, model.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/admin", "")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Authentication required", decodeError(t, w).Message)
}

func TestEmailRoutes(t *testing.T) {
	auth := newFakeAuth()
	auth.sessions["tok"] = &model.AuthUser{ID: "user-1", Role: model.RoleUser}
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/verify-email/abc-123", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Email verified successfully")

	w = do(r, http.MethodPost, "/api/v1/auth/forgot-password", `{"email":"ada@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Password reset instructions sent to email")

	w = do(r, http.MethodPost, "/api/v1/auth/reset-password", `{"token":"t","password":"Bb2@bbbb"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Password reset successful")

	w = do(r, http.MethodPost, "/api/v1/auth/resend-verification", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/v1/auth/resend-verification", "", withCookie(accessTokenCookie, "tok"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Verification email sent")

	assert.Equal(t, []string{"verify:abc-123", "forgot", "reset", "resend"}, auth.calls)
}

func TestResetPassword_RejectsWeakPassword(t *testing.T) {
	auth := newFakeAuth()
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/reset-password", `{"token":"t","password":"password"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Code)
	assert.Empty(t, auth.calls)
}

func TestGoogle_ExternalFailureIsHidden(t *testing.T) {
	auth := newFakeAuth()
	auth.err = apperr.ExternalService("google", errors.New("dial tcp: timeout"))
	r := newTestRouter(t, auth, nil)

	w := do(r, http.MethodPost, "/api/v1/auth/google", `{"token":"g"}`)

	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "EXTERNAL_SERVICE_ERROR", resp.Code)
	assert.Equal(t, internalErrorMessage, resp.Message)
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	limiter := service.NewRateLimiter(store, logging.Discard(), true)
	r := newTestRouter(t, newFakeAuth(), limiter)

	body := `{"email":"ada@example.com","password":"x"}`
	for i := 0; i < int(service.RuleAuth.Limit); i++ {
		w := do(r, http.MethodPost, "/api/v1/auth/login", body)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := do(r, http.MethodPost, "/api/v1/auth/login", body)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Code)
	assert.Equal(t, service.RuleAuth.Message, resp.Message)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Other rules keep their own counters.
	w = do(r, http.MethodPost, "/api/v1/auth/register", validRegisterBody)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRateLimit_StoreDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	store := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	limiter := service.NewRateLimiter(store, logging.Discard(), true)
	r := newTestRouter(t, newFakeAuth(), limiter)
	mr.Close()

	w := do(r, http.MethodPost, "/api/v1/auth/login", `{"email":"ada@example.com","password":"x"}`)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodGet, "/api/v1/nope", "")

	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "Route not found", resp.Message)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	resp := NewResponder(logging.Discard(), true)
	r.Use(RequestID(), Recovery(resp))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := do(r, http.MethodGet, "/boom", "")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, internalErrorMessage, decodeError(t, w).Message)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodOptions, "/api/v1/auth/login", "", withHeader("Origin", "https://app.example"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = do(r, http.MethodGet, "/ping", "", withHeader("Origin", "https://evil.example"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	r := newTestRouter(t, newFakeAuth(), nil)

	w := do(r, http.MethodGet, "/ping", "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestStrongPassword(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"Aa1!aaaa", true},
		{"Correct-Horse-9", true},
		{"Aa1!aaa", false},
		{"aa1!aaaa", false},
		{"AA1!AAAA", false},
		{"Aa!aaaaa", false},
		{"Aa1aaaaa", false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			assert.Equal(t, tt.want, StrongPassword(tt.password))
		})
	}
}
