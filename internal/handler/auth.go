package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/apperr"
	"github.com/kulangara/backend/internal/model"
	"github.com/kulangara/backend/internal/service"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// AuthService is the set of account operations the handlers call;
// *service.AuthService implements it.
type AuthService interface {
	Authenticator
	Register(ctx context.Context, req model.RegisterRequest) (*model.AuthResult, error)
	Login(ctx context.Context, req model.LoginRequest) (*model.AuthResult, error)
	GoogleAuth(ctx context.Context, req model.GoogleAuthRequest) (*model.AuthResult, error)
	Refresh(ctx context.Context, rawRefresh string) (*model.AuthResult, error)
	Logout(ctx context.Context, user model.AuthUser, rawAccess string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
	VerifyEmail(ctx context.Context, token string) error
	ResendVerification(ctx context.Context, userID string) error
	Me(ctx context.Context, userID string) (*model.User, error)
	RevokeUser(ctx context.Context, userID string) error
}

type CookieConfig struct {
	Domain     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type AuthHandler struct {
	svc     AuthService
	resp    *Responder
	cookies CookieConfig
}

func NewAuthHandler(svc AuthService, resp *Responder, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{svc: svc, resp: resp, cookies: cookies}
}

// Register godoc
// @Summary Register a new user
// @Description Creates the account, starts a session and sends a verification e-mail.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.RegisterRequest true "Account details"
// @Success 201 {object} model.AuthUserResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Failure 429 {object} model.ErrorResponse
// @Failure 500 {object} model.ErrorResponse
// @Router /api/v1/auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req model.RegisterRequest
	if err := bindJSON(c, &req); err != nil {
		h.resp.Error(c, err)
		return
	}

	result, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		h.resp.Error(c, err)
		return
	}

	h.setAuthCookies(c, result.Tokens)
	writeSuccess(c, http.StatusCreated, "Registration successful", result.User.BasicSummary())
}

// Login godoc
// @Summary Login with e-mail and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.LoginRequest true "Credentials"
// @Success 200 {object} model.AuthUserResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 429 {object} model.ErrorResponse
// @Failure 500 {object} model.ErrorResponse
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := bindJSON(c, &req); err != nil {
		h.resp.Error(c, err)
		return
	}

	result, err := h.svc.Login(c.Request.Context(), req)
	if err != nil {
		h.resp.Error(c, err)
		return
	}

	h.setAuthCookies(c, result.Tokens)
	writeSuccess(c, http.StatusOK, "Login successful", result.User.Summary())
}

// Google godoc
// @Summary Sign in with Google
// @Description Accepts a Google OAuth access token or an ID token.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.GoogleAuthRequest true "Google token"
// @Success 200 {object} model.AuthUserResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 502 {object} model.ErrorResponse
// @Router /api/v1/auth/google [post]
func (h *AuthHandler) Google(c *gin.Context) {
	var req model.GoogleAuthRequest
	if err := bindJSON(c, &req); err != nil {
		h.resp.Error(c, err)
		return
	}

	result, err := h.svc.GoogleAuth(c.Request.Context(), req)
	if err != nil {
		h.resp.Error(c, err)
		return
	}

	h.setAuthCookies(c, result.Tokens)
	writeSuccess(c, http.StatusOK, "Google authentication successful", result.User.Summary())
}

// Refresh godoc
// @Summary Rotate the refresh token
// @Description Uses the refreshToken cookie. The presented token cannot be used again.
// @Tags auth
// @Produce json
// @Success 200 {object} model.AuthUserResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 500 {object} model.ErrorResponse
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken, _ := c.Cookie(refreshTokenCookie)
	result, err := h.svc.Refresh(c.Request.Context(), refreshToken)
	if err != nil {
		h.resp.Error(c, err)
		return
	}

	h.setAuthCookies(c, result.Tokens)
	writeSuccess(c, http.StatusOK, "Token refreshed successfully", result.User.Summary())
}

// Logout godoc
// @Summary Logout
// @Description Revokes the current access token and every refresh token of the user.
// @Tags auth
// @Produce json
// @Security CookieAuth
// @Success 200 {object} model.StatusResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Router /api/v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	user := GetAuthUser(c)
	if user == nil {
		h.resp.Error(c, apperr.Unauthorized(service.MsgAuthRequired))
		return
	}

	if err := h.svc.Logout(c.Request.Context(), *user, c.GetString(accessTokenKey)); err != nil {
		h.resp.Error(c, err)
		return
	}

	h.clearAuthCookies(c)
	writeSuccess(c, http.StatusOK, "Logged out successfully", nil)
}

// ForgotPassword godoc
// @Summary Request a password reset e-mail
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.ForgotPasswordRequest true "Account e-mail"
// @Success 200 {object} model.StatusResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Failure 429 {object} model.ErrorResponse
// @Router /api/v1/auth/forgot-password [post]
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req model.ForgotPasswordRequest
	if err := bindJSON(c, &req); err != nil {
		h.resp.Error(c, err)
		return
	}

	if err := h.svc.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "Password reset instructions sent to email", nil)
}

// ResetPassword godoc
// @Summary Set a new password with a reset token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.ResetPasswordRequest true "Reset token and new password"
// @Success 200 {object} model.StatusResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 429 {object} model.ErrorResponse
// @Router /api/v1/auth/reset-password [post]
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req model.ResetPasswordRequest
	if err := bindJSON(c, &req); err != nil {
		h.resp.Error(c, err)
		return
	}

	if err := h.svc.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "Password reset successful", nil)
}

// VerifyEmail godoc
// @Summary Verify an e-mail address
// @Tags auth
// @Produce json
// @Param token path string true "Verification token"
// @Success 200 {object} model.StatusResponse
// @Failure 400 {object} model.ErrorResponse
// @Router /api/v1/auth/verify-email/{token} [post]
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	if err := h.svc.VerifyEmail(c.Request.Context(), c.Param("token")); err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "Email verified successfully", nil)
}

// ResendVerification godoc
// @Summary Send a new verification e-mail
// @Tags auth
// @Produce json
// @Security CookieAuth
// @Success 200 {object} model.StatusResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/auth/resend-verification [post]
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	user := GetAuthUser(c)
	if user == nil {
		h.resp.Error(c, apperr.Unauthorized(service.MsgAuthRequired))
		return
	}

	if err := h.svc.ResendVerification(c.Request.Context(), user.ID); err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "Verification email sent", nil)
}

// Me godoc
// @Summary Get current user
// @Tags auth
// @Produce json
// @Security CookieAuth
// @Success 200 {object} model.AuthUserResponse
// @Failure 401 {object} model.ErrorResponse
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	user := GetAuthUser(c)
	if user == nil {
		h.resp.Error(c, apperr.Unauthorized(service.MsgAuthRequired))
		return
	}

	profile, err := h.svc.Me(c.Request.Context(), user.ID)
	if err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "User retrieved successfully", profile.Profile())
}

// RevokeUser godoc
// @Summary Revoke all access of a user
// @Description Blocks outstanding access tokens and deletes refresh tokens. Admin only.
// @Tags auth
// @Produce json
// @Security CookieAuth
// @Param id path string true "User ID"
// @Success 200 {object} model.StatusResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/auth/users/{id}/revoke [post]
func (h *AuthHandler) RevokeUser(c *gin.Context) {
	if err := h.svc.RevokeUser(c.Request.Context(), c.Param("id")); err != nil {
		h.resp.Error(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, "User access revoked", nil)
}

func (h *AuthHandler) setAuthCookies(c *gin.Context, tokens model.TokenPair) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(accessTokenCookie, tokens.AccessToken, int(h.cookies.AccessTTL.Seconds()), "/", h.cookies.Domain, true, true)
	c.SetCookie(refreshTokenCookie, tokens.RefreshToken, int(h.cookies.RefreshTTL.Seconds()), "/", h.cookies.Domain, true, true)
}

func (h *AuthHandler) clearAuthCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(accessTokenCookie, "", -1, "/", h.cookies.Domain, true, true)
	c.SetCookie(refreshTokenCookie, "", -1, "/", h.cookies.Domain, true, true)
}
