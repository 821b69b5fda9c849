package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kulangara/backend/internal/apperr"
	"github.com/kulangara/backend/internal/cache"
	"github.com/kulangara/backend/internal/client"
	"github.com/kulangara/backend/internal/config"
	"github.com/kulangara/backend/internal/db"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/mail"
	"github.com/kulangara/backend/internal/model"
	"golang.org/x/crypto/bcrypt"
)

const (
	verificationPrefix  = "email_verification:"
	passwordResetPrefix = "password_reset:"
	emailSendTimeout    = 30 * time.Second
)

// Client-facing messages.
const (
	MsgAuthRequired        = "Authentication required"
	MsgInvalidToken        = "Invalid token"
	MsgTokenExpired        = "Token expired"
	MsgTokenRevoked        = "Token has been revoked"
	MsgUserRevoked         = "Account access has been revoked"
	MsgUserInactive        = "User not found or inactive"
	MsgInsufficientRole    = "Insufficient permissions"
	MsgEmailTaken          = "Email already registered"
	MsgInvalidCredentials  = "Invalid credentials"
	MsgGoogleTokenRequired = "Google access token is required"
	MsgInvalidGoogleToken  = "Invalid Google token"
	MsgGoogleNoEmail       = "Email not provided by Google"
	MsgNoRefreshToken      = "No refresh token provided"
	MsgInvalidRefreshToken = "Invalid refresh token"
	MsgNoActiveSession     = "No active session found"
	MsgUserNotFound        = "User not found"
	MsgInvalidResetToken   = "Invalid or expired reset token"
	MsgInvalidVerifyToken  = "Invalid or expired verification token"
	MsgAlreadyVerified     = "Email already verified"
)

// CredentialStore is the persistence contract; *db.Postgres implements it.
type CredentialStore interface {
	CreateUser(ctx context.Context, u model.NewUser) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, userID string) (*model.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	MarkEmailVerified(ctx context.Context, email string, at time.Time) (*model.User, error)
	UpdateOAuthProfile(ctx context.Context, userID string, p model.OAuthProfile) (*model.User, error)
	InsertRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldTokenID int64, userID, newTokenHash string, newExpiresAt time.Time) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error)
	ResetPassword(ctx context.Context, userID, passwordHash string) error
}

// IdentityProvider resolves Google credentials to a profile.
type IdentityProvider interface {
	UserInfo(ctx context.Context, accessToken string) (*client.GoogleProfile, error)
	VerifyIDToken(ctx context.Context, idToken string) (*client.GoogleProfile, error)
}

type AuthService struct {
	repo      CredentialStore
	kv        KeyValueStore
	tokens    *TokenIssuer
	blacklist *Blacklist
	mailer    mail.Dispatcher
	google    IdentityProvider
	log       logging.Logger

	bcryptCost          int
	verificationTTL     time.Duration
	passwordResetTTL    time.Duration
	trustGoogleVerified bool

	now    func() time.Time
	emails sync.WaitGroup
}

type AuthDeps struct {
	Repo      CredentialStore
	KV        KeyValueStore
	Tokens    *TokenIssuer
	Blacklist *Blacklist
	Mailer    mail.Dispatcher
	Google    IdentityProvider
	Log       logging.Logger
}

func NewAuthService(deps AuthDeps, cfg config.AuthConfig, googleCfg config.GoogleConfig) *AuthService {
	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &AuthService{
		repo:                deps.Repo,
		kv:                  deps.KV,
		tokens:              deps.Tokens,
		blacklist:           deps.Blacklist,
		mailer:              deps.Mailer,
		google:              deps.Google,
		log:                 deps.Log,
		bcryptCost:          cost,
		verificationTTL:     cfg.VerificationTTL,
		passwordResetTTL:    cfg.PasswordResetTTL,
		trustGoogleVerified: googleCfg.TrustEmailVerified,
		now:                 time.Now,
	}
}

func (s *AuthService) Tokens() *TokenIssuer {
	return s.tokens
}

// Wait blocks until queued e-mail sends have finished.
func (s *AuthService) Wait() {
	s.emails.Wait()
}

func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (*model.AuthResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, model.NewUser{
		Email:        req.Email,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
	})
	if err != nil {
		if errors.Is(err, db.ErrEmailTaken) {
			return nil, apperr.Conflict(MsgEmailTaken)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.sendVerification(ctx, user)

	return &model.AuthResult{User: user, Tokens: tokens}, nil
}

func (s *AuthService) Login(ctx context.Context, req model.LoginRequest) (*model.AuthResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Unauthorized(MsgInvalidCredentials)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !user.IsActive {
		return nil, apperr.Unauthorized(MsgInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperr.Unauthorized(MsgInvalidCredentials)
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.repo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("updating last login: %w", err)
	}
	user.LastLoginAt = &now

	return &model.AuthResult{User: user, Tokens: tokens}, nil
}

// GoogleAuth signs a user in with a Google access token (userinfo lookup)
// or ID token (signature verified locally), creating the account on first
// use.
func (s *AuthService) GoogleAuth(ctx context.Context, req model.GoogleAuthRequest) (*model.AuthResult, error) {
	accessToken := strings.TrimSpace(req.Token)
	idToken := strings.TrimSpace(req.IDToken)
	if accessToken == "" && idToken == "" {
		return nil, apperr.BadRequest(MsgGoogleTokenRequired)
	}
	if s.google == nil {
		return nil, apperr.ExternalService("google", errors.New("identity provider not configured"))
	}

	var (
		profile *client.GoogleProfile
		err     error
	)
	if accessToken != "" {
		profile, err = s.google.UserInfo(ctx, accessToken)
	} else {
		profile, err = s.google.VerifyIDToken(ctx, idToken)
	}
	if err != nil {
		s.log.Warn(ctx, "google token verification failed", "err", err)
		return nil, apperr.Wrap(apperr.KindUnauthorized, MsgInvalidGoogleToken, err)
	}
	if strings.TrimSpace(profile.Email) == "" {
		return nil, apperr.BadRequest(MsgGoogleNoEmail)
	}

	verified := s.trustGoogleVerified && profile.EmailVerified()
	now := s.now()

	user, err := s.repo.GetUserByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		user, err = s.mergeGoogleProfile(ctx, user, profile, verified, now)
	case errors.Is(err, db.ErrNotFound):
		user, err = s.createGoogleUser(ctx, profile, verified, now)
	default:
		err = fmt.Errorf("loading user: %w", err)
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, apperr.Unauthorized(MsgInvalidCredentials)
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}
	return &model.AuthResult{User: user, Tokens: tokens}, nil
}

func (s *AuthService) mergeGoogleProfile(ctx context.Context, user *model.User, p *client.GoogleProfile, verified bool, now time.Time) (*model.User, error) {
	updated, err := s.repo.UpdateOAuthProfile(ctx, user.ID, model.OAuthProfile{
		FirstName:     p.GivenName,
		LastName:      p.FamilyName,
		Avatar:        p.Picture,
		EmailVerified: verified,
		LoginAt:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("updating google profile: %w", err)
	}
	return updated, nil
}

func (s *AuthService) createGoogleUser(ctx context.Context, p *client.GoogleProfile, verified bool, now time.Time) (*model.User, error) {
	// The account gets an unguessable password; the user can set a real one
	// through the reset flow.
	random := uuid.NewString() + strconv.FormatInt(now.UnixNano(), 10)
	hash, err := bcrypt.GenerateFromPassword([]byte(random), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	newUser := model.NewUser{
		Email:        p.Email,
		PasswordHash: string(hash),
		FirstName:    p.GivenName,
		LastName:     p.FamilyName,
		IsVerified:   verified,
		LastLoginAt:  &now,
	}
	if newUser.FirstName == "" {
		newUser.FirstName = "User"
	}
	if p.Picture != "" {
		avatar := p.Picture
		newUser.Avatar = &avatar
	}
	if verified {
		newUser.EmailVerifiedAt = &now
	}

	user, err := s.repo.CreateUser(ctx, newUser)
	if errors.Is(err, db.ErrEmailTaken) {
		// Lost a race with a concurrent first sign-in.
		existing, getErr := s.repo.GetUserByEmail(ctx, p.Email)
		if getErr != nil {
			return nil, fmt.Errorf("loading user: %w", getErr)
		}
		return s.mergeGoogleProfile(ctx, existing, p, verified, now)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// Refresh rotates a refresh token. The presented token is consumed and
// replaced in one transaction; presenting it again fails.
func (s *AuthService) Refresh(ctx context.Context, rawRefresh string) (*model.AuthResult, error) {
	if rawRefresh == "" {
		return nil, apperr.Unauthorized(MsgNoRefreshToken)
	}

	claims, err := s.tokens.ParseRefreshToken(rawRefresh)
	if err != nil {
		return nil, apperr.Unauthorized(MsgInvalidRefreshToken)
	}

	record, err := s.repo.GetRefreshTokenByHash(ctx, HashRefreshToken(rawRefresh))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Unauthorized(MsgInvalidRefreshToken)
		}
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if record.UserID != claims.UserID || record.ExpiresAt.Before(s.now()) {
		return nil, apperr.Unauthorized(MsgInvalidRefreshToken)
	}

	user := record.User
	if user == nil || !user.IsActive {
		return nil, apperr.Unauthorized(MsgUserInactive)
	}

	newRefresh, expiresAt, err := s.tokens.IssueRefreshToken(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	err = s.repo.RotateRefreshToken(ctx, record.ID, user.ID, HashRefreshToken(newRefresh), expiresAt)
	if err != nil {
		if errors.Is(err, db.ErrTokenConsumed) {
			return nil, apperr.Unauthorized(MsgInvalidRefreshToken)
		}
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	access, _, err := s.tokens.IssueAccessToken(user.ID, user.Role)
	if err != nil {
		return nil, err
	}

	return &model.AuthResult{
		User:   user,
		Tokens: model.TokenPair{AccessToken: access, RefreshToken: newRefresh},
	}, nil
}

// Logout revokes the presented access token and ends every session of the
// user.
func (s *AuthService) Logout(ctx context.Context, user model.AuthUser, rawAccess string) error {
	if rawAccess != "" {
		s.blacklist.BlacklistToken(ctx, rawAccess)
	}

	deleted, err := s.repo.DeleteUserRefreshTokens(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("deleting refresh tokens: %w", err)
	}
	if deleted == 0 {
		return apperr.BadRequest(MsgNoActiveSession)
	}
	return nil
}

func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound(MsgUserNotFound)
		}
		return fmt.Errorf("loading user: %w", err)
	}

	token := uuid.NewString()
	if err := s.kv.Set(ctx, passwordResetPrefix+token, user.ID, s.passwordResetTTL); err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}

	s.dispatch(ctx, "password_reset", user.Email, func(ctx context.Context) error {
		return s.mailer.SendPasswordResetEmail(ctx, user.Email, user.FirstName, token)
	})
	return nil
}

// ResetPassword consumes a reset token, stores the new password and ends all
// sessions of the user.
func (s *AuthService) ResetPassword(ctx context.Context, token, password string) error {
	userID, err := s.kv.Take(ctx, passwordResetPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return apperr.BadRequest(MsgInvalidResetToken)
		}
		return fmt.Errorf("reading reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	if err := s.repo.ResetPassword(ctx, userID, string(hash)); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.BadRequest(MsgInvalidResetToken)
		}
		return fmt.Errorf("resetting password: %w", err)
	}
	return nil
}

func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	email, err := s.kv.Take(ctx, verificationPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return apperr.BadRequest(MsgInvalidVerifyToken)
		}
		return fmt.Errorf("reading verification token: %w", err)
	}

	if _, err := s.repo.MarkEmailVerified(ctx, email, s.now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.BadRequest(MsgInvalidVerifyToken)
		}
		return fmt.Errorf("marking email verified: %w", err)
	}
	return nil
}

func (s *AuthService) ResendVerification(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apperr.NotFound(MsgUserNotFound)
		}
		return fmt.Errorf("loading user: %w", err)
	}
	if user.IsVerified {
		return apperr.BadRequest(MsgAlreadyVerified)
	}

	token := uuid.NewString()
	if err := s.kv.Set(ctx, verificationPrefix+token, user.Email, s.verificationTTL); err != nil {
		return fmt.Errorf("storing verification token: %w", err)
	}
	s.dispatch(ctx, "verification", user.Email, func(ctx context.Context) error {
		return s.mailer.SendVerificationEmail(ctx, user.Email, user.FirstName, token)
	})
	return nil
}

// Authenticate resolves an access token to the acting user. Checks run in
// order and the first failure is returned.
func (s *AuthService) Authenticate(ctx context.Context, rawAccess string) (*model.AuthUser, error) {
	if rawAccess == "" {
		return nil, apperr.Unauthorized(MsgAuthRequired)
	}

	claims, err := s.tokens.ParseAccessToken(rawAccess)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperr.Unauthorized(MsgTokenExpired)
		}
		return nil, apperr.Unauthorized(MsgInvalidToken)
	}

	if s.blacklist.IsTokenBlacklisted(ctx, claims.ID) {
		return nil, apperr.Unauthorized(MsgTokenRevoked)
	}
	if s.blacklist.IsUserBlacklisted(ctx, claims.UserID) {
		return nil, apperr.Unauthorized(MsgUserRevoked)
	}

	user, err := s.repo.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.Unauthorized(MsgUserInactive)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !user.IsActive {
		return nil, apperr.Unauthorized(MsgUserInactive)
	}

	return &model.AuthUser{
		ID:        user.ID,
		Role:      user.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound(MsgUserNotFound)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return user, nil
}

// RevokeUser blocks all outstanding access tokens of a user and ends their
// sessions.
func (s *AuthService) RevokeUser(ctx context.Context, userID string) error {
	if _, err := s.Me(ctx, userID); err != nil {
		return err
	}
	if err := s.blacklist.BlacklistUser(ctx, userID); err != nil {
		return fmt.Errorf("blacklisting user: %w", err)
	}
	if _, err := s.repo.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("deleting refresh tokens: %w", err)
	}
	return nil
}

// startSession issues a token pair and persists the refresh half.
func (s *AuthService) startSession(ctx context.Context, user *model.User) (model.TokenPair, error) {
	access, _, err := s.tokens.IssueAccessToken(user.ID, user.Role)
	if err != nil {
		return model.TokenPair{}, err
	}
	refresh, expiresAt, err := s.tokens.IssueRefreshToken(user.ID, user.Role)
	if err != nil {
		return model.TokenPair{}, err
	}
	if err := s.repo.InsertRefreshToken(ctx, user.ID, HashRefreshToken(refresh), expiresAt); err != nil {
		return model.TokenPair{}, fmt.Errorf("storing refresh token: %w", err)
	}
	return model.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *AuthService) sendVerification(ctx context.Context, user *model.User) {
	token := uuid.NewString()
	if err := s.kv.Set(ctx, verificationPrefix+token, user.Email, s.verificationTTL); err != nil {
		s.log.Error(ctx, "failed to store verification token", "userId", user.ID, "err", err)
		return
	}
	s.dispatch(ctx, "verification", user.Email, func(ctx context.Context) error {
		return s.mailer.SendVerificationEmail(ctx, user.Email, user.FirstName, token)
	})
}

// dispatch sends in the background. Failures are logged only.
func (s *AuthService) dispatch(ctx context.Context, kind, to string, send func(ctx context.Context) error) {
	if s.mailer == nil {
		return
	}
	s.emails.Add(1)
	go func() {
		defer s.emails.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emailSendTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.log.Error(ctx, "failed to send email", "kind", kind, "to", to, "err", err)
		}
	}()
}
