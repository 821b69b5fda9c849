package model

import "time"

type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

type User struct {
	ID              string
	Email           string
	PasswordHash    string
	FirstName       string
	LastName        string
	Role            Role
	IsActive        bool
	IsVerified      bool
	EmailVerifiedAt *time.Time
	LastLoginAt     *time.Time
	Avatar          *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type NewUser struct {
	Email           string
	PasswordHash    string
	FirstName       string
	LastName        string
	Avatar          *string
	IsVerified      bool
	EmailVerifiedAt *time.Time
	LastLoginAt     *time.Time
}

// OAuthProfile is the provider-sourced subset merged into an existing user.
// Empty fields leave the stored value untouched.
type OAuthProfile struct {
	FirstName     string
	LastName      string
	Avatar        string
	EmailVerified bool
	LoginAt       time.Time
}

type RefreshToken struct {
	ID        int64
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	User      *User
}

// AuthUser is the identity resolved by the authentication gate.
type AuthUser struct {
	ID        string
	Role      Role
	TokenID   string
	ExpiresAt time.Time
}

// TokenPair is what login-like flows hand back to the transport layer.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type AuthResult struct {
	User   *User
	Tokens TokenPair
}

type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email,max=254"`
	Password  string `json:"password" binding:"required,strongpassword"`
	FirstName string `json:"firstName" binding:"required,min=1,max=50"`
	LastName  string `json:"lastName" binding:"max=50"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type GoogleAuthRequest struct {
	Token   string `json:"token"`
	IDToken string `json:"idToken"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,strongpassword"`
}

type UserSummary struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Role       Role   `json:"role,omitempty"`
	IsVerified *bool  `json:"isVerified,omitempty"`
}

type UserProfile struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	Role            Role       `json:"role"`
	IsVerified      bool       `json:"isVerified"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	LastLoginAt     *time.Time `json:"lastLoginAt,omitempty"`
	Avatar          *string    `json:"avatar,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// BasicSummary omits role and verification state (registration response).
func (u *User) BasicSummary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func (u *User) Summary() UserSummary {
	verified := u.IsVerified
	s := u.BasicSummary()
	s.Role = u.Role
	s.IsVerified = &verified
	return s
}

func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Role:            u.Role,
		IsVerified:      u.IsVerified,
		EmailVerifiedAt: u.EmailVerifiedAt,
		LastLoginAt:     u.LastLoginAt,
		Avatar:          u.Avatar,
		CreatedAt:       u.CreatedAt,
	}
}
