package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kulangara/backend/internal/model"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrEmailTaken = errors.New("email already registered")
	// ErrTokenConsumed means the refresh token row vanished between lookup
	// and rotation, i.e. another request rotated it first.
	ErrTokenConsumed = errors.New("refresh token already consumed")
)

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, first_name, last_name, role, is_active, is_verified,
		email_verified_at, last_login_at, avatar, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		user model.User
		role string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&role,
		&user.IsActive,
		&user.IsVerified,
		&user.EmailVerifiedAt,
		&user.LastLoginAt,
		&user.Avatar,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.Role = model.Role(role)
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (db *Postgres) CreateUser(ctx context.Context, u model.NewUser) (*model.User, error) {
	query := `
		INSERT INTO users (id, email, password_hash, first_name, last_name, avatar,
			is_verified, email_verified_at, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING ` + userColumns
	user, err := scanUser(db.Pool.QueryRow(ctx, query,
		uuid.NewString(),
		normalizeEmail(u.Email),
		u.PasswordHash,
		u.FirstName,
		u.LastName,
		u.Avatar,
		u.IsVerified,
		u.EmailVerifiedAt,
		u.LastLoginAt,
	))
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

func (db *Postgres) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(db.Pool.QueryRow(ctx, query, normalizeEmail(email)))
}

func (db *Postgres) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(db.Pool.QueryRow(ctx, query, userID))
}

func (db *Postgres) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2, updated_at = NOW() WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, query, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified flags the user owning email as verified. An existing
// verification timestamp is kept.
func (db *Postgres) MarkEmailVerified(ctx context.Context, email string, at time.Time) (*model.User, error) {
	query := `
		UPDATE users
		SET is_verified = TRUE, email_verified_at = COALESCE(email_verified_at, $2), updated_at = NOW()
		WHERE email = $1
		RETURNING ` + userColumns
	return scanUser(db.Pool.QueryRow(ctx, query, normalizeEmail(email), at))
}

// UpdateOAuthProfile merges provider data into an existing user. Blank
// profile fields keep the stored values; verification is never downgraded.
func (db *Postgres) UpdateOAuthProfile(ctx context.Context, userID string, p model.OAuthProfile) (*model.User, error) {
	query := `
		UPDATE users
		SET first_name = COALESCE(NULLIF($2, ''), first_name),
			last_name = COALESCE(NULLIF($3, ''), last_name),
			avatar = COALESCE(NULLIF($4, ''), avatar),
			is_verified = is_verified OR $5,
			email_verified_at = CASE WHEN $5 AND email_verified_at IS NULL THEN $6 ELSE email_verified_at END,
			last_login_at = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	return scanUser(db.Pool.QueryRow(ctx, query, userID, p.FirstName, p.LastName, p.Avatar, p.EmailVerified, p.LoginAt))
}

func (db *Postgres) InsertRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	query := `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	_, err := db.Pool.Exec(ctx, query, userID, tokenHash, expiresAt)
	return err
}

// GetRefreshTokenByHash returns the token row together with its owner.
func (db *Postgres) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	query := `
		SELECT t.id, t.user_id, t.token_hash, t.expires_at, t.created_at,
			u.id, u.email, u.password_hash, u.first_name, u.last_name, u.role, u.is_active, u.is_verified,
			u.email_verified_at, u.last_login_at, u.avatar, u.created_at, u.updated_at
		FROM refresh_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
	`
	var (
		token model.RefreshToken
		user  model.User
		role  string
	)
	err := db.Pool.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.CreatedAt,
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&role,
		&user.IsActive,
		&user.IsVerified,
		&user.EmailVerifiedAt,
		&user.LastLoginAt,
		&user.Avatar,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.Role = model.Role(role)
	token.User = &user
	return &token, nil
}

// RotateRefreshToken deletes the old row and inserts its replacement in one
// transaction. The DELETE takes the row lock, so of several concurrent
// rotations of the same token exactly one sees a deleted row; the others get
// ErrTokenConsumed and nothing is inserted for them.
func (db *Postgres) RotateRefreshToken(ctx context.Context, oldTokenID int64, userID, newTokenHash string, newExpiresAt time.Time) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, oldTokenID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrTokenConsumed
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
	`, userID, newTokenHash, newExpiresAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteUserRefreshTokens removes every session of the user and reports how
// many there were.
func (db *Postgres) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetPassword stores the new hash and drops all of the user's sessions
// atomically.
func (db *Postgres) ResetPassword(ctx context.Context, userID, passwordHash string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err = tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
