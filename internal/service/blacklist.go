package service

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kulangara/backend/internal/logging"
)

const (
	tokenBlacklistPrefix = "blacklist:token:"
	userBlacklistPrefix  = "blacklist:user:"
)

// KeyValueStore is the ephemeral store contract; *cache.Store implements it.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Take(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Blacklist revokes individual access tokens (by jti) and whole users before
// their tokens expire. Entries expire on their own.
//
// Reads fail open: if the store cannot be reached the token is treated as
// not revoked, so a cache outage does not lock every user out.
type Blacklist struct {
	store   KeyValueStore
	log     logging.Logger
	userTTL time.Duration
	now     func() time.Time
}

func NewBlacklist(store KeyValueStore, log logging.Logger, userTTL time.Duration) *Blacklist {
	return &Blacklist{store: store, log: log, userTTL: userTTL, now: time.Now}
}

// BlacklistToken revokes a raw access token for the rest of its lifetime.
// The signature is not checked; malformed, expired or jti-less tokens are
// ignored.
func (b *Blacklist) BlacklistToken(ctx context.Context, raw string) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		b.log.Debug(ctx, "skipping blacklist of undecodable token", "err", err)
		return
	}
	b.BlacklistClaims(ctx, claims)
}

func (b *Blacklist) BlacklistClaims(ctx context.Context, claims *AccessClaims) {
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return
	}
	if err := b.store.Set(ctx, tokenBlacklistPrefix+claims.ID, "1", ttl); err != nil {
		b.log.Error(ctx, "failed to blacklist token", "jti", claims.ID, "err", err)
	}
}

func (b *Blacklist) IsTokenBlacklisted(ctx context.Context, jti string) bool {
	return b.exists(ctx, tokenBlacklistPrefix+jti)
}

// BlacklistUser revokes every token of the user for the configured window.
func (b *Blacklist) BlacklistUser(ctx context.Context, userID string) error {
	return b.store.Set(ctx, userBlacklistPrefix+userID, "1", b.userTTL)
}

func (b *Blacklist) IsUserBlacklisted(ctx context.Context, userID string) bool {
	return b.exists(ctx, userBlacklistPrefix+userID)
}

func (b *Blacklist) exists(ctx context.Context, key string) bool {
	ok, err := b.store.Exists(ctx, key)
	if err != nil {
		b.log.Warn(ctx, "blacklist check failed, allowing request", "key", key, "err", err)
		return false
	}
	return ok
}
