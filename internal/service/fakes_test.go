package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kulangara/backend/internal/cache"
	"github.com/kulangara/backend/internal/client"
	"github.com/kulangara/backend/internal/config"
	"github.com/kulangara/backend/internal/db"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
	"github.com/redis/go-redis/v9"
)

// memStore is an in-memory CredentialStore with the same rotation
// semantics as the Postgres implementation.
type memStore struct {
	mu      sync.Mutex
	users   map[string]*model.User
	tokens  map[string]*model.RefreshToken
	nextID  int64
	failGet error
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*model.User{}, tokens: map[string]*model.RefreshToken{}}
}

func (m *memStore) copyUser(u *model.User) *model.User {
	c := *u
	return &c
}

func (m *memStore) findByEmail(email string) *model.User {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range m.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (m *memStore) CreateUser(_ context.Context, nu model.NewUser) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findByEmail(nu.Email) != nil {
		return nil, db.ErrEmailTaken
	}
	now := time.Now()
	u := &model.User{
		ID:              uuid.NewString(),
		Email:           strings.ToLower(strings.TrimSpace(nu.Email)),
		PasswordHash:    nu.PasswordHash,
		FirstName:       nu.FirstName,
		LastName:        nu.LastName,
		Role:            model.RoleUser,
		IsActive:        true,
		IsVerified:      nu.IsVerified,
		EmailVerifiedAt: nu.EmailVerifiedAt,
		LastLoginAt:     nu.LastLoginAt,
		Avatar:          nu.Avatar,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.users[u.ID] = u
	return m.copyUser(u), nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.findByEmail(email); u != nil {
		return m.copyUser(u), nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	if u, ok := m.users[id]; ok {
		return m.copyUser(u), nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return db.ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

func (m *memStore) MarkEmailVerified(_ context.Context, email string, at time.Time) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.findByEmail(email)
	if u == nil {
		return nil, db.ErrNotFound
	}
	u.IsVerified = true
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return m.copyUser(u), nil
}

func (m *memStore) UpdateOAuthProfile(_ context.Context, id string, p model.OAuthProfile) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if p.FirstName != "" {
		u.FirstName = p.FirstName
	}
	if p.LastName != "" {
		u.LastName = p.LastName
	}
	if p.Avatar != "" {
		avatar := p.Avatar
		u.Avatar = &avatar
	}
	if p.EmailVerified && u.EmailVerifiedAt == nil {
		at := p.LoginAt
		u.EmailVerifiedAt = &at
	}
	u.IsVerified = u.IsVerified || p.EmailVerified
	login := p.LoginAt
	u.LastLoginAt = &login
	return m.copyUser(u), nil
}

func (m *memStore) InsertRefreshToken(_ context.Context, userID, hash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(userID, hash, exp)
}

func (m *memStore) insertLocked(userID, hash string, exp time.Time) error {
	if _, dup := m.tokens[hash]; dup {
		return errors.New("duplicate token hash")
	}
	m.nextID++
	m.tokens[hash] = &model.RefreshToken{ID: m.nextID, UserID: userID, TokenHash: hash, ExpiresAt: exp, CreatedAt: time.Now()}
	return nil
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, hash string) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *t
	if u, ok := m.users[t.UserID]; ok {
		c.User = m.copyUser(u)
	}
	return &c, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldID int64, userID, newHash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, t := range m.tokens {
		if t.ID == oldID {
			delete(m.tokens, hash)
			return m.insertLocked(userID, newHash, exp)
		}
	}
	return db.ErrTokenConsumed
}

func (m *memStore) DeleteUserRefreshTokens(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetPassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.PasswordHash = hash
	for h, t := range m.tokens {
		if t.UserID == userID {
			delete(m.tokens, h)
		}
	}
	return nil
}

func (m *memStore) tokenCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

func (m *memStore) setActive(userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID].IsActive = active
}

type sentMail struct {
	Kind  string
	To    string
	Token string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) record(kind, to, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{Kind: kind, To: to, Token: token})
	return f.err
}

func (f *fakeMailer) SendVerificationEmail(_ context.Context, email, _, token string) error {
	return f.record("verification", email, token)
}

func (f *fakeMailer) SendPasswordResetEmail(_ context.Context, email, _, token string) error {
	return f.record("password_reset", email, token)
}

func (f *fakeMailer) last(t *testing.T, kind string) sentMail {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Kind == kind {
			return f.sent[i]
		}
	}
	t.Fatalf("no %s email sent", kind)
	return sentMail{}
}

type fakeGoogle struct {
	profile *client.GoogleProfile
	err     error
	lastID  string
}

func (f *fakeGoogle) UserInfo(_ context.Context, _ string) (*client.GoogleProfile, error) {
	return f.profile, f.err
}

func (f *fakeGoogle) VerifyIDToken(_ context.Context, idToken string) (*client.GoogleProfile, error) {
	f.lastID = idToken
	return f.profile, f.err
}

type testEnv struct {
	svc    *AuthService
	store  *memStore
	mr     *miniredis.Miniredis
	kv     *cache.Store
	mailer *fakeMailer
	google *fakeGoogle
	tokens *TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := cache.New(rdb)
	log := logging.Discard()
	tokens := NewTokenIssuer("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
	env := &testEnv{
		store:  newMemStore(),
		mr:     mr,
		kv:     kv,
		mailer: &fakeMailer{},
		google: &fakeGoogle{},
		tokens: tokens,
	}
	env.svc = NewAuthService(AuthDeps{
		Repo:      env.store,
		KV:        kv,
		Tokens:    tokens,
		Blacklist: NewBlacklist(kv, log, 24*time.Hour),
		Mailer:    env.mailer,
		Google:    env.google,
		Log:       log,
	}, config.AuthConfig{
		VerificationTTL:  24 * time.Hour,
		PasswordResetTTL: time.Hour,
		BcryptCost:       4,
	}, config.GoogleConfig{TrustEmailVerified: true})
	return env
}

func (e *testEnv) register(t *testing.T, email string) *model.AuthResult {
	t.Helper()
	res, err := e.svc.Register(context.Background(), model.RegisterRequest{
		Email: email, Password: "Aa1!aaaa", FirstName: "Ann", LastName: "Lee",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e.svc.Wait()
	return res
}
