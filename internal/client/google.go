// Google identity lookups used by the sign-in-with-Google flow.
//
// Env:
//   - GOOGLE_CLIENT_ID: audience for ID-token verification
//   - GOOGLE_USERINFO_URL (default: https://www.googleapis.com/oauth2/v3/userinfo)

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/kulangara/backend/internal/config"
	"golang.org/x/oauth2"
)

const googleIssuer = "https://accounts.google.com"

// GoogleProfile is the userinfo / ID-token claim set we use. v2 of the
// userinfo API reports verification as verified_email, v3 as email_verified.
type GoogleProfile struct {
	Subject         string `json:"sub"`
	Email           string `json:"email"`
	GivenName       string `json:"given_name"`
	FamilyName      string `json:"family_name"`
	Picture         string `json:"picture"`
	EmailVerifiedV3 *bool  `json:"email_verified,omitempty"`
	VerifiedEmailV2 *bool  `json:"verified_email,omitempty"`
}

func (p GoogleProfile) EmailVerified() bool {
	if p.EmailVerifiedV3 != nil {
		return *p.EmailVerifiedV3
	}
	if p.VerifiedEmailV2 != nil {
		return *p.VerifiedEmailV2
	}
	return false
}

type GoogleClient struct {
	clientID    string
	userInfoURL string
	httpClient  *http.Client

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

type GoogleOption func(*GoogleClient)

// WithIDTokenVerifier skips provider discovery; used by tests.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) GoogleOption {
	return func(c *GoogleClient) { c.verifier = v }
}

func WithHTTPClient(hc *http.Client) GoogleOption {
	return func(c *GoogleClient) { c.httpClient = hc }
}

func NewGoogleClient(cfg config.GoogleConfig, opts ...GoogleOption) *GoogleClient {
	c := &GoogleClient{
		clientID:    cfg.ClientID,
		userInfoURL: cfg.UserInfoURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	if c.userInfoURL == "" {
		c.userInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserInfo exchanges an OAuth access token for the caller's profile.
func (c *GoogleClient) UserInfo(ctx context.Context, accessToken string) (*GoogleProfile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, string(body))
	}

	var profile GoogleProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return &profile, nil
}

// VerifyIDToken checks an ID token's signature, issuer, audience and expiry.
func (c *GoogleClient) VerifyIDToken(ctx context.Context, idToken string) (*GoogleProfile, error) {
	verifier, err := c.idTokenVerifier(ctx)
	if err != nil {
		return nil, err
	}

	token, err := verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}

	var profile GoogleProfile
	if err := token.Claims(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode id token claims: %w", err)
	}
	return &profile, nil
}

func (c *GoogleClient) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verifier != nil {
		return c.verifier, nil
	}
	if c.clientID == "" {
		return nil, errors.New("GOOGLE_CLIENT_ID is not configured")
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover google provider: %w", err)
	}
	c.verifier = provider.Verifier(&oidc.Config{ClientID: c.clientID})
	return c.verifier, nil
}
