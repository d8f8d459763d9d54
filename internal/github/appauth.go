package github

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// appJWTLifetime is the validity window of the signed app JWT. GitHub caps
// it at 10 minutes; a minute of slack absorbs clock skew.
const appJWTLifetime = 9 * time.Minute

// AppAuth identifies a GitHub App installation and its signing key.
type AppAuth struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte
}

// NewAppTokenSource returns a token source that exchanges a short-lived app
// JWT for installation tokens, refreshing them before expiry.
func NewAppTokenSource(ctx context.Context, auth AppAuth, baseURL string) (oauth2.TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	source := &installationTokenSource{auth: auth, key: key, baseURL: baseURL, ctx: ctx}
	return oauth2.ReuseTokenSource(nil, source), nil
}

type installationTokenSource struct {
	auth    AppAuth
	key     any
	baseURL string
	ctx     context.Context

	mu sync.Mutex
}

// Token mints an installation token. oauth2.ReuseTokenSource caches the
// result until shortly before its expiry.
func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprint(s.auth.AppID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}

	client := gh.NewClient(nil).WithAuthToken(signed)
	if s.baseURL != "" {
		client, err = client.WithEnterpriseURLs(s.baseURL, s.baseURL)
		if err != nil {
			return nil, fmt.Errorf("overriding api base url: %w", err)
		}
	}

	token, _, err := client.Apps.CreateInstallationToken(s.ctx, s.auth.InstallationID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating installation token for app %d: %w", s.auth.AppID, err)
	}
	return &oauth2.Token{
		AccessToken: token.GetToken(),
		Expiry:      token.GetExpiresAt().Time,
	}, nil
}
