// Package github mints GitHub App installation tokens for cloning and
// pushing to user repositories.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Bardemic/codee-sub000/internal/model"
)

// ErrNotInstalled is returned when a user has not connected the GitHub App.
var ErrNotInstalled = errors.New("github: app not installed for user")

// tokenRefreshMargin is how long before expiry a cached token is replaced.
const tokenRefreshMargin = time.Minute

// Connections looks up a user's stored integration. credentials.Store
// satisfies it.
type Connections interface {
	Get(ctx context.Context, userID uuid.UUID, provider string) (model.IntegrationConnection, error)
}

// App authenticates as a GitHub App and exchanges its JWT for installation
// access tokens.
type App struct {
	appID      int64
	key        *rsa.PrivateKey
	apiURL     string
	httpClient *http.Client
	conns      Connections

	mu     sync.Mutex
	tokens map[int64]installationToken
	group  singleflight.Group
}

type installationToken struct {
	token     string
	expiresAt time.Time
}

// NewApp creates an App from a parsed RSA key.
func NewApp(appID int64, key *rsa.PrivateKey, apiURL string, conns Connections) *App {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &App{
		appID:  appID,
		key:    key,
		apiURL: strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		conns:  conns,
		tokens: make(map[int64]installationToken),
	}
}

// LoadPrivateKey reads a PEM-encoded RSA key as downloaded from the GitHub
// App settings page (PKCS#1) or converted to PKCS#8.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("github: read private key: %w", err)
	}
	return ParsePrivateKey(raw)
}

// ParsePrivateKey decodes a PEM-encoded RSA private key.
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("github: decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("github: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("github: private key is not RSA")
	}
	return key, nil
}

// appJWT signs the short-lived JWT GitHub requires for app-level calls.
// iat is backdated to tolerate clock drift.
func (a *App) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(a.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("github: sign app jwt: %w", err)
	}
	return signed, nil
}

type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstallationToken returns a token for installationID, reusing a cached one
// until a minute before it expires. Concurrent misses share one request.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && time.Now().Add(tokenRefreshMargin).Before(cached.expiresAt) {
		return cached.token, nil
	}

	v, err, _ := a.group.Do(strconv.FormatInt(installationID, 10), func() (any, error) {
		tok, err := a.requestToken(ctx, installationID)
		if err != nil {
			return "", err
		}
		a.mu.Lock()
		a.tokens[installationID] = tok
		a.mu.Unlock()
		return tok.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *App) requestToken(ctx context.Context, installationID int64) (installationToken, error) {
	signed, err := a.appJWT(time.Now())
	if err != nil {
		return installationToken{}, err
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return installationToken{}, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return installationToken{}, fmt.Errorf("github: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return installationToken{}, fmt.Errorf("github: installation %d: status %d: %s", installationID, resp.StatusCode, string(body))
	}

	var out accessTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return installationToken{}, fmt.Errorf("github: decode response: %w", err)
	}
	if out.Token == "" {
		return installationToken{}, fmt.Errorf("github: empty installation token")
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	return installationToken{token: out.Token, expiresAt: out.ExpiresAt}, nil
}

// TokenForUser resolves the user's installation and returns a token for it.
func (a *App) TokenForUser(ctx context.Context, userID uuid.UUID) (string, error) {
	conn, err := a.conns.Get(ctx, userID, model.IntegrationGitHubApp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	installationID, err := strconv.ParseInt(conn.ExternalID, 10, 64)
	if err != nil || installationID <= 0 {
		return "", fmt.Errorf("%w: invalid installation id %q", ErrNotInstalled, conn.ExternalID)
	}
	return a.InstallationToken(ctx, installationID)
}

// CloneURL embeds token in an HTTPS remote for repo ("owner/name").
func CloneURL(token, repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repo)
}
