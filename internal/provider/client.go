package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Bardemic/codee-sub000/internal/credentials"
)

const (
	defaultClientTTL  = 30 * time.Minute
	defaultMaxClients = 1000
	maxResponseBytes  = 4 << 20
)

// vendorClient is an authenticated HTTP client bound to one user's
// credential for one vendor.
type vendorClient struct {
	baseURL    string
	authorize  func(*http.Request)
	httpClient *http.Client
}

// ClientCache holds vendor clients keyed by (provider, user). Entries are
// dropped when the user's credential is rotated or deleted.
type ClientCache struct {
	cache *credentials.Cache[credentials.Key, *vendorClient]
}

// NewClientCache creates a bounded cache. Zero values select defaults.
func NewClientCache(ttl time.Duration, maxEntries int) *ClientCache {
	if ttl <= 0 {
		ttl = defaultClientTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxClients
	}
	return &ClientCache{cache: credentials.NewCache[credentials.Key, *vendorClient](ttl, maxEntries)}
}

// Invalidate drops the client for key. Register it with
// credentials.Store.OnInvalidate.
func (c *ClientCache) Invalidate(key credentials.Key) {
	c.cache.Invalidate(key)
}

// Len reports the number of cached clients.
func (c *ClientCache) Len() int { return c.cache.Len() }

// Close stops background eviction.
func (c *ClientCache) Close() { c.cache.Close() }

// client returns the cached client for (provider, user), building one from
// the user's API key on a miss.
func (c *ClientCache) client(
	ctx context.Context,
	creds Credentials,
	userID uuid.UUID,
	provider, baseURL string,
	authorize func(apiKey string) func(*http.Request),
) (*vendorClient, error) {
	key := credentials.Key{UserID: userID, Provider: provider}
	if vc, ok := c.cache.Get(key); ok {
		return vc, nil
	}
	apiKey, err := creds.APIKey(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingCredential, provider, err)
		}
		return nil, fmt.Errorf("provider: %s credential: %w", provider, err)
	}
	vc := &vendorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authorize:  authorize(apiKey),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	c.cache.Set(key, vc)
	return vc, nil
}

// statusError is a non-2xx vendor response.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// do sends an optional JSON body and returns the decoded JSON response, or
// an error for transport failures and non-2xx statuses.
func (vc *vendorClient) do(ctx context.Context, method, path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, vc.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	vc.authorize(req)

	resp, err := vc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &statusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return doc, nil
}

// mustCompile compiles an embedded response schema.
func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("provider: add schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// decodeValid validates doc against schema and then decodes it into out.
func decodeValid(schema *jsonschema.Schema, doc any, out any) error {
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response schema: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
