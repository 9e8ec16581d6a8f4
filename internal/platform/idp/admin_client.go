// Package idp implements the outbound client for the external identity
// provider: the cached service-account (client-credentials) token, the
// admin directory operations over users, roles and OAuth clients, and the
// TOTP credential lifecycle.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tokenExpiryMargin is subtracted from the reported token lifetime so the
// cached token is refreshed shortly before the provider rejects it.
const tokenExpiryMargin = 5 * time.Second

// defaultTokenLifetime is assumed when the provider omits expires_in.
const defaultTokenLifetime = 60 * time.Second

// AdminClient talks to the identity provider's admin REST API using a cached
// client-credentials token.
//
// The cache is read-check-then-grant: concurrent callers that observe an
// expired token may each perform a redundant grant. The grant endpoint is
// idempotent, so this is wasteful but safe; only the cached value itself is
// guarded by the mutex.
type AdminClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       zerolog.Logger

	// now is injected so tests can control the refresh boundary.
	now func() time.Time

	mu    sync.RWMutex
	token *adminToken
}

// Options configures an AdminClient.
type Options struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// NewAdminClient creates an admin API client for the given realm.
func NewAdminClient(opts Options) *AdminClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AdminClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		realm:        opts.Realm,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   httpClient,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// tokenURL is the realm's OpenID Connect token endpoint.
func (c *AdminClient) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
}

// adminURL builds an admin REST URL under the realm, e.g.
// adminURL("users/%s/credentials", id).
func (c *AdminClient) adminURL(format string, args ...any) string {
	return fmt.Sprintf("%s/admin/realms/%s/", c.baseURL, c.realm) + fmt.Sprintf(format, args...)
}

// Authenticate returns a valid admin access token, performing a
// client-credentials grant when the cached token is absent or expired.
//
// It fails closed: on any error the cache is left untouched and the error is
// surfaced to the caller, because nothing in the admin API can proceed
// without a valid token.
func (c *AdminClient) Authenticate(ctx context.Context) (string, error) {
	c.mu.RLock()
	cached := c.token
	c.mu.RUnlock()

	if cached != nil && c.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building admin token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("admin authentication failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding admin token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("admin token response missing access_token")
	}

	lifetime := defaultTokenLifetime
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}

	fresh := &adminToken{
		value:     tok.AccessToken,
		expiresAt: c.now().Add(lifetime - tokenExpiryMargin),
	}

	c.mu.Lock()
	c.token = fresh
	c.mu.Unlock()

	return fresh.value, nil
}

// doJSON performs a bearer-authenticated admin API call. When out is non-nil
// the response body is JSON-decoded into it. A non-2xx status is returned as
// an *apiError so callers can distinguish not-found from outage.
func (c *AdminClient) doJSON(ctx context.Context, method, rawURL string, body any, out any) error {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("building admin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apiError{status: 0, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &apiError{status: resp.StatusCode, err: fmt.Errorf("%s %s: status %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &apiError{status: resp.StatusCode, err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

// apiError is a directory-operation failure (as opposed to an authentication
// failure). status 0 means the request never reached the provider.
type apiError struct {
	status int
	err    error
}

func (e *apiError) Error() string { return e.err.Error() }

// notFound reports whether the error is a directory 404.
func (e *apiError) notFound() bool { return e.status == http.StatusNotFound }

// degrade logs a directory-operation failure and decides whether to swallow
// it. Authentication failures are never swallowed: they propagate so callers
// fail fast on a misconfigured or unavailable provider.
func (c *AdminClient) degrade(op string, err error) error {
	if apiErr, ok := err.(*apiError); ok {
		c.logger.Warn().Err(apiErr.err).Str("op", op).Msg("directory operation degraded to negative result")
		return nil
	}
	return err
}
