// Package auth implements the SMART on FHIR authorization layer: the
// OAuth2 authorization-code and EHR-launch flows against an external
// identity provider, CSRF state handling, ephemeral launch-context storage,
// and the role/patient-context access decision engine.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/authz/internal/platform/idp"
)

// FlowState tracks an authorization attempt through the code flow. The
// states are linear; any failure moves the attempt to a terminal error.
type FlowState string

const (
	FlowInitiated        FlowState = "initiated"
	FlowCallbackReceived FlowState = "callback_received"
	FlowStateValidated   FlowState = "state_validated"
	FlowTokensExchanged  FlowState = "tokens_exchanged"
	FlowEstablished      FlowState = "established"

	FlowLaunchReceived     FlowState = "launch_received"
	FlowLaunchValidated    FlowState = "launch_validated"
	FlowLaunchTokenDecoded FlowState = "launch_token_decoded"
	FlowContextStored      FlowState = "context_stored"
)

// ClientDirectory is the slice of the identity provider's admin API the
// orchestrator needs: live OAuth client lookup.
type ClientDirectory interface {
	FindClientByID(ctx context.Context, clientID string) (*idp.OAuthClientDescriptor, error)
}

// AuthorizeParams are the inbound authorization-request parameters.
type AuthorizeParams struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
	Aud          string
	Launch       string
}

// TokenParams are the inbound token-exchange parameters.
type TokenParams struct {
	GrantType    string
	ClientID     string
	Code         string
	RedirectURI  string
	RefreshToken string
}

// TokenResult is the OAuth2 token response with the SMART patient context
// extracted from the granted scope.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
}

// LaunchParams are the inbound EHR-launch validation parameters.
type LaunchParams struct {
	Iss         string
	Launch      string
	ClientID    string
	RedirectURI string
	Scope       string
}

// OrchestratorConfig carries the identity-provider endpoints and flow
// defaults.
type OrchestratorConfig struct {
	// IssuerURL is the realm-scoped IdP base, e.g.
	// https://idp.example.com/realms/ehr.
	IssuerURL string
	// ClientSecret is used for confidential clients when the directory does
	// not report one.
	ClientSecret string
	// FHIRServerURL validates the launch iss parameter; empty skips the
	// check entirely.
	FHIRServerURL string
	// APIPrefix defaults to /api.
	APIPrefix string
}

// Orchestrator drives the authorization-code and EHR-launch flows.
type Orchestrator struct {
	cfg        OrchestratorConfig
	directory  ClientDirectory
	store      LaunchContextStorer
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator. A nil httpClient gets a 10s
// timeout default; the clock is injectable for tests via SetClock.
func NewOrchestrator(cfg OrchestratorConfig, directory ClientDirectory, store LaunchContextStorer, httpClient *http.Client, logger zerolog.Logger) *Orchestrator {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Orchestrator{
		cfg:        cfg,
		directory:  directory,
		store:      store,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock injects a clock for deterministic tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// scopePattern accepts SMART scope strings: alphanumerics, the
// context/resource and resource.operation separators, wildcards, and
// whitespace between scopes.
var scopePattern = regexp.MustCompile(`^[A-Za-z0-9:/.*_\-\s]+$`)

// patientScopePattern extracts the patient id from a granted scope of the
// form patient/<id>.<access>.
var patientScopePattern = regexp.MustCompile(`(?:^|\s)patient/([^.\s]+)\.\S+`)

// validateScope collects issues for a blank or malformed scope parameter.
func validateScope(verr *ValidationError, scope string) {
	if strings.TrimSpace(scope) == "" {
		verr.add("scope", "scope must not be empty")
		return
	}
	if !scopePattern.MatchString(scope) {
		verr.add("scope", "scope contains invalid characters")
	}
}

// BuildAuthorizationURL validates an authorization request and produces the
// redirect URL to the identity provider's authorization endpoint.
//
// The caller's redirect_uri is replaced by our own callback; the caller's
// state and real destination travel inside the encoded state parameter so
// the callback can restore them.
func (o *Orchestrator) BuildAuthorizationURL(ctx context.Context, params AuthorizeParams, stateToken, callbackURL string) (string, error) {
	if params.ResponseType != "code" {
		verr := &ValidationError{}
		return "", verr.add("response_type", `response_type must be "code"`)
	}

	client, err := o.directory.FindClientByID(ctx, params.ClientID)
	if err != nil {
		return "", NewError(KindUnavailable, "client lookup failed: %v", err)
	}
	if client == nil {
		return "", NewError(KindUnauthorized, "unknown client %q", params.ClientID)
	}

	verr := &ValidationError{}
	if !client.StandardFlowEnabled {
		verr.add("client_id", "authorization code flow is disabled for this client")
	}
	if !idp.MatchRedirectURI(client.RedirectURIs, params.RedirectURI) {
		verr.add("redirect_uri", "redirect_uri is not registered for this client")
	}
	validateScope(verr, params.Scope)

	// An EHR-launch authorization consumes the context stored by the launch
	// endpoint; the token is single use.
	var launchCtx *LaunchContext
	if params.Launch != "" {
		lc, err := o.ConsumeLaunchContext(ctx, params.Launch)
		if err != nil {
			return "", err
		}
		if lc == nil {
			verr.add("launch", "unknown or expired launch token")
		}
		launchCtx = lc
	}

	if err := verr.orNil(); err != nil {
		return "", err
	}

	state := params.State
	if state == "" {
		state = stateToken
	}
	encoded, err := EncodedState{State: state, ClientRedirectURI: params.RedirectURI}.Encode()
	if err != nil {
		return "", NewError(KindUnavailable, "encoding state: %v", err)
	}

	q := url.Values{}
	q.Set("client_id", params.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", callbackURL)
	q.Set("scope", params.Scope)
	q.Set("state", encoded)
	if params.Aud != "" {
		q.Set("aud", params.Aud)
	}
	if launchCtx != nil {
		// The identity provider resolves the launch itself; our copy of the
		// context is spent and logged so the grant can be traced to it.
		q.Set("launch", params.Launch)
		o.logger.Info().
			Str("client_id", params.ClientID).
			Str("patient", launchCtx.Patient).
			Str("encounter", launchCtx.Encounter).
			Str("flow_state", string(FlowLaunchValidated)).
			Msg("launch context consumed")
	}

	return o.cfg.IssuerURL + "/protocol/openid-connect/auth?" + q.Encode(), nil
}

// CallbackURL derives our token-callback endpoint from the inbound request,
// defaulting protocol to http, host to localhost:3000, and prefix to /api
// when unavailable.
func (o *Orchestrator) CallbackURL(r *http.Request) string {
	proto := "http"
	host := "localhost:3000"

	if r != nil {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			proto = fwd
		} else if r.TLS != nil {
			proto = "https"
		}
		if r.Host != "" {
			host = r.Host
		}
	}

	return fmt.Sprintf("%s://%s%s/fhir/token", proto, host, o.cfg.APIPrefix)
}

// ExchangeToken validates the token request and performs the grant against
// the identity provider's token endpoint. Authorization-code exchange is
// single-use and never retried.
func (o *Orchestrator) ExchangeToken(ctx context.Context, params TokenParams, callbackURL string) (*TokenResult, error) {
	client, err := o.validateTokenParams(ctx, params)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", params.GrantType)
	form.Set("client_id", params.ClientID)

	secret := o.cfg.ClientSecret
	if client != nil && client.Secret != "" {
		secret = client.Secret
	}
	if secret != "" {
		form.Set("client_secret", secret)
	}

	switch params.GrantType {
	case "authorization_code":
		form.Set("code", params.Code)
		form.Set("redirect_uri", callbackURL)
	case "refresh_token":
		form.Set("refresh_token", params.RefreshToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.IssuerURL+"/protocol/openid-connect/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &OAuthError{Code: OAuthServerError, Description: "building token request failed"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Error().Err(err).Msg("token endpoint unreachable")
		return nil, &OAuthError{Code: OAuthServerError, Description: "identity provider unreachable"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &OAuthError{Code: OAuthServerError, Description: "reading token response failed"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oauthErr OAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
			return nil, &oauthErr
		}
		return nil, &OAuthError{Code: OAuthInvalidGrant, Description: fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)}
	}

	var result TokenResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &OAuthError{Code: OAuthServerError, Description: "malformed token response"}
	}
	if result.AccessToken == "" {
		return nil, &OAuthError{Code: OAuthInvalidGrant, Description: "token response missing access_token"}
	}

	if result.TokenType == "" {
		result.TokenType = "Bearer"
	}
	if result.ExpiresIn == 0 {
		result.ExpiresIn = 3600
	}
	if result.Patient == "" {
		result.Patient = PatientFromScope(result.Scope)
	}

	return &result, nil
}

// validateTokenParams checks the grant parameters and, for the
// authorization-code grant, re-validates the client redirect URI. The
// returned descriptor carries the client secret for confidential clients.
func (o *Orchestrator) validateTokenParams(ctx context.Context, params TokenParams) (*idp.OAuthClientDescriptor, error) {
	switch params.GrantType {
	case "authorization_code", "refresh_token":
	default:
		return nil, &OAuthError{Code: OAuthUnsupportedGrantType, Description: `grant_type must be "authorization_code" or "refresh_token"`}
	}

	client, err := o.directory.FindClientByID(ctx, params.ClientID)
	if err != nil {
		return nil, &OAuthError{Code: OAuthServerError, Description: "client lookup failed"}
	}
	if client == nil {
		return nil, &OAuthError{Code: OAuthInvalidClient, Description: "unknown client"}
	}

	switch params.GrantType {
	case "authorization_code":
		if params.Code == "" {
			return nil, &OAuthError{Code: OAuthInvalidRequest, Description: "code is required"}
		}
		if params.RedirectURI == "" {
			return nil, &OAuthError{Code: OAuthInvalidRequest, Description: "redirect_uri is required"}
		}
		if !idp.MatchRedirectURI(client.RedirectURIs, params.RedirectURI) {
			return nil, &OAuthError{Code: OAuthInvalidRequest, Description: "redirect_uri is not registered for this client"}
		}
	case "refresh_token":
		if params.RefreshToken == "" {
			return nil, &OAuthError{Code: OAuthInvalidRequest, Description: "refresh_token is required"}
		}
	}

	return client, nil
}

// PatientFromScope extracts the patient id from a granted scope string of
// the form "patient/<id>.<access>", or returns "".
func PatientFromScope(scope string) string {
	m := patientScopePattern.FindStringSubmatch(scope)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ValidateLaunch checks an EHR launch request: the iss must match the
// configured FHIR server URL (skipped when unconfigured), and the client,
// redirect URI and scope are validated exactly like an authorization
// request.
func (o *Orchestrator) ValidateLaunch(ctx context.Context, params LaunchParams) error {
	verr := &ValidationError{}

	if o.cfg.FHIRServerURL != "" && strings.TrimRight(params.Iss, "/") != strings.TrimRight(o.cfg.FHIRServerURL, "/") {
		verr.add("iss", "iss does not match the configured FHIR server")
	}
	if strings.TrimSpace(params.Launch) == "" {
		verr.add("launch", "launch token is required")
	}

	client, err := o.directory.FindClientByID(ctx, params.ClientID)
	if err != nil {
		return NewError(KindUnavailable, "client lookup failed: %v", err)
	}
	if client == nil {
		return NewError(KindUnauthorized, "unknown client %q", params.ClientID)
	}
	if !idp.MatchRedirectURI(client.RedirectURIs, params.RedirectURI) {
		verr.add("redirect_uri", "redirect_uri is not registered for this client")
	}
	validateScope(verr, params.Scope)

	return verr.orNil()
}

// ValidateAndDecodeLaunchToken decodes a launch token into its context,
// stamping a fresh CreatedAt.
//
// The token is treated as an opaque, already-trusted base64url/JSON blob:
// there is no signature verification, so launch context is only as
// trustworthy as the channel that delivered the token. Requiring IdP-signed
// launch tokens is the intended hardening.
func (o *Orchestrator) ValidateAndDecodeLaunchToken(launch string) (*LaunchContext, error) {
	data, err := base64.RawURLEncoding.DecodeString(launch)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(launch)
		if err != nil {
			return nil, NewError(KindValidation, "launch token is not valid base64url")
		}
	}

	var lc LaunchContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, NewError(KindValidation, "launch token is not valid JSON")
	}

	lc.CreatedAt = o.now()
	return &lc, nil
}

// StoreLaunchContext saves a validated launch context under its token.
func (o *Orchestrator) StoreLaunchContext(ctx context.Context, token string, lc *LaunchContext) error {
	if err := o.store.Store(ctx, token, lc); err != nil {
		return NewError(KindUnavailable, "storing launch context: %v", err)
	}
	return nil
}

// ConsumeLaunchContext reads a launch context and removes it (single use).
// Returns nil when the token is unknown or expired.
func (o *Orchestrator) ConsumeLaunchContext(ctx context.Context, token string) (*LaunchContext, error) {
	lc, err := o.store.Get(ctx, token)
	if err != nil {
		return nil, NewError(KindUnavailable, "reading launch context: %v", err)
	}
	if lc == nil {
		return nil, nil
	}
	if err := o.store.Remove(ctx, token); err != nil {
		return nil, NewError(KindUnavailable, "consuming launch context: %v", err)
	}
	return lc, nil
}
