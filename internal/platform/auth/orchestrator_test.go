package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/authz/internal/platform/idp"
)

// fakeDirectory is a static ClientDirectory.
type fakeDirectory map[string]*idp.OAuthClientDescriptor

func (d fakeDirectory) FindClientByID(_ context.Context, clientID string) (*idp.OAuthClientDescriptor, error) {
	return d[clientID], nil
}

func confidentialApp() fakeDirectory {
	return fakeDirectory{
		"app-123": {
			ID:                  "internal-1",
			ClientID:            "app-123",
			Secret:              "app-secret",
			RedirectURIs:        []string{"https://app.example.com/callback"},
			StandardFlowEnabled: true,
		},
	}
}

func newTestOrchestrator(cfg OrchestratorConfig, dir ClientDirectory, client *http.Client) *Orchestrator {
	return NewOrchestrator(cfg, dir, NewLaunchContextStore(LaunchContextTTL, nil), client, zerolog.Nop())
}

func TestBuildAuthorizationURL(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{
		IssuerURL: "https://idp.example.com/realms/ehr",
	}, confidentialApp(), nil)

	got, err := o.BuildAuthorizationURL(context.Background(), AuthorizeParams{
		ResponseType: "code",
		ClientID:     "app-123",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/123.read",
		State:        "xyz",
		Aud:          "https://fhir.example.com",
	}, "generated-token", "http://localhost:3000/api/fhir/token")
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !strings.HasPrefix(got, "https://idp.example.com/realms/ehr/protocol/openid-connect/auth?") {
		t.Fatalf("url = %q", got)
	}

	q := u.Query()
	if q.Get("client_id") != "app-123" || q.Get("response_type") != "code" {
		t.Fatalf("query = %v", q)
	}
	if q.Get("redirect_uri") != "http://localhost:3000/api/fhir/token" {
		t.Fatalf("redirect_uri = %q, want our callback", q.Get("redirect_uri"))
	}
	if q.Get("scope") != "patient/123.read" {
		t.Fatalf("scope = %q", q.Get("scope"))
	}
	if q.Get("aud") != "https://fhir.example.com" {
		t.Fatalf("aud = %q", q.Get("aud"))
	}

	// The caller's state and real destination ride inside the state param.
	decoded := DecodeState(q.Get("state"))
	if decoded == nil {
		t.Fatal("state param is not decodable")
	}
	if decoded.State != "xyz" {
		t.Fatalf("inner state = %q, want caller's xyz", decoded.State)
	}
	if decoded.ClientRedirectURI != "https://app.example.com/callback" {
		t.Fatalf("inner redirect = %q", decoded.ClientRedirectURI)
	}
}

func TestBuildAuthorizationURLConsumesLaunchContext(t *testing.T) {
	store := NewLaunchContextStore(LaunchContextTTL, nil)
	o := NewOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, confidentialApp(), store, nil, zerolog.Nop())
	ctx := context.Background()

	if err := store.Store(ctx, "launch-tok", &LaunchContext{Patient: "Patient/123", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	params := AuthorizeParams{
		ResponseType: "code",
		ClientID:     "app-123",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "launch patient/123.read",
		Launch:       "launch-tok",
	}

	got, err := o.BuildAuthorizationURL(ctx, params, "s", "http://localhost:3000/api/fhir/token")
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}

	u, _ := url.Parse(got)
	if u.Query().Get("launch") != "launch-tok" {
		t.Fatalf("launch param = %q", u.Query().Get("launch"))
	}
	if store.Len() != 0 {
		t.Fatalf("store len = %d, want consumed", store.Len())
	}

	// The token is single use: a replay is rejected.
	_, err = o.BuildAuthorizationURL(ctx, params, "s", "http://localhost:3000/api/fhir/token")
	verr, ok := err.(*ValidationError)
	if !ok || len(verr.Issues) != 1 || verr.Issues[0].Location != "launch" {
		t.Fatalf("replay err = %v, want launch issue", err)
	}
}

func TestBuildAuthorizationURLUnknownLaunch(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, confidentialApp(), nil)

	_, err := o.BuildAuthorizationURL(context.Background(), AuthorizeParams{
		ResponseType: "code",
		ClientID:     "app-123",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "launch openid",
		Launch:       "never-stored",
	}, "s", "http://localhost:3000/api/fhir/token")

	verr, ok := err.(*ValidationError)
	if !ok || len(verr.Issues) != 1 || verr.Issues[0].Location != "launch" {
		t.Fatalf("err = %v, want launch issue", err)
	}
}

func TestBuildAuthorizationURLGeneratedState(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, confidentialApp(), nil)

	got, err := o.BuildAuthorizationURL(context.Background(), AuthorizeParams{
		ResponseType: "code",
		ClientID:     "app-123",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "openid fhirUser launch/patient",
	}, "generated-token", "http://localhost:3000/api/fhir/token")
	if err != nil {
		t.Fatalf("BuildAuthorizationURL: %v", err)
	}

	u, _ := url.Parse(got)
	decoded := DecodeState(u.Query().Get("state"))
	if decoded == nil || decoded.State != "generated-token" {
		t.Fatalf("decoded = %+v, want generated token as state", decoded)
	}
}

func TestBuildAuthorizationURLRejections(t *testing.T) {
	dir := fakeDirectory{
		"app-123": {
			ID:                  "internal-1",
			ClientID:            "app-123",
			RedirectURIs:        []string{"https://app.example.com/callback"},
			StandardFlowEnabled: true,
		},
		"implicit-only": {
			ID:                  "internal-2",
			ClientID:            "implicit-only",
			RedirectURIs:        []string{"https://other.example.com/cb"},
			StandardFlowEnabled: false,
		},
	}
	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, dir, nil)
	ctx := context.Background()
	callback := "http://localhost:3000/api/fhir/token"

	t.Run("response_type", func(t *testing.T) {
		_, err := o.BuildAuthorizationURL(ctx, AuthorizeParams{
			ResponseType: "token", ClientID: "app-123",
			RedirectURI: "https://app.example.com/callback", Scope: "openid",
		}, "s", callback)
		verr, ok := err.(*ValidationError)
		if !ok || len(verr.Issues) != 1 || verr.Issues[0].Location != "response_type" {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("unknown client", func(t *testing.T) {
		_, err := o.BuildAuthorizationURL(ctx, AuthorizeParams{
			ResponseType: "code", ClientID: "ghost",
			RedirectURI: "https://app.example.com/callback", Scope: "openid",
		}, "s", callback)
		if KindOf(err) != KindUnauthorized {
			t.Fatalf("err = %v, want unauthorized", err)
		}
	})

	t.Run("issues aggregate", func(t *testing.T) {
		_, err := o.BuildAuthorizationURL(ctx, AuthorizeParams{
			ResponseType: "code", ClientID: "implicit-only",
			RedirectURI: "https://app.example.com/callback", Scope: "   ",
		}, "s", callback)
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Fatalf("err = %v, want ValidationError", err)
		}
		// Disabled flow, unregistered redirect, and blank scope all reported.
		if len(verr.Issues) != 3 {
			t.Fatalf("issues = %+v, want 3", verr.Issues)
		}
	})

	t.Run("scope characters", func(t *testing.T) {
		_, err := o.BuildAuthorizationURL(ctx, AuthorizeParams{
			ResponseType: "code", ClientID: "app-123",
			RedirectURI: "https://app.example.com/callback", Scope: "openid <script>",
		}, "s", callback)
		verr, ok := err.(*ValidationError)
		if !ok || len(verr.Issues) != 1 || verr.Issues[0].Location != "scope" {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestCallbackURL(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{}, nil, nil)

	if got := o.CallbackURL(nil); got != "http://localhost:3000/api/fhir/token" {
		t.Fatalf("nil request callback = %q", got)
	}

	r := httptest.NewRequest(http.MethodGet, "http://auth.example.com/api/fhir/authorize", nil)
	if got := o.CallbackURL(r); got != "http://auth.example.com/api/fhir/token" {
		t.Fatalf("callback = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https")
	if got := o.CallbackURL(r); got != "https://auth.example.com/api/fhir/token" {
		t.Fatalf("forwarded callback = %q", got)
	}
}

func TestExchangeTokenDefaults(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/ehr/protocol/openid-connect/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		r.ParseForm()
		form = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"scope":        "patient/123.read openid",
		})
	}))
	defer srv.Close()

	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: srv.URL + "/realms/ehr"}, confidentialApp(), srv.Client())

	result, err := o.ExchangeToken(context.Background(), TokenParams{
		GrantType:   "authorization_code",
		ClientID:    "app-123",
		Code:        "the-code",
		RedirectURI: "https://app.example.com/callback",
	}, "http://localhost:3000/api/fhir/token")
	if err != nil {
		t.Fatalf("ExchangeToken: %v", err)
	}

	if result.TokenType != "Bearer" {
		t.Fatalf("token_type = %q, want default Bearer", result.TokenType)
	}
	if result.ExpiresIn != 3600 {
		t.Fatalf("expires_in = %d, want default 3600", result.ExpiresIn)
	}
	if result.Patient != "123" {
		t.Fatalf("patient = %q, want extracted 123", result.Patient)
	}

	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "the-code" {
		t.Fatalf("form = %v", form)
	}
	if form.Get("client_secret") != "app-secret" {
		t.Fatalf("client_secret = %q, want directory secret", form.Get("client_secret"))
	}
	if form.Get("redirect_uri") != "http://localhost:3000/api/fhir/token" {
		t.Fatalf("redirect_uri = %q, want our callback", form.Get("redirect_uri"))
	}
}

func TestExchangeTokenProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(OAuthError{Code: "invalid_grant", Description: "code expired"})
	}))
	defer srv.Close()

	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: srv.URL + "/realms/ehr"}, confidentialApp(), srv.Client())

	_, err := o.ExchangeToken(context.Background(), TokenParams{
		GrantType:   "authorization_code",
		ClientID:    "app-123",
		Code:        "stale",
		RedirectURI: "https://app.example.com/callback",
	}, "http://localhost:3000/api/fhir/token")

	oauthErr, ok := err.(*OAuthError)
	if !ok {
		t.Fatalf("err = %v, want OAuthError", err)
	}
	if oauthErr.Code != OAuthInvalidGrant || oauthErr.Description != "code expired" {
		t.Fatalf("oauth err = %+v", oauthErr)
	}
}

func TestExchangeTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token_type": "Bearer"})
	}))
	defer srv.Close()

	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: srv.URL + "/realms/ehr"}, confidentialApp(), srv.Client())

	_, err := o.ExchangeToken(context.Background(), TokenParams{
		GrantType:   "authorization_code",
		ClientID:    "app-123",
		Code:        "c",
		RedirectURI: "https://app.example.com/callback",
	}, "cb")
	if oauthErr, ok := err.(*OAuthError); !ok || oauthErr.Code != OAuthInvalidGrant {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
}

func TestExchangeTokenValidation(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, confidentialApp(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		params   TokenParams
		wantCode string
	}{
		{"bad grant type", TokenParams{GrantType: "password", ClientID: "app-123"}, OAuthUnsupportedGrantType},
		{"unknown client", TokenParams{GrantType: "authorization_code", ClientID: "ghost", Code: "c", RedirectURI: "https://app.example.com/callback"}, OAuthInvalidClient},
		{"missing code", TokenParams{GrantType: "authorization_code", ClientID: "app-123", RedirectURI: "https://app.example.com/callback"}, OAuthInvalidRequest},
		{"missing redirect", TokenParams{GrantType: "authorization_code", ClientID: "app-123", Code: "c"}, OAuthInvalidRequest},
		{"unregistered redirect", TokenParams{GrantType: "authorization_code", ClientID: "app-123", Code: "c", RedirectURI: "https://evil/cb"}, OAuthInvalidRequest},
		{"missing refresh token", TokenParams{GrantType: "refresh_token", ClientID: "app-123"}, OAuthInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.ExchangeToken(ctx, tt.params, "cb")
			oauthErr, ok := err.(*OAuthError)
			if !ok {
				t.Fatalf("err = %v, want OAuthError", err)
			}
			if oauthErr.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", oauthErr.Code, tt.wantCode)
			}
		})
	}
}

func TestPatientFromScope(t *testing.T) {
	tests := []struct{ in, want string }{
		{"patient/123.read", "123"},
		{"openid patient/abc-7.write fhirUser", "abc-7"},
		{"user/Observation.read", ""},
		{"", ""},
		{"patient/.read", ""},
	}
	for _, tt := range tests {
		if got := PatientFromScope(tt.in); got != tt.want {
			t.Errorf("PatientFromScope(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateLaunch(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{
		IssuerURL:     "https://idp/realms/ehr",
		FHIRServerURL: "https://fhir.example.com",
	}, confidentialApp(), nil)
	ctx := context.Background()

	ok := LaunchParams{
		Iss:         "https://fhir.example.com/",
		Launch:      "tok",
		ClientID:    "app-123",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "launch openid",
	}
	if err := o.ValidateLaunch(ctx, ok); err != nil {
		t.Fatalf("ValidateLaunch: %v", err)
	}

	bad := ok
	bad.Iss = "https://other.example.com"
	err := o.ValidateLaunch(ctx, bad)
	verr, isVal := err.(*ValidationError)
	if !isVal || verr.Issues[0].Location != "iss" {
		t.Fatalf("err = %v, want iss issue", err)
	}

	// No configured FHIR server: iss is not checked.
	o2 := newTestOrchestrator(OrchestratorConfig{IssuerURL: "https://idp/realms/ehr"}, confidentialApp(), nil)
	if err := o2.ValidateLaunch(ctx, bad); err != nil {
		t.Fatalf("iss checked despite no configured server: %v", err)
	}
}

func TestValidateAndDecodeLaunchToken(t *testing.T) {
	o := newTestOrchestrator(OrchestratorConfig{}, nil, nil)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o.SetClock(func() time.Time { return t0 })

	payload, _ := json.Marshal(map[string]any{
		"patient":   "Patient/123",
		"encounter": "Encounter/9",
	})
	token := base64.RawURLEncoding.EncodeToString(payload)

	lc, err := o.ValidateAndDecodeLaunchToken(token)
	if err != nil {
		t.Fatalf("ValidateAndDecodeLaunchToken: %v", err)
	}
	if lc.Patient != "Patient/123" || lc.Encounter != "Encounter/9" {
		t.Fatalf("lc = %+v", lc)
	}
	if !lc.CreatedAt.Equal(t0) {
		t.Fatalf("CreatedAt = %v, want stamped %v", lc.CreatedAt, t0)
	}

	if _, err := o.ValidateAndDecodeLaunchToken("!!!"); KindOf(err) != KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	notJSON := base64.RawURLEncoding.EncodeToString([]byte("plain text"))
	if _, err := o.ValidateAndDecodeLaunchToken(notJSON); KindOf(err) != KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestConsumeLaunchContext(t *testing.T) {
	store := NewLaunchContextStore(LaunchContextTTL, nil)
	o := NewOrchestrator(OrchestratorConfig{}, nil, store, nil, zerolog.Nop())
	ctx := context.Background()

	lc := &LaunchContext{Patient: "Patient/123", CreatedAt: time.Now()}
	if err := o.StoreLaunchContext(ctx, "tok", lc); err != nil {
		t.Fatalf("StoreLaunchContext: %v", err)
	}

	got, err := o.ConsumeLaunchContext(ctx, "tok")
	if err != nil || got == nil || got.Patient != "Patient/123" {
		t.Fatalf("ConsumeLaunchContext = %+v, %v", got, err)
	}

	// Single use.
	got, err = o.ConsumeLaunchContext(ctx, "tok")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if got != nil {
		t.Fatalf("second consume = %+v, want nil", got)
	}
}
