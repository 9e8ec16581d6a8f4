package idp

import "time"

// UserRepresentation is the directory's view of a user. Only the fields the
// authorization layer reads are mapped; everything else in the admin API
// payload is ignored.
type UserRepresentation struct {
	ID         string              `json:"id"`
	Username   string              `json:"username"`
	Email      string              `json:"email,omitempty"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// RoleRepresentation mirrors the admin API's realm-role objects. Both fields
// are optional in the wire format, so reads must tolerate nil.
type RoleRepresentation struct {
	ID   *string `json:"id,omitempty"`
	Name *string `json:"name,omitempty"`
}

// OAuthClientDescriptor describes a registered OAuth client as reported by
// the identity provider. It is fetched live on each validation so that
// administrative changes take effect immediately.
type OAuthClientDescriptor struct {
	ID                  string   `json:"id"`
	ClientID            string   `json:"clientId"`
	Secret              string   `json:"secret,omitempty"`
	RedirectURIs        []string `json:"redirectUris"`
	StandardFlowEnabled bool     `json:"standardFlowEnabled"`
}

// CredentialRepresentation is a stored credential on a directory user. The
// authorization layer only cares about credentials of type "otp".
type CredentialRepresentation struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// tokenResponse is the client-credentials grant response. expires_in is
// optional in the wire format.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type,omitempty"`
}

// adminToken is the cached service-account token. It is owned exclusively by
// the AdminClient and replaced wholesale on each re-authentication.
type adminToken struct {
	value     string
	expiresAt time.Time
}

// totpGenerateResponse is returned by the TOTP secret-generation endpoint.
type totpGenerateResponse struct {
	Secret string `json:"secret"`
}

// totpVerifyRequest is the body for the TOTP verification endpoint. Enable
// commits the credential as active on success.
type totpVerifyRequest struct {
	Code   string `json:"code"`
	Enable bool   `json:"enable,omitempty"`
}
