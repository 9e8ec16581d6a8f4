package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// stateTokenBytes is the entropy of a CSRF state token.
const stateTokenBytes = 32

// GenerateStateToken creates a cryptographically random CSRF state token,
// base64url-encoded. The caller holds it (typically in a short-lived cookie)
// and it is compared byte-for-byte on callback; it is never stored
// server-side.
func GenerateStateToken() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodedState is the payload placed in the `state` parameter sent to the
// identity provider. The provider must redirect back to our callback rather
// than the original caller's redirect URI, so the caller's real state and
// final destination ride along inside ours.
type EncodedState struct {
	State             string `json:"state"`
	ClientRedirectURI string `json:"clientRedirectUri"`
}

// Encode renders the state as base64url(JSON).
func (s EncodedState) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState reverses Encode. It returns nil on any malformed input and
// never returns an error: the callback path must tolerate adversarial or
// corrupted state without crashing.
func DecodeState(encoded string) *EncodedState {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate padded input from clients that use standard encoding.
		data, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil
		}
	}
	var s EncodedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}

// ValidateStateToken compares the state returned by the identity provider
// against the one the caller holds. Both sides are trimmed; a blank value on
// either side, or any difference after trimming, is rejected as Unauthorized.
func ValidateStateToken(received, stored string) error {
	received = strings.TrimSpace(received)
	stored = strings.TrimSpace(stored)

	if received == "" || stored == "" {
		return NewError(KindUnauthorized, "state token missing")
	}
	if received != stored {
		return NewError(KindUnauthorized, "state mismatch, possible CSRF")
	}
	return nil
}
