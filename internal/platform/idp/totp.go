package idp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ErrMFAAlreadyConfigured is returned by GenerateTOTPSecret when the user
// already holds an otp credential; a second secret would orphan the first.
var ErrMFAAlreadyConfigured = errors.New("user already has a TOTP credential configured")

// otpCredentialType is the credential kind the directory uses for TOTP.
const otpCredentialType = "otp"

// UserHasMFA reports whether the user has any credential of kind "otp".
// Directory failures degrade to false.
func (c *AdminClient) UserHasMFA(ctx context.Context, userID string) (bool, error) {
	cred, err := c.findOTPCredential(ctx, userID)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// GenerateTOTPSecret asks the provider to generate a TOTP secret for the
// user. It refuses when a credential is already configured.
func (c *AdminClient) GenerateTOTPSecret(ctx context.Context, userID string) (string, error) {
	has, err := c.UserHasMFA(ctx, userID)
	if err != nil {
		return "", err
	}
	if has {
		return "", ErrMFAAlreadyConfigured
	}

	var out totpGenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.adminURL("users/%s/totp/generate", url.PathEscape(userID)), nil, &out); err != nil {
		return "", err
	}
	return out.Secret, nil
}

// VerifyTOTPCode checks a code against the user's pending or active TOTP
// credential without side effects. An invalid code, and any directory
// failure, both yield false.
func (c *AdminClient) VerifyTOTPCode(ctx context.Context, userID, code string) (bool, error) {
	return c.verifyTOTP(ctx, userID, code, false)
}

// VerifyAndEnableTOTP checks a code and, on success, commits the credential
// as enabled on the provider.
func (c *AdminClient) VerifyAndEnableTOTP(ctx context.Context, userID, code string) (bool, error) {
	return c.verifyTOTP(ctx, userID, code, true)
}

func (c *AdminClient) verifyTOTP(ctx context.Context, userID, code string, enable bool) (bool, error) {
	body := totpVerifyRequest{Code: code, Enable: enable}
	err := c.doJSON(ctx, http.MethodPost, c.adminURL("users/%s/totp/verify", url.PathEscape(userID)), body, nil)
	if err != nil {
		if err := c.degrade("verify totp", err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RemoveTOTPCredential deletes the user's otp credential. It no-ops with a
// false result when none exists.
func (c *AdminClient) RemoveTOTPCredential(ctx context.Context, userID string) (bool, error) {
	cred, err := c.findOTPCredential(ctx, userID)
	if err != nil {
		return false, err
	}
	if cred == nil {
		return false, nil
	}

	err = c.doJSON(ctx, http.MethodDelete, c.adminURL("users/%s/credentials/%s", url.PathEscape(userID), url.PathEscape(cred.ID)), nil, nil)
	if err != nil {
		if err := c.degrade("remove totp credential", err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// findOTPCredential returns the user's first otp credential, or nil.
func (c *AdminClient) findOTPCredential(ctx context.Context, userID string) (*CredentialRepresentation, error) {
	var creds []CredentialRepresentation
	err := c.doJSON(ctx, http.MethodGet, c.adminURL("users/%s/credentials", url.PathEscape(userID)), nil, &creds)
	if err != nil {
		if err := c.degrade("list credentials", err); err != nil {
			return nil, err
		}
		return nil, nil
	}
	for i := range creds {
		if creds[i].Type == otpCredentialType {
			return &creds[i], nil
		}
	}
	return nil, nil
}
