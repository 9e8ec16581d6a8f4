package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/ehr/authz/internal/platform/idp"
)

// mfaRequiredRoles are the role names for which multi-factor enrollment is
// mandatory rather than optional.
var mfaRequiredRoles = []string{"admin", "practitioner", "physician", "nurse"}

// MFADirectory is the slice of the identity provider's admin API the MFA
// manager needs.
type MFADirectory interface {
	FindUserByID(ctx context.Context, userID string) (*idp.UserRepresentation, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	UserHasMFA(ctx context.Context, userID string) (bool, error)
	GenerateTOTPSecret(ctx context.Context, userID string) (string, error)
	VerifyTOTPCode(ctx context.Context, userID, code string) (bool, error)
	VerifyAndEnableTOTP(ctx context.Context, userID, code string) (bool, error)
	RemoveTOTPCredential(ctx context.Context, userID string) (bool, error)
}

// MFASetup is the enrollment material returned to the client: the shared
// secret plus an otpauth:// provisioning URI for authenticator apps.
type MFASetup struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// MFAStatus reports a user's multi-factor posture.
type MFAStatus struct {
	Enabled  bool `json:"enabled"`
	Required bool `json:"required"`
}

// MFAManager handles TOTP enrollment, verification, and removal through the
// identity provider's credential store. It keeps no state of its own.
type MFAManager struct {
	directory MFADirectory
	issuer    string
}

// NewMFAManager creates a manager. issuer labels provisioning URIs; empty
// defaults to "ehr".
func NewMFAManager(directory MFADirectory, issuer string) *MFAManager {
	if issuer == "" {
		issuer = "ehr"
	}
	return &MFAManager{directory: directory, issuer: issuer}
}

// Setup starts TOTP enrollment for the user. The label names the account in
// the provisioning URI; empty falls back to the directory username. It fails
// with a Validation error when a credential is already configured, and
// NotFound when the user is missing from the directory.
func (m *MFAManager) Setup(ctx context.Context, userID, label string) (*MFASetup, error) {
	user, err := m.directory.FindUserByID(ctx, userID)
	if err != nil {
		return nil, NewError(KindUnavailable, "directory lookup failed: %v", err)
	}
	if user == nil {
		return nil, NewError(KindNotFound, "user %q not found", userID)
	}

	secret, err := m.directory.GenerateTOTPSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, idp.ErrMFAAlreadyConfigured) {
			return nil, NewError(KindValidation, "multi-factor authentication is already configured")
		}
		return nil, NewError(KindUnavailable, "generating TOTP secret: %v", err)
	}

	if label == "" {
		label = user.Username
	}

	return &MFASetup{
		Secret:          secret,
		ProvisioningURI: m.provisioningURI(label, secret),
	}, nil
}

// VerifyAndEnable checks the code and commits the pending credential. A
// wrong code or an already-enabled credential is a validation failure, not
// a transport one.
func (m *MFAManager) VerifyAndEnable(ctx context.Context, userID, code string) error {
	if code == "" {
		verr := &ValidationError{}
		return verr.add("code", "code is required")
	}

	enabled, err := m.directory.UserHasMFA(ctx, userID)
	if err != nil {
		return NewError(KindUnavailable, "reading credentials: %v", err)
	}
	if enabled {
		return NewError(KindValidation, "multi-factor authentication is already enabled")
	}

	ok, err := m.directory.VerifyAndEnableTOTP(ctx, userID, code)
	if err != nil {
		return NewError(KindUnavailable, "verifying TOTP code: %v", err)
	}
	if !ok {
		return NewError(KindValidation, "invalid verification code")
	}
	return nil
}

// Disable verifies the code against the active credential and removes it.
func (m *MFAManager) Disable(ctx context.Context, userID, code string) error {
	if code == "" {
		verr := &ValidationError{}
		return verr.add("code", "code is required")
	}

	enabled, err := m.directory.UserHasMFA(ctx, userID)
	if err != nil {
		return NewError(KindUnavailable, "reading credentials: %v", err)
	}
	if !enabled {
		return NewError(KindValidation, "multi-factor authentication is not enabled")
	}

	ok, err := m.directory.VerifyTOTPCode(ctx, userID, code)
	if err != nil {
		return NewError(KindUnavailable, "verifying TOTP code: %v", err)
	}
	if !ok {
		return NewError(KindValidation, "invalid verification code")
	}

	if _, err := m.directory.RemoveTOTPCredential(ctx, userID); err != nil {
		return NewError(KindUnavailable, "removing TOTP credential: %v", err)
	}
	return nil
}

// Status reports whether MFA is enabled for the user and whether the user's
// roles make enrollment mandatory.
func (m *MFAManager) Status(ctx context.Context, userID string) (*MFAStatus, error) {
	user, err := m.directory.FindUserByID(ctx, userID)
	if err != nil {
		return nil, NewError(KindUnavailable, "directory lookup failed: %v", err)
	}
	if user == nil {
		return nil, NewError(KindNotFound, "user %q not found", userID)
	}

	enabled, err := m.directory.UserHasMFA(ctx, userID)
	if err != nil {
		return nil, NewError(KindUnavailable, "reading credentials: %v", err)
	}

	roles, err := m.directory.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, NewError(KindUnavailable, "reading roles: %v", err)
	}

	required := false
	for _, r := range roles {
		for _, want := range mfaRequiredRoles {
			if r == want {
				required = true
			}
		}
	}

	return &MFAStatus{Enabled: enabled, Required: required}, nil
}

// provisioningURI builds the otpauth:// URI authenticator apps consume.
func (m *MFAManager) provisioningURI(account, secret string) string {
	label := url.PathEscape(m.issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", m.issuer)
	return fmt.Sprintf("otpauth://totp/%s?%s", label, q.Encode())
}
