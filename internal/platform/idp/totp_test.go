package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestUserHasMFA(t *testing.T) {
	var grants int32
	srv := newDirectoryServer(t, &grants, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]CredentialRepresentation{
			{ID: "c1", Type: "password"},
			{ID: "c2", Type: "otp"},
		})
	})
	defer srv.Close()

	has, err := newTestClient(srv).UserHasMFA(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserHasMFA: %v", err)
	}
	if !has {
		t.Fatal("otp credential present but UserHasMFA = false")
	}
}

func TestGenerateTOTPSecretRefusesWhenConfigured(t *testing.T) {
	var grants int32
	srv := newDirectoryServer(t, &grants, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]CredentialRepresentation{{ID: "c2", Type: "otp"}})
	})
	defer srv.Close()

	_, err := newTestClient(srv).GenerateTOTPSecret(context.Background(), "u1")
	if !errors.Is(err, ErrMFAAlreadyConfigured) {
		t.Fatalf("err = %v, want ErrMFAAlreadyConfigured", err)
	}
}

func TestGenerateTOTPSecret(t *testing.T) {
	var grants int32
	srv := newDirectoryServer(t, &grants, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]CredentialRepresentation{{ID: "c1", Type: "password"}})
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(totpGenerateResponse{Secret: "JBSWY3DP"})
		}
	})
	defer srv.Close()

	secret, err := newTestClient(srv).GenerateTOTPSecret(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	if secret != "JBSWY3DP" {
		t.Fatalf("secret = %q", secret)
	}
}

func TestVerifyTOTPCode(t *testing.T) {
	var grants int32
	accept := true
	var sawEnable *bool

	srv := newDirectoryServer(t, &grants, func(w http.ResponseWriter, r *http.Request) {
		var body totpVerifyRequest
		json.NewDecoder(r.Body).Decode(&body)
		sawEnable = &body.Enable
		if !accept {
			http.Error(w, `{"error":"invalid code"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	defer srv.Close()

	c := newTestClient(srv)

	ok, err := c.VerifyTOTPCode(context.Background(), "u1", "123456")
	if err != nil || !ok {
		t.Fatalf("VerifyTOTPCode = %v, %v", ok, err)
	}
	if sawEnable == nil || *sawEnable {
		t.Fatal("plain verification must not enable the credential")
	}

	ok, err = c.VerifyAndEnableTOTP(context.Background(), "u1", "123456")
	if err != nil || !ok {
		t.Fatalf("VerifyAndEnableTOTP = %v, %v", ok, err)
	}
	if sawEnable == nil || !*sawEnable {
		t.Fatal("VerifyAndEnableTOTP must set enable")
	}

	// A rejected code degrades to false without an error.
	accept = false
	ok, err = c.VerifyTOTPCode(context.Background(), "u1", "000000")
	if err != nil {
		t.Fatalf("rejected code surfaced error: %v", err)
	}
	if ok {
		t.Fatal("rejected code reported ok")
	}
}

func TestRemoveTOTPCredential(t *testing.T) {
	var grants int32
	var deletedPath string
	configured := true

	srv := newDirectoryServer(t, &grants, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if configured {
				json.NewEncoder(w).Encode([]CredentialRepresentation{{ID: "c2", Type: "otp"}})
			} else {
				json.NewEncoder(w).Encode([]CredentialRepresentation{})
			}
		case http.MethodDelete:
			deletedPath = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	})
	defer srv.Close()

	c := newTestClient(srv)

	ok, err := c.RemoveTOTPCredential(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("RemoveTOTPCredential = %v, %v", ok, err)
	}
	if deletedPath != "/admin/realms/ehr/users/u1/credentials/c2" {
		t.Fatalf("deleted %q", deletedPath)
	}

	// Removing an absent credential is a quiet no-op.
	configured = false
	ok, err = c.RemoveTOTPCredential(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RemoveTOTPCredential (absent): %v", err)
	}
	if ok {
		t.Fatal("absent credential reported removed")
	}
}
