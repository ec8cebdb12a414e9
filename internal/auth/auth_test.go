package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueAndExtractSessionRoundTrip(t *testing.T) {
	token, err := IssueSession("s3cr3t", "user-id-123", "test@example.com", "testuser")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/aliases", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	session, err := ExtractSession(r, "s3cr3t")
	if err != nil {
		t.Fatalf("ExtractSession: %v", err)
	}
	if session.UserID != "user-id-123" {
		t.Errorf("UserID = %q, want user-id-123", session.UserID)
	}
	if session.Email != "test@example.com" {
		t.Errorf("Email = %q, want test@example.com", session.Email)
	}
	if session.UserName != "testuser" {
		t.Errorf("UserName = %q, want testuser", session.UserName)
	}
}

func TestExtractSessionMissingHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/aliases", nil)
	if _, err := ExtractSession(r, "s3cr3t"); err != ErrMissingBearerToken {
		t.Fatalf("err = %v, want ErrMissingBearerToken", err)
	}
}

func TestExtractSessionWrongSecretRejected(t *testing.T) {
	token, err := IssueSession("s3cr3t", "user-id-123", "", "")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/aliases", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if _, err := ExtractSession(r, "wrong-secret"); err == nil {
		t.Fatalf("expected an error verifying against the wrong secret")
	}
}

func TestExtractSessionMalformedToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/aliases", nil)
	r.Header.Set("Authorization", "Bearer not.a.valid.jwt")

	if _, err := ExtractSession(r, "s3cr3t"); err == nil {
		t.Fatalf("expected an error for a malformed token")
	}
}

func TestExtractSessionRejectsTokenWithNoIdentity(t *testing.T) {
	token, err := IssueSession("s3cr3t", "", "", "")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/aliases", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	if _, err := ExtractSession(r, "s3cr3t"); err == nil {
		t.Fatalf("expected an error for a token with no user identification")
	}
}
