package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"incidentdesk.org/internal/auth"
)

func withSecret(t *testing.T) {
	t.Helper()
	t.Setenv("INCIDENTDESK_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)
}

func TestAuthenticateStoresSubject(t *testing.T) {
	withSecret(t)
	token, err := auth.GenerateToken("terr", "terr", time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var actor string
	handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = string(actorFrom(r))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if actor != "terr" {
		t.Fatalf("expected actor terr, got %q", actor)
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	withSecret(t)
	handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/incidents/x", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	withSecret(t)
	handler := Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents/x", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"":              false,
		"Basic abc":     false,
		"Bearer ":       false,
		"bearer abc":    true,
		"Bearer  x.y.z": true,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("header %q: expected ok=%v, got err=%v", header, ok, err)
		}
	}
}
