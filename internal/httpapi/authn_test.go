package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"soundboard.app/internal/auth"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: got %q, %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected error", tc.header)
		}
	}
}

func TestWithAuthSkipsPublicPaths(t *testing.T) {
	a := &API{auth: newFakeAuth(), log: zap.NewNop()}
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/ws", "/v1/executor/ws"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}

func TestWithAuthPutsIdentityInContext(t *testing.T) {
	a := &API{auth: newFakeAuth(), log: zap.NewNop()}
	var got *auth.Identity
	var token string
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.IdentityFromContext(r.Context())
		token, _ = auth.TokenFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+memberToken)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got == nil || got.Username != "member" {
		t.Fatalf("identity not propagated: %+v", got)
	}
	if token != memberToken {
		t.Fatalf("token not propagated: %q", token)
	}
}

func TestRequireMemberRejectsOutsider(t *testing.T) {
	a := &API{auth: newFakeAuth(), log: zap.NewNop()}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/groups/{group_id}/stop", a.requireMember(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler := a.withAuth(mux)

	for token, want := range map[string]int{memberToken: http.StatusOK, outsiderToken: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPost, "/v1/groups/10/stop", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", token, want, rr.Code)
		}
	}
}
