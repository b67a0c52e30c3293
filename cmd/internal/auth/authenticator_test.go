package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inbox/cmd/identity"
)

type downDirectory struct{}

func (downDirectory) LookupUser(context.Context, string) (identity.User, error) {
	return identity.User{}, identity.OpError{Op: "lookup", Kind: identity.ErrUnavailable, Msg: "breaker open"}
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthenticator(t *testing.T, users identity.Directory) (*Authenticator, TokenIssuer) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Mode = ModeJWT
	cfg.JWTSecret = testJWTSecret

	iss, err := NewJWTIssuer(cfg, time.Hour)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	ver, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return NewAuthenticator(quietLog(), ver, users), iss
}

func mustIssue(t *testing.T, iss TokenIssuer, userID string) string {
	t.Helper()
	tok, _, err := iss.Issue(userID, "sess-"+userID, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func TestAuthenticator_Authenticate(t *testing.T) {
	t.Parallel()

	users := identity.NewMemoryDirectory(identity.User{
		ID: "brand-1", DisplayName: "Acme", Avatar: "https://cdn/acme.png", Role: identity.RoleBrand,
	})
	a, iss := newTestAuthenticator(t, users)

	p, err := a.Authenticate(context.Background(), mustIssue(t, iss, "brand-1"))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	want := Principal{
		ID: "brand-1", SessionID: "sess-brand-1", DisplayName: "Acme",
		Avatar: "https://cdn/acme.png", Role: identity.RoleBrand,
	}
	if p != want {
		t.Fatalf("principal = %+v, want %+v", p, want)
	}

	for name, tok := range map[string]string{
		"empty":        "   ",
		"garbage":      "abc.def.ghi",
		"unknown user": mustIssue(t, iss, "ghost"),
	} {
		if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestAuthenticator_DirectoryDown(t *testing.T) {
	t.Parallel()

	a, iss := newTestAuthenticator(t, downDirectory{})
	_, err := a.Authenticate(context.Background(), mustIssue(t, iss, "brand-1"))
	if !identity.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "bearer lowercase", header: "bearer  abc ", want: "abc"},
		{name: "query", query: "?token=q1", want: "q1"},
		{name: "header wins", header: "Bearer h1", query: "?token=q1", want: "h1"},
		{name: "basic ignored", header: "Basic dXNlcg==", query: "?token=q1", want: ""},
		{name: "none", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := TokenFromRequest(r); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()

	users := identity.NewMemoryDirectory(identity.User{ID: "creator-1", DisplayName: "Cleo", Role: identity.RoleCreator})
	a, iss := newTestAuthenticator(t, users)

	h := RequireAuth(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			t.Errorf("principal missing")
		}
		_, _ = io.WriteString(w, p.ID)
	}))

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	r.Header.Set("Authorization", "Bearer "+mustIssue(t, iss, "creator-1"))
	h.ServeHTTP(rr, r)
	if rr.Code != http.StatusOK || rr.Body.String() != "creator-1" {
		t.Fatalf("authorized: code=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: code=%d", rr.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "unauthorized" || body.Error.Message != "Authentication error" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteAuthError_Unavailable(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteAuthError(rr, identity.OpError{Op: "lookup", Kind: identity.ErrUnavailable})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", rr.Code)
	}
}
