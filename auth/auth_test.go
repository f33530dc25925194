package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://gateway.example.com/mcp"

type mockIssuer struct {
	srv    *httptest.Server
	issuer string
}

func newMockIssuer(t *testing.T, keysJSON []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + "/keys",
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
			"scopes_supported":         []string{"kb:read"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "kb:read kb:write",
	}
}

type fixture struct {
	issuer *mockIssuer
	pk     *rsa.PrivateKey
	kid    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pk, kid, jwks := genRSA(t)
	return &fixture{issuer: newMockIssuer(t, jwks), pk: pk, kid: kid}
}

func (f *fixture) verifier(t *testing.T, cfg Config) *Verifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if cfg.Issuer == "" {
		cfg.Issuer = f.issuer.issuer
	}
	if cfg.Audience == "" {
		cfg.Audience = testAudience
	}
	v, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifier_DiscoveryHappyPath(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, Config{})

	if got, want := v.JWKSURL(), f.issuer.issuer+"/keys"; got != want {
		t.Fatalf("unexpected jwks url: want %q got %q", want, got)
	}

	tok := signToken(t, f.pk, f.kid, "at+jwt", validClaims(f.issuer.issuer))
	ui, err := v.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("unexpected user id: %q", ui.UserID())
	}
	var claims struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&claims); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if claims.Scope != "kb:read kb:write" {
		t.Fatalf("unexpected scope claim: %q", claims.Scope)
	}
}

func TestVerifier_StaticJWKS(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, Config{JWKSURL: f.issuer.issuer + "/keys"})

	tok := signToken(t, f.pk, f.kid, "application/at+jwt", validClaims(f.issuer.issuer))
	if _, err := v.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, Config{RequiredScopes: []string{"kb:admin"}})
	otherKey, _, _ := genRSA(t)

	cases := []struct {
		name   string
		token  func() string
		target error
	}{
		{
			name:   "empty",
			token:  func() string { return "" },
			target: ErrUnauthorized,
		},
		{
			name:   "wrong typ",
			token:  func() string { return signToken(t, f.pk, f.kid, "JWT", validClaims(f.issuer.issuer)) },
			target: ErrUnauthorized,
		},
		{
			name: "issuer mismatch",
			token: func() string {
				return signToken(t, f.pk, f.kid, "at+jwt", validClaims("https://evil.example"))
			},
			target: ErrUnauthorized,
		},
		{
			name: "audience mismatch",
			token: func() string {
				c := validClaims(f.issuer.issuer)
				c["aud"] = "https://other.example/mcp"
				return signToken(t, f.pk, f.kid, "at+jwt", c)
			},
			target: ErrUnauthorized,
		},
		{
			name: "expired",
			token: func() string {
				c := validClaims(f.issuer.issuer)
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return signToken(t, f.pk, f.kid, "at+jwt", c)
			},
			target: ErrUnauthorized,
		},
		{
			name:   "wrong key",
			token:  func() string { return signToken(t, otherKey, f.kid, "at+jwt", validClaims(f.issuer.issuer)) },
			target: ErrUnauthorized,
		},
		{
			name:   "missing scope",
			token:  func() string { return signToken(t, f.pk, f.kid, "at+jwt", validClaims(f.issuer.issuer)) },
			target: ErrInsufficientScope,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.CheckAuthentication(context.Background(), tc.token())
			if !errors.Is(err, tc.target) {
				t.Fatalf("unexpected error: want %v got %v", tc.target, err)
			}
		})
	}
}

func TestNew_RequiresIssuerAndAudience(t *testing.T) {
	if _, err := New(context.Background(), Config{Audience: testAudience}); err == nil {
		t.Fatalf("expected error without issuer")
	}
	if _, err := New(context.Background(), Config{Issuer: "https://issuer.example"}); err == nil {
		t.Fatalf("expected error without audience")
	}
}

func TestGuard_Challenges(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, Config{RequiredScopes: []string{"kb:read"}})
	metaURL, err := MetadataURL(testAudience)
	if err != nil {
		t.Fatalf("metadata url: %v", err)
	}
	g := &Guard{Authenticator: v, ResourceMetadata: metaURL}

	good := signToken(t, f.pk, f.kid, "at+jwt", validClaims(f.issuer.issuer))
	noScope := validClaims(f.issuer.issuer)
	noScope["scope"] = "kb:write"
	weak := signToken(t, f.pk, f.kid, "at+jwt", noScope)

	cases := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic Zm9vOmJhcg==", wantStatus: http.StatusBadRequest, wantError: `error="invalid_request"`},
		{name: "empty token", header: "Bearer    ", wantStatus: http.StatusBadRequest, wantError: `error="invalid_request"`},
		{name: "invalid token", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized, wantError: `error="invalid_token"`},
		{name: "insufficient scope", header: "Bearer " + weak, wantStatus: http.StatusForbidden, wantError: `error="insufficient_scope"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			user, ch := g.Check(r.Context(), r)
			if user != nil || ch == nil {
				t.Fatalf("expected challenge, got user %v", user)
			}
			if ch.Status != tc.wantStatus {
				t.Fatalf("unexpected status: want %d got %d", tc.wantStatus, ch.Status)
			}
			if !strings.Contains(ch.WWWAuthenticate, `resource_metadata="`+metaURL+`"`) {
				t.Fatalf("challenge missing resource metadata: %s", ch.WWWAuthenticate)
			}
			if tc.wantError == "" && strings.Contains(ch.WWWAuthenticate, "error=") {
				t.Fatalf("bare challenge should carry no error code: %s", ch.WWWAuthenticate)
			}
			if tc.wantError != "" && !strings.Contains(ch.WWWAuthenticate, tc.wantError) {
				t.Fatalf("challenge missing %s: %s", tc.wantError, ch.WWWAuthenticate)
			}

			rec := httptest.NewRecorder()
			ch.Write(rec)
			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected written status: want %d got %d", tc.wantStatus, rec.Code)
			}
			if rec.Header().Get(HeaderWWWAuthenticate) == "" {
				t.Fatalf("expected WWW-Authenticate header")
			}
		})
	}

	t.Run("ok", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		r.Header.Set("Authorization", "Bearer "+good)
		user, ch := g.Check(r.Context(), r)
		if ch != nil {
			t.Fatalf("unexpected challenge: %+v", ch)
		}
		if user.UserID() != "user-123" {
			t.Fatalf("unexpected user id: %q", user.UserID())
		}
	})
}

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, Config{})

	doc := v.Metadata("mcp-base-conhecimento")
	if doc.Resource != testAudience {
		t.Fatalf("unexpected resource: %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != f.issuer.issuer {
		t.Fatalf("unexpected authorization servers: %v", doc.AuthorizationServers)
	}
	if len(doc.ScopesSupported) != 1 || doc.ScopesSupported[0] != "kb:read" {
		t.Fatalf("expected discovered scopes, got %v", doc.ScopesSupported)
	}

	got, err := MetadataURL(testAudience)
	if err != nil {
		t.Fatalf("metadata url: %v", err)
	}
	if want := "https://gateway.example.com/.well-known/oauth-protected-resource/mcp"; got != want {
		t.Fatalf("unexpected metadata url: want %q got %q", want, got)
	}
	if _, err := MetadataURL("/relative"); err == nil {
		t.Fatalf("expected error for relative resource")
	}
	if got := MetadataPath("/"); got != WellKnownProtectedResource {
		t.Fatalf("unexpected root metadata path: %q", got)
	}
}

func TestBuildBearerChallenge_Escapes(t *testing.T) {
	got := buildBearerChallenge(`r"x`, "", [][2]string{{"error", "invalid_token"}, {"error_description", `bad "token"`}})
	want := `Bearer realm="r\"x", error="invalid_token", error_description="bad \"token\""`
	if got != want {
		t.Fatalf("unexpected challenge:\nwant %s\ngot  %s", want, got)
	}
	if got := buildBearerChallenge("", "", nil); got != "Bearer" {
		t.Fatalf("unexpected bare challenge: %q", got)
	}
}
