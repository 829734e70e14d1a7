package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockIssuer struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

// newMockIssuer serves a discovery document shaped like the API server's
// /.well-known/openid-configuration, which has no OAuth endpoints.
func newMockIssuer(t *testing.T, keysJSON []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{jwksPath: "/openid/v1/jwks"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                m.issuer,
			"jwks_uri":                              m.issuer + m.jwksPath,
			"response_types_supported":              []string{"id_token"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
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
	kid := "sa-key"
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

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func saClaims(issuer, aud, sub string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": issuer,
		"sub": sub,
		"aud": []string{aud},
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
		"kubernetes.io": map[string]any{
			"namespace":      "team-a",
			"serviceaccount": map[string]any{"name": "mcp-authz-callers"},
		},
	}
}

func TestJWKSReviewer_Discovery(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := NewJWKSReviewerFromDiscovery(ctx, JWKSConfig{Issuer: iss.issuer})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sub := "system:serviceaccount:team-a:mcp-authz-callers"
	good := signToken(t, pk, kid, saClaims(iss.issuer, "gw", sub, time.Now().Add(time.Hour)))

	review, err := r.Review(ctx, Request{Token: good, Audience: "gw"})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !review.Authenticated || review.Username != sub {
		t.Fatalf("unexpected review %+v", review)
	}

	gate := NewGate(r)
	bound := ServiceAccountBound{Namespace: "team-a", ServiceAccountName: DeriveServiceAccountName("callers")}
	if err := gate.Check(ctx, bound, Request{Token: good, Audience: "gw"}); err != nil {
		t.Fatalf("gate: %v", err)
	}
}

func TestJWKSReviewer_Rejects(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)
	other, _, _ := genRSA(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, err := NewJWKSReviewer(ctx, JWKSConfig{Issuer: iss.issuer, Leeway: time.Second}, iss.issuer+iss.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	sub := "system:serviceaccount:team-a:mcp-authz-callers"
	later := time.Now().Add(time.Hour)
	cases := map[string]string{
		"wrong audience": signToken(t, pk, kid, saClaims(iss.issuer, "someone-else", sub, later)),
		"wrong issuer":   signToken(t, pk, kid, saClaims("https://evil.example", "gw", sub, later)),
		"expired":        signToken(t, pk, kid, saClaims(iss.issuer, "gw", sub, time.Now().Add(-time.Hour))),
		"wrong key":      signToken(t, other, kid, saClaims(iss.issuer, "gw", sub, later)),
		"missing sub":    signToken(t, pk, kid, saClaims(iss.issuer, "gw", "", later)),
		"garbage":        "not-a-jwt",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			review, err := r.Review(ctx, Request{Token: tok, Audience: "gw"})
			if err != nil {
				t.Fatalf("review should not error, got %v", err)
			}
			if review == nil || review.Authenticated {
				t.Fatalf("want unauthenticated review, got %+v", review)
			}

			bound := ServiceAccountBound{Namespace: "team-a", ServiceAccountName: "mcp-authz-callers"}
			if err := NewGate(r).Check(ctx, bound, Request{Token: tok, Audience: "gw"}); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("gate: want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestJWKSReviewer_RequiresIssuer(t *testing.T) {
	if _, err := NewJWKSReviewer(context.Background(), JWKSConfig{}, "http://127.0.0.1/jwks"); err == nil {
		t.Fatal("want error without issuer")
	}
	if _, err := NewJWKSReviewer(context.Background(), JWKSConfig{Issuer: "https://x"}, ""); err == nil {
		t.Fatal("want error without jwks uri")
	}
}
