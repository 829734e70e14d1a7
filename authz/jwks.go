package authz

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSConfig controls offline verification of projected service account
// tokens.
type JWKSConfig struct {
	// Issuer is the cluster's service account issuer, for example
	// "https://kubernetes.default.svc.cluster.local".
	Issuer      string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultJWKSConfig returns a config with safe algorithm and leeway defaults.
func DefaultJWKSConfig() JWKSConfig {
	return JWKSConfig{
		AllowedAlgs: []string{"RS256", "ES256"},
		Leeway:      30 * time.Second,
	}
}

// JWKSReviewer verifies service account JWTs against the issuer's signing
// keys without calling the TokenReview API. It reports the token subject as
// the username, which for service account tokens is
// "system:serviceaccount:<namespace>:<name>".
//
// Unlike TokenReview it cannot tell whether the service account or the bound
// Pod still exists; it trusts the token until expiry.
type JWKSReviewer struct {
	cfg     JWKSConfig
	keyfunc jwt.Keyfunc
}

var _ Reviewer = (*JWKSReviewer)(nil)

// NewJWKSReviewerFromDiscovery resolves jwks_uri through the issuer's OIDC
// discovery document. Keys are refreshed in the background until ctx is done.
func NewJWKSReviewerFromDiscovery(ctx context.Context, cfg JWKSConfig) (*JWKSReviewer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKSReviewer(ctx, cfg, meta.JwksURI)
}

// NewJWKSReviewer verifies tokens against a fixed JWKS URI.
func NewJWKSReviewer(ctx context.Context, cfg JWKSConfig, jwksURI string) (*JWKSReviewer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	def := DefaultJWKSConfig()
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = def.AllowedAlgs
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = def.Leeway
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &JWKSReviewer{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

// Review verifies the token. A token that fails verification yields an
// unauthenticated review rather than an error.
func (r *JWKSReviewer) Review(ctx context.Context, req Request) (*Review, error) {
	if req.Token == "" {
		return &Review{}, nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(r.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(r.cfg.Issuer),
		jwt.WithLeeway(r.cfg.Leeway),
	}
	if req.Audience != "" {
		opts = append(opts, jwt.WithAudience(req.Audience))
	}
	parsed, err := jwt.NewParser(opts...).Parse(req.Token, r.keyfunc)
	if err != nil {
		return &Review{}, nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return &Review{}, nil
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return &Review{}, nil
	}
	return &Review{Authenticated: true, Username: sub}, nil
}
