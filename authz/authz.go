// Package authz decides whether a caller may operate on a session.
//
// Every Template resolves to a Descriptor. Anonymous descriptors let anyone
// through. ServiceAccountBound descriptors require a bearer token whose
// reviewed identity is exactly the service account derived from the
// Template's Authorization record.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned for a missing token, a failed review or an
// identity mismatch.
var ErrUnauthorized = errors.New("authz: unauthorized")

// ServiceAccountPrefix is prepended to an Authorization's name to form the
// service account callers must present.
const ServiceAccountPrefix = "mcp-authz-"

// DeriveServiceAccountName maps an Authorization name to its service account
// name.
func DeriveServiceAccountName(authorizationName string) string {
	return ServiceAccountPrefix + authorizationName
}

// AuthorizationNameFromServiceAccount reverses DeriveServiceAccountName.
func AuthorizationNameFromServiceAccount(serviceAccountName string) (string, bool) {
	name, ok := strings.CutPrefix(serviceAccountName, ServiceAccountPrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// ServiceAccountUsername is the username the cluster's identity service
// reports for tokens issued to a service account.
func ServiceAccountUsername(namespace, serviceAccountName string) string {
	return "system:serviceaccount:" + namespace + ":" + serviceAccountName
}

// Descriptor is either Anonymous or ServiceAccountBound.
type Descriptor interface {
	descriptor()
}

// Anonymous sessions are not gated.
type Anonymous struct{}

// ServiceAccountBound sessions require the caller to authenticate as the
// named service account.
type ServiceAccountBound struct {
	Namespace          string
	ServiceAccountName string
}

func (Anonymous) descriptor()           {}
func (ServiceAccountBound) descriptor() {}

// Username returns the exact username a review must yield.
func (d ServiceAccountBound) Username() string {
	return ServiceAccountUsername(d.Namespace, d.ServiceAccountName)
}

// Request carries the caller's credentials.
type Request struct {
	// Token is the bearer token, empty when the caller sent none.
	Token string
	// Audience is the audience the token must have been issued for.
	Audience string
}

// Review is the outcome of verifying a token.
type Review struct {
	Authenticated bool
	Username      string
}

// Reviewer verifies bearer tokens. A nil *Review with a nil error means the
// identity service returned no verdict.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*Review, error)
}

// Gate applies a Descriptor to a Request.
type Gate struct {
	reviewer Reviewer
}

// NewGate creates a gate backed by reviewer.
func NewGate(reviewer Reviewer) *Gate {
	return &Gate{reviewer: reviewer}
}

// Check returns nil when the request may proceed and an error matching
// ErrUnauthorized otherwise.
func (g *Gate) Check(ctx context.Context, d Descriptor, req Request) error {
	switch d := d.(type) {
	case Anonymous:
		return nil
	case ServiceAccountBound:
		return g.checkBound(ctx, d, req)
	case nil:
		return fmt.Errorf("%w: no authorization descriptor", ErrUnauthorized)
	default:
		panic(fmt.Sprintf("authz: unhandled descriptor %T", d))
	}
}

func (g *Gate) checkBound(ctx context.Context, d ServiceAccountBound, req Request) error {
	if req.Token == "" {
		return fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}
	review, err := g.reviewer.Review(ctx, req)
	if err != nil {
		return errors.Join(ErrUnauthorized, fmt.Errorf("token review: %w", err))
	}

	var username string
	if review != nil {
		if !review.Authenticated {
			return fmt.Errorf("%w: token not authenticated", ErrUnauthorized)
		}
		username = review.Username
	}

	if want := d.Username(); username != want {
		return fmt.Errorf("%w: identity %q does not match %q", ErrUnauthorized, username, want)
	}
	return nil
}
