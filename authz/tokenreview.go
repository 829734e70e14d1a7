package authz

import (
	"context"

	authnv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// TokenReviewer verifies tokens with the cluster's TokenReview API.
type TokenReviewer struct {
	client kubernetes.Interface
}

var _ Reviewer = (*TokenReviewer)(nil)

// NewTokenReviewer creates a reviewer bound to a cluster.
func NewTokenReviewer(client kubernetes.Interface) *TokenReviewer {
	return &TokenReviewer{client: client}
}

// Review submits a TokenReview. A review the API server answers without a
// status yields a nil *Review.
func (r *TokenReviewer) Review(ctx context.Context, req Request) (*Review, error) {
	tr := &authnv1.TokenReview{
		Spec: authnv1.TokenReviewSpec{Token: req.Token},
	}
	if req.Audience != "" {
		tr.Spec.Audiences = []string{req.Audience}
	}
	out, err := r.client.AuthenticationV1().TokenReviews().Create(ctx, tr, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	if out == nil || isEmptyStatus(out.Status) {
		return nil, nil
	}
	return &Review{
		Authenticated: out.Status.Authenticated,
		Username:      out.Status.User.Username,
	}, nil
}

func isEmptyStatus(s authnv1.TokenReviewStatus) bool {
	return !s.Authenticated && s.User.Username == "" && s.Error == "" && len(s.Audiences) == 0
}
