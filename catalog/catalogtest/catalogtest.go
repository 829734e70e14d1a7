// Package catalogtest is a conformance suite every catalog backend must pass.
package catalogtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/catalog"
)

// SourceFactory creates a source pre-populated with records.
type SourceFactory func(t *testing.T, records ...catalog.Record) catalog.Source

// Fixture returns one record of every kind in namespace ns, wired together
// the way a real Template references its dependencies.
func Fixture(ns string) []catalog.Record {
	return []catalog.Record{
		&catalog.Template{
			Meta:          catalog.Meta{Namespace: ns, Name: "fetch"},
			Image:         "ghcr.io/example/mcp-fetch:1.2.0",
			Command:       []string{"mcp-fetch"},
			Args:          []string{"--stdio"},
			Env:           []catalog.EnvVar{{Name: "LOG_LEVEL", Value: "debug"}},
			SecretEnv:     []string{"api-keys"},
			SecretMounts:  []catalog.SecretMount{{Secret: "tls", MountPath: "/etc/tls"}},
			ResourceLimit: "small",
			Authorization: "callers",
		},
		&catalog.ResourceLimit{
			Meta:          catalog.Meta{Namespace: ns, Name: "small"},
			CPURequest:    "100m",
			CPULimit:      "500m",
			MemoryRequest: "64Mi",
			MemoryLimit:   "256Mi",
			NodeSelector:  map[string]string{"pool": "mcp"},
		},
		&catalog.Secret{Meta: catalog.Meta{Namespace: ns, Name: "api-keys"}},
		&catalog.Secret{Meta: catalog.Meta{Namespace: ns, Name: "tls"}, SecretName: "gateway-tls", Keys: []string{"tls.crt"}},
		&catalog.Authorization{Meta: catalog.Meta{Namespace: ns, Name: "callers"}, Mode: catalog.AuthorizationServiceAccount},
	}
}

// RunSourceTests runs the complete catalog suite against the provided factory.
func RunSourceTests(t *testing.T, factory SourceFactory) {
	t.Run("Get_EveryKind", func(t *testing.T) { testGetEveryKind(t, factory) })
	t.Run("Get_NotFound", func(t *testing.T) { testNotFound(t, factory) })
	t.Run("Get_NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("Get_KindIsolation", func(t *testing.T) { testKindIsolation(t, factory) })
	t.Run("Get_ReturnsIndependentCopies", func(t *testing.T) { testIndependentCopies(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testGetEveryKind(t *testing.T, factory SourceFactory) {
	src := factory(t, Fixture("team-a")...)
	r := catalog.NewReader(src)
	ctx := testCtx(t)

	tpl, err := r.GetTemplate(ctx, "team-a", "fetch")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if tpl.Image != "ghcr.io/example/mcp-fetch:1.2.0" {
		t.Fatalf("image: got %q", tpl.Image)
	}
	if len(tpl.Args) != 1 || tpl.Args[0] != "--stdio" {
		t.Fatalf("args: got %v", tpl.Args)
	}
	if len(tpl.Env) != 1 || tpl.Env[0].Name != "LOG_LEVEL" || tpl.Env[0].Value != "debug" {
		t.Fatalf("env: got %+v", tpl.Env)
	}
	if len(tpl.SecretMounts) != 1 || tpl.SecretMounts[0].MountPath != "/etc/tls" {
		t.Fatalf("secret mounts: got %+v", tpl.SecretMounts)
	}
	if tpl.ResourceLimit != "small" || tpl.Authorization != "callers" {
		t.Fatalf("refs: got %q %q", tpl.ResourceLimit, tpl.Authorization)
	}

	lim, err := r.GetResourceLimit(ctx, "team-a", "small")
	if err != nil {
		t.Fatalf("GetResourceLimit: %v", err)
	}
	if lim.CPULimit != "500m" || lim.MemoryLimit != "256Mi" || lim.NodeSelector["pool"] != "mcp" {
		t.Fatalf("limit: got %+v", lim)
	}

	sec, err := r.GetSecret(ctx, "team-a", "tls")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if sec.ClusterSecretName() != "gateway-tls" || len(sec.Keys) != 1 {
		t.Fatalf("secret: got %+v", sec)
	}

	authz, err := r.GetAuthorization(ctx, "team-a", "callers")
	if err != nil {
		t.Fatalf("GetAuthorization: %v", err)
	}
	if authz.Mode != catalog.AuthorizationServiceAccount {
		t.Fatalf("mode: got %q", authz.Mode)
	}
}

func testNotFound(t *testing.T, factory SourceFactory) {
	src := factory(t, Fixture("team-a")...)
	r := catalog.NewReader(src)
	ctx := testCtx(t)

	if _, err := r.GetTemplate(ctx, "team-a", "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := r.GetSecret(ctx, "team-a", "missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func testNamespaceIsolation(t *testing.T, factory SourceFactory) {
	src := factory(t, Fixture("team-a")...)
	r := catalog.NewReader(src)

	if _, err := r.GetTemplate(testCtx(t), "team-b", "fetch"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("template leaked across namespaces: %v", err)
	}
}

func testKindIsolation(t *testing.T, factory SourceFactory) {
	src := factory(t,
		&catalog.Secret{Meta: catalog.Meta{Namespace: "ns", Name: "shared"}},
	)
	r := catalog.NewReader(src)
	ctx := testCtx(t)

	if _, err := r.GetSecret(ctx, "ns", "shared"); err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if _, err := r.GetAuthorization(ctx, "ns", "shared"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("want ErrNotFound for other kind, got %v", err)
	}
}

func testIndependentCopies(t *testing.T, factory SourceFactory) {
	src := factory(t, Fixture("team-a")...)
	r := catalog.NewReader(src)
	ctx := testCtx(t)

	first, err := r.GetTemplate(ctx, "team-a", "fetch")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	first.Image = "mutated"
	first.Args[0] = "mutated"

	second, err := r.GetTemplate(ctx, "team-a", "fetch")
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if second.Image == "mutated" || second.Args[0] == "mutated" {
		t.Fatalf("mutation of a returned record leaked into the source: %+v", second)
	}
}
