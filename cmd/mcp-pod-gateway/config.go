package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/authz"
	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/catalog/file"
	catalogredis "github.com/ggoodman/mcp-pod-gateway/catalog/redis"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
)

// Config is the gateway process configuration. Values come from the
// environment; defaults are provided via struct tags.
type Config struct {
	// Listen is the HTTP listen address. ENV: MCP_GATEWAY_LISTEN
	Listen string `env:"MCP_GATEWAY_LISTEN,default=:8080"`
	// ProxyListen is the TCP address of the stdio proxy. Empty disables it.
	ProxyListen string `env:"MCP_GATEWAY_PROXY_LISTEN"`
	// ProxyNamespace is used by proxy connections that bind a session
	// without naming its namespace.
	ProxyNamespace string `env:"MCP_GATEWAY_PROXY_NAMESPACE,default=default"`

	Audience string `env:"MCP_GATEWAY_AUDIENCE,default=mcp-pod-gateway"`
	Realm    string `env:"MCP_GATEWAY_REALM,default=mcp-pod-gateway"`

	Kubeconfig string `env:"KUBECONFIG"`

	IdleTimeout time.Duration `env:"MCP_GATEWAY_IDLE_TIMEOUT,default=10m"`
	LagBudget   int           `env:"MCP_GATEWAY_LAG_BUDGET,default=3"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Catalog CatalogConfig
	Review  ReviewConfig
	Sweep   SweepConfig
}

// CatalogConfig selects where Templates and their referenced records are
// read from.
type CatalogConfig struct {
	// Backend is "file" or "redis".
	Backend   string `env:"CATALOG_BACKEND,default=file"`
	Dir       string `env:"CATALOG_DIR,default=/etc/mcp-pod-gateway/catalog"`
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string `env:"CATALOG_KEY_PREFIX,default=mcp-pod-gateway:catalog:"`
}

// ReviewConfig selects how bearer tokens are authenticated.
type ReviewConfig struct {
	// Mode is "tokenreview" (ask the API server) or "jwks" (verify service
	// account JWTs locally).
	Mode    string `env:"MCP_GATEWAY_REVIEW,default=tokenreview"`
	Issuer  string `env:"SA_ISSUER,default=https://kubernetes.default.svc.cluster.local"`
	JWKSURI string `env:"SA_JWKS_URI"`
}

type SweepConfig struct {
	Enabled    bool          `env:"SWEEP_ENABLED,default=true"`
	Interval   time.Duration `env:"SWEEP_INTERVAL,default=30s"`
	Grace      time.Duration `env:"SWEEP_GRACE,default=1m"`
	StaleAfter time.Duration `env:"SWEEP_STALE_AFTER,default=15s"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Catalog.Backend {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend))
	}
	switch c.Review.Mode {
	case "tokenreview", "jwks":
	default:
		errs = append(errs, fmt.Errorf("unknown review mode %q", c.Review.Mode))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openCatalog opens the configured backend. The returned cleanup releases it.
func (c *Config) openCatalog(ctx context.Context, log *slog.Logger) (catalog.Source, func(), error) {
	switch c.Catalog.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.Catalog.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := catalogredis.New(catalogredis.Config{Client: client, KeyPrefix: c.Catalog.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		src, err := file.New(c.Catalog.Dir, file.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		watchCtx, cancel := context.WithCancel(ctx)
		go func() {
			if err := src.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				log.ErrorContext(ctx, "catalog.watch.fail", slog.String("err", err.Error()))
			}
		}()
		return src, cancel, nil
	}
}

// newReviewer builds the configured token reviewer.
func (c *Config) newReviewer(ctx context.Context, client kubernetes.Interface) (authz.Reviewer, error) {
	if c.Review.Mode != "jwks" {
		return authz.NewTokenReviewer(client), nil
	}
	jc := authz.DefaultJWKSConfig()
	jc.Issuer = c.Review.Issuer
	if c.Review.JWKSURI != "" {
		return authz.NewJWKSReviewer(ctx, jc, c.Review.JWKSURI)
	}
	return authz.NewJWKSReviewerFromDiscovery(ctx, jc)
}
