package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/authz"
	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/proxy"
	"github.com/ggoodman/mcp-pod-gateway/session"
	"github.com/ggoodman/mcp-pod-gateway/streaminghttp"
	"github.com/ggoodman/mcp-pod-gateway/sweep"
	"github.com/ggoodman/mcp-pod-gateway/transport"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP sessions over streamable HTTP",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restCfg, err := kube.LoadConfig(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("kubernetes client: %w", err)
	}

	src, closeCatalog, err := cfg.openCatalog(ctx, log)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer closeCatalog()

	reviewer, err := cfg.newReviewer(ctx, client)
	if err != nil {
		return fmt.Errorf("token reviewer: %w", err)
	}

	registry := transport.NewRegistry()
	dialer := transport.NewDialer(client, kube.NewSPDYAttacher(client, restCfg),
		transport.WithLogger(log),
		transport.WithIdleTimeout(cfg.IdleTimeout),
		transport.WithLagBudget(cfg.LagBudget),
	)
	mgr := session.NewManager(client, catalog.NewReader(src), authz.NewGate(reviewer), registry, dialer,
		session.WithLogger(log),
		session.WithLagBudget(cfg.LagBudget),
	)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: streaminghttp.New(mgr,
			streaminghttp.WithLogger(log),
			streaminghttp.WithAudience(cfg.Audience),
			streaminghttp.WithRealm(cfg.Realm),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 3)
	go func() {
		log.InfoContext(ctx, "http.listen", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.ProxyListen != "" {
		ln, err := net.Listen("tcp", cfg.ProxyListen)
		if err != nil {
			return fmt.Errorf("proxy listen: %w", err)
		}
		ps := proxy.NewServer(mgr, log, proxy.WithDefaultNamespace(cfg.ProxyNamespace))
		go func() {
			log.InfoContext(ctx, "proxy.listen", slog.String("addr", cfg.ProxyListen))
			if err := ps.Serve(ctx, ln); err != nil {
				errc <- fmt.Errorf("proxy server: %w", err)
			}
		}()
	}

	if cfg.Sweep.Enabled {
		sw := sweep.New(client,
			sweep.WithLogger(log),
			sweep.WithInterval(cfg.Sweep.Interval),
			sweep.WithThresholds(cfg.Sweep.Grace, cfg.Sweep.StaleAfter),
		)
		go func() { _ = sw.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		log.InfoContext(ctx, "gateway.shutdown")
	case err := <-errc:
		log.ErrorContext(ctx, "gateway.fail", slog.String("err", err.Error()))
		stop()
		shutdown(srv, registry, log)
		return err
	}
	shutdown(srv, registry, log)
	return nil
}

// shutdown stops accepting HTTP requests and releases every attachment. Pods
// are left running; a restarted gateway reattaches to them on demand.
func shutdown(srv *http.Server, registry *transport.Registry, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WarnContext(ctx, "http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := registry.CloseAll(ctx); err != nil {
		log.WarnContext(ctx, "registry.close.fail", slog.String("err", err.Error()))
	}
}
