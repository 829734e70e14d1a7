package kube

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

func TestOpenStream_Established(t *testing.T) {
	echo := func(ctx context.Context, opts remotecommand.StreamOptions) error {
		_, err := io.Copy(opts.Stdout, opts.Stdin)
		return err
	}
	s, err := openStream(context.Background(), echo, time.Second)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	defer s.Close()

	if _, err := io.WriteString(s, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Fatalf("read: got %q (%v)", line, err)
	}
}

func TestOpenStream_FailsBeforeUpgrade(t *testing.T) {
	refused := errors.New("unable to upgrade connection: forbidden")
	_, err := openStream(context.Background(), func(context.Context, remotecommand.StreamOptions) error {
		return refused
	}, time.Second)
	if !errors.Is(err, refused) {
		t.Fatalf("want upgrade error, got %v", err)
	}
}

func TestOpenStream_CallerGivesUp(t *testing.T) {
	stopped := make(chan struct{})
	hang := func(ctx context.Context, _ remotecommand.StreamOptions) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := openStream(ctx, hang, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned stream still running")
	}

	if _, err := openStream(context.Background(), func(ctx context.Context, _ remotecommand.StreamOptions) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond); err == nil || !strings.Contains(err.Error(), "not established") {
		t.Fatalf("want timeout, got %v", err)
	}
}

func TestSPDYAttacher_UpgradeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"kind":"Status","apiVersion":"v1","status":"Failure","reason":"Forbidden","code":403}`)
	}))
	defer srv.Close()

	cfg := &rest.Config{Host: srv.URL}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewSPDYAttacher(client, cfg).Attach(ctx, "team-a", "mcp-1", ContainerName)
	if err == nil {
		s.Close()
		t.Fatal("Attach succeeded against a server that refuses upgrades")
	}
	if ctx.Err() != nil {
		t.Fatalf("Attach waited for the deadline: %v", err)
	}
}
