package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/authz"
	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/catalog/memory"
	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/internal/podtest"
	"github.com/ggoodman/mcp-pod-gateway/transport"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

const ns = "team-a"

var (
	fetch = Target{Namespace: ns, Template: "fetch"}
	other = Target{Namespace: ns, Template: "other"}
	gated = Target{Namespace: ns, Template: "gated"}
)

// tokenReviewer authenticates tokens from a fixed table.
type tokenReviewer map[string]string

func (r tokenReviewer) Review(_ context.Context, req authz.Request) (*authz.Review, error) {
	user, ok := r[req.Token]
	if !ok {
		return &authz.Review{Authenticated: false}, nil
	}
	return &authz.Review{Authenticated: true, Username: user}, nil
}

func records() []catalog.Record {
	return []catalog.Record{
		&catalog.Template{Meta: catalog.Meta{Namespace: ns, Name: "fetch"}, Image: "ghcr.io/example/fetch:1"},
		&catalog.Template{Meta: catalog.Meta{Namespace: ns, Name: "other"}, Image: "ghcr.io/example/other:1"},
		&catalog.Template{
			Meta:          catalog.Meta{Namespace: ns, Name: "gated"},
			Image:         "ghcr.io/example/gated:1",
			ResourceLimit: "small",
			SecretEnv:     []string{"api-key"},
			Authorization: "callers",
		},
		&catalog.ResourceLimit{Meta: catalog.Meta{Namespace: ns, Name: "small"}, CPULimit: "500m", MemoryLimit: "256Mi"},
		&catalog.Secret{Meta: catalog.Meta{Namespace: ns, Name: "api-key"}},
		&catalog.Authorization{Meta: catalog.Meta{Namespace: ns, Name: "callers"}, Mode: catalog.AuthorizationServiceAccount},
	}
}

var callerToken = authz.Request{Token: "good", Audience: "mcp"}

type harness struct {
	cluster  *podtest.Cluster
	store    *memory.Store
	registry *transport.Registry
	mgr      *Manager
}

func newHarness(t *testing.T, recs ...catalog.Record) *harness {
	t.Helper()
	if recs == nil {
		recs = records()
	}
	store, err := memory.New(recs...)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	h := &harness{cluster: podtest.NewCluster(), store: store}
	h.mgr = h.manager()
	return h
}

// manager builds a Manager with its own registry over the shared cluster, as
// a freshly started gateway process would have.
func (h *harness) manager() *Manager {
	h.registry = transport.NewRegistry()
	reviewer := tokenReviewer{
		"good":  authz.ServiceAccountUsername(ns, "mcp-authz-callers"),
		"other": authz.ServiceAccountUsername(ns, "default"),
	}
	dialer := transport.NewDialer(h.cluster.Client, h.cluster, transport.WithPolling(5, time.Millisecond))
	return NewManager(h.cluster.Client, catalog.NewReader(h.store), authz.NewGate(reviewer), h.registry, dialer)
}

func (h *harness) create(t *testing.T, target Target, req authz.Request) string {
	t.Helper()
	id, err := h.mgr.CreateSession(testCtx(t), target, req)
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", target, err)
	}
	t.Cleanup(func() {
		if tr, ok := h.registry.Get(id); ok {
			_ = tr.Close()
		}
	})
	return id
}

func (h *harness) pods(t *testing.T) []corev1.Pod {
	t.Helper()
	list, err := h.cluster.Client.CoreV1().Pods(ns).List(testCtx(t), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("list pods: %v", err)
	}
	return list.Items
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decode(t *testing.T, msg jsonrpc.Message) *jsonrpc.AnyMessage {
	t.Helper()
	m, err := jsonrpc.Decode(msg)
	if err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return m
}

func initialize(id any) jsonrpc.Message {
	return podtest.Request(id, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1"},
	})
}

func TestCreateSession_Anonymous(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	id := h.create(t, fetch, authz.Request{})
	if !strings.HasPrefix(id, IDPrefix) {
		t.Fatalf("session id %q lacks prefix %q", id, IDPrefix)
	}

	pod, ok, err := h.cluster.GetPod(ctx, ns, id)
	if err != nil || !ok {
		t.Fatalf("pod %s: ok=%v err=%v", id, ok, err)
	}
	if got := pod.Labels[kube.TemplateLabel]; got != "fetch" {
		t.Fatalf("template label: want fetch, got %q", got)
	}
	if got := pod.Labels[kube.ManagedByLabel]; got != kube.ManagedByValue {
		t.Fatalf("managed-by label: got %q", got)
	}
	if _, ok := h.registry.Get(id); !ok {
		t.Fatalf("transport for %s not registered after create", id)
	}

	resp, err := h.mgr.InitializeSession(ctx, fetch, id, initialize(1))
	if err != nil {
		t.Fatalf("InitializeSession: %v", err)
	}
	m := decode(t, resp)
	if m.Kind() != jsonrpc.KindResponse || !m.ID.Equal(jsonrpc.NewRequestID(1)) {
		t.Fatalf("initialize response: got %s", resp)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(m.Result, &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("protocol version: got %q", result.ProtocolVersion)
	}
}

func TestCreateSession_Bound(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	for name, req := range map[string]authz.Request{
		"no token":      {Audience: "mcp"},
		"unknown token": {Token: "nope", Audience: "mcp"},
		"wrong account": {Token: "other", Audience: "mcp"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.mgr.CreateSession(ctx, gated, req)
			if !errors.Is(err, authz.ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
	if n := len(h.pods(t)); n != 0 {
		t.Fatalf("unauthorized creates left %d pods", n)
	}

	id := h.create(t, gated, callerToken)
	pod, _, err := h.cluster.GetPod(ctx, ns, id)
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	c := pod.Spec.Containers[0]
	if got := c.Resources.Limits.Cpu().String(); got != "500m" {
		t.Fatalf("cpu limit: want 500m, got %s", got)
	}
	if len(c.EnvFrom) != 1 || c.EnvFrom[0].SecretRef.Name != "api-key" {
		t.Fatalf("envFrom: got %+v", c.EnvFrom)
	}
}

func TestCreateSession_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		tpl  *catalog.Template
	}{
		{"missing limit", &catalog.Template{Meta: catalog.Meta{Namespace: ns, Name: "broken"}, Image: "x", ResourceLimit: "huge"}},
		{"missing secret", &catalog.Template{Meta: catalog.Meta{Namespace: ns, Name: "broken"}, Image: "x", SecretMounts: []catalog.SecretMount{{Secret: "gone", MountPath: "/etc/gone"}}}},
		{"missing authorization", &catalog.Template{Meta: catalog.Meta{Namespace: ns, Name: "broken"}, Image: "x", Authorization: "gone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, append(records(), tt.tpl)...)
			_, err := h.mgr.CreateSession(testCtx(t), Target{Namespace: ns, Template: "broken"}, authz.Request{})
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("want ErrConfiguration, got %v", err)
			}
			if n := len(h.pods(t)); n != 0 {
				t.Fatalf("want no pods, got %d", n)
			}
		})
	}
}

func TestCreateSession_TemplateNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateSession(testCtx(t), Target{Namespace: ns, Template: "nope"}, authz.Request{})
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("want ErrTemplateNotFound, got %v", err)
	}
}

func TestCreateSession_PodRejected(t *testing.T) {
	h := newHarness(t)
	h.cluster.Client.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied the request")
	})
	_, err := h.mgr.CreateSession(testCtx(t), fetch, authz.Request{})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("want ErrProvisioning, got %v", err)
	}
}

func TestCreateSession_AttachFailureDeletesPod(t *testing.T) {
	h := newHarness(t)
	h.cluster.FailNextAttach(errors.New("upgrade request required"))

	_, err := h.mgr.CreateSession(testCtx(t), fetch, authz.Request{})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("want ErrProvisioning, got %v", err)
	}
	if !errors.Is(err, transport.ErrAttach) {
		t.Fatalf("want ErrAttach in chain, got %v", err)
	}
	if n := len(h.pods(t)); n != 0 {
		t.Fatalf("failed create left %d pods", n)
	}
	if n := h.registry.Len(); n != 0 {
		t.Fatalf("failed create left %d registry entries", n)
	}
}

func TestHasSession(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})

	terminating := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "mcp-terminating",
			Namespace:         ns,
			Labels:            map[string]string{kube.ManagedByLabel: kube.ManagedByValue, kube.TemplateLabel: "fetch"},
			DeletionTimestamp: &metav1.Time{Time: time.Now()},
			Finalizers:        []string{"example.com/hold"},
		},
	}
	if err := h.cluster.AddPod(terminating); err != nil {
		t.Fatalf("AddPod: %v", err)
	}

	tests := []struct {
		name   string
		target Target
		id     string
		want   bool
	}{
		{"live", fetch, id, true},
		{"unknown", fetch, "mcp-unknown", false},
		{"other template", other, id, false},
		{"other namespace", Target{Namespace: "team-b", Template: "fetch"}, id, false},
		{"terminating", fetch, "mcp-terminating", false},
	}
	if err := h.store.Put(ctx, &catalog.Template{Meta: catalog.Meta{Namespace: "team-b", Name: "fetch"}, Image: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.mgr.HasSession(ctx, tt.target, tt.id, authz.Request{})
			if err != nil {
				t.Fatalf("HasSession: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHasSession_Gated(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, gated, callerToken)

	if _, err := h.mgr.HasSession(ctx, gated, id, authz.Request{}); !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("without token: want ErrUnauthorized, got %v", err)
	}
	// The gate runs before the Pod lookup, so unknown ids are not revealed.
	if _, err := h.mgr.HasSession(ctx, gated, "mcp-unknown", authz.Request{}); !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("unknown id without token: want ErrUnauthorized, got %v", err)
	}
	ok, err := h.mgr.HasSession(ctx, gated, id, callerToken)
	if err != nil || !ok {
		t.Fatalf("with token: ok=%v err=%v", ok, err)
	}
}

func TestCloseSession(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	tr, _ := h.registry.Get(id)

	if err := h.mgr.CloseSession(ctx, other, id, authz.Request{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("close via other template: want ErrSessionNotFound, got %v", err)
	}
	if err := h.mgr.CloseSession(ctx, fetch, id, authz.Request{}); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	select {
	case <-tr.Done():
	case <-ctx.Done():
		t.Fatal("relay did not exit after close")
	}
	if _, ok, _ := h.cluster.GetPod(ctx, ns, id); ok {
		t.Fatal("pod still exists after close")
	}
	if ok, _ := h.mgr.HasSession(ctx, fetch, id, authz.Request{}); ok {
		t.Fatal("HasSession true after close")
	}
	if err := h.mgr.CloseSession(ctx, fetch, id, authz.Request{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second close: want ErrSessionNotFound, got %v", err)
	}
	if _, err := h.mgr.InitializeSession(ctx, fetch, id, initialize(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("initialize after close: want ErrSessionNotFound, got %v", err)
	}
}

func TestCreateStream_EndsAfterResponse(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})

	call := podtest.Request("c1", "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}})
	s, err := h.mgr.CreateStream(ctx, fetch, id, call)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	defer s.Close()

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if m := decode(t, ev.Value); m.Method != "notifications/message" {
		t.Fatalf("first message: want notifications/message, got %s", ev.Value)
	}
	ev, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if m := decode(t, ev.Value); m.Kind() != jsonrpc.KindResponse || !m.ID.Equal(jsonrpc.NewRequestID("c1")) {
		t.Fatalf("second message: want response c1, got %s", ev.Value)
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("after response: want io.EOF, got %v", err)
	}
}

func TestCreateStream_RejectsNotifications(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, fetch, authz.Request{})
	if _, err := h.mgr.CreateStream(testCtx(t), fetch, id, podtest.Notification("notifications/initialized", nil)); err == nil {
		t.Fatal("CreateStream accepted a notification")
	}
}

func TestStream_SkipsUnrelatedResponses(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	tr, _ := h.registry.Get(id)
	proc, _ := h.cluster.Proc(ns, id)

	sub, err := tr.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s := &Stream{sub: sub, want: jsonrpc.NewRequestID(5), lagBudget: 3}
	defer s.Close()

	for _, v := range []any{
		map[string]any{"jsonrpc": "2.0", "id": 4, "result": map[string]any{}},
		map[string]any{"jsonrpc": "2.0", "id": "5", "result": map[string]any{}},
		json.RawMessage(podtest.Notification("notifications/progress", map[string]any{"progress": 1})),
		map[string]any{"jsonrpc": "2.0", "id": 5, "result": map[string]any{"ok": true}},
	} {
		if err := proc.Emit(v); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m := decode(t, ev.Value); m.Method != "notifications/progress" {
		t.Fatalf("want progress notification, got %s", ev.Value)
	}
	ev, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m := decode(t, ev.Value); !m.ID.Equal(jsonrpc.NewRequestID(5)) {
		t.Fatalf("want response 5, got %s", ev.Value)
	}
}

func TestStream_RelayExit(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	tr, _ := h.registry.Get(id)

	sub1, _ := tr.Subscribe()
	sub2, _ := tr.Subscribe()
	pending := &Stream{sub: sub1, want: jsonrpc.NewRequestID(1), lagBudget: 3}
	standalone := &Stream{sub: sub2}

	if err := h.cluster.Client.CoreV1().Pods(ns).Delete(ctx, id, metav1.DeleteOptions{}); err != nil {
		t.Fatalf("delete pod: %v", err)
	}

	if _, err := pending.Next(ctx); !errors.Is(err, ErrTransport) {
		t.Fatalf("request stream: want ErrTransport, got %v", err)
	}
	if _, err := standalone.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("standalone stream: want io.EOF, got %v", err)
	}
}

func TestStandaloneStream_SkipsResponses(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	proc, _ := h.cluster.Proc(ns, id)

	s, err := h.mgr.CreateStandaloneStream(ctx, fetch, id)
	if err != nil {
		t.Fatalf("CreateStandaloneStream: %v", err)
	}
	defer s.Close()

	if err := h.mgr.AcceptMessage(ctx, fetch, id, podtest.Request(7, "ping", nil)); err != nil {
		t.Fatalf("AcceptMessage: %v", err)
	}
	if _, err := proc.WaitReceived(ctx, 1); err != nil {
		t.Fatalf("WaitReceived: %v", err)
	}
	if err := proc.Emit(json.RawMessage(podtest.Request("srv-1", "roots/list", nil))); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m := decode(t, ev.Value); m.Kind() != jsonrpc.KindRequest || m.Method != "roots/list" {
		t.Fatalf("want server request roots/list, got %s", ev.Value)
	}
}

func TestResume_NoReplay(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	proc, _ := h.cluster.Proc(ns, id)

	first, err := h.mgr.CreateStandaloneStream(ctx, fetch, id)
	if err != nil {
		t.Fatalf("CreateStandaloneStream: %v", err)
	}
	defer first.Close()
	if err := proc.Emit(json.RawMessage(podtest.Notification("notifications/message", map[string]any{"data": "before"}))); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	before, err := first.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	resumed, err := h.mgr.Resume(ctx, fetch, id, strconv.FormatUint(before.Seq, 10))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer resumed.Close()
	if err := proc.Emit(json.RawMessage(podtest.Notification("notifications/message", map[string]any{"data": "after"}))); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	ev, err := resumed.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !strings.Contains(string(ev.Value), `"after"`) {
		t.Fatalf("resumed stream: want only the later message, got %s", ev.Value)
	}
}

func TestLazyReattach(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})
	old, _ := h.registry.Get(id)
	_ = old.Close()

	// A new process has an empty registry but the same cluster.
	h.mgr = h.manager()
	ok, err := h.mgr.HasSession(ctx, fetch, id, authz.Request{})
	if err != nil || !ok {
		t.Fatalf("HasSession after restart: ok=%v err=%v", ok, err)
	}
	if _, err := h.mgr.InitializeSession(ctx, fetch, id, initialize("again")); err != nil {
		t.Fatalf("InitializeSession after restart: %v", err)
	}
	if n := h.cluster.Attaches(ns, id); n != 2 {
		t.Fatalf("attaches: want 2, got %d", n)
	}
	tr, _ := h.registry.Get(id)
	t.Cleanup(func() { _ = tr.Close() })
}

func TestTransportOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})

	if _, err := h.mgr.CreateStandaloneStream(ctx, other, id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("other template: want ErrSessionNotFound, got %v", err)
	}
	if err := h.mgr.AcceptMessage(ctx, Target{Namespace: "team-b"}, id, podtest.Notification("x", nil)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("other namespace: want ErrSessionNotFound, got %v", err)
	}
	if _, err := h.mgr.CreateStandaloneStream(ctx, fetch, "mcp-unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown id: want ErrSessionNotFound, got %v", err)
	}
}

func TestForeignPodUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	foreign := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "postgres-0", Namespace: ns, Labels: map[string]string{"app": "postgres"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	if err := h.cluster.AddPod(foreign); err != nil {
		t.Fatal(err)
	}

	target := Target{Namespace: ns}
	if _, err := h.mgr.CreateStandaloneStream(ctx, target, "postgres-0"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stream: want ErrSessionNotFound, got %v", err)
	}
	if err := h.mgr.AcceptMessage(ctx, target, "postgres-0", podtest.Notification("x", nil)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("accept: want ErrSessionNotFound, got %v", err)
	}
	if err := h.mgr.Touch(ctx, target, "postgres-0"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("touch: want ErrSessionNotFound, got %v", err)
	}

	if n := h.cluster.Attaches(ns, "postgres-0"); n != 0 {
		t.Fatalf("want 0 attaches, got %d", n)
	}
	pod, _, err := h.cluster.GetPod(ctx, ns, "postgres-0")
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	if v, ok := pod.Annotations[kube.LastAccessAnnotation]; ok {
		t.Fatalf("foreign pod annotated with %q", v)
	}
}

func TestTouch(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	id := h.create(t, fetch, authz.Request{})

	if err := h.mgr.Touch(ctx, fetch, id); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	pod, _, err := h.cluster.GetPod(ctx, ns, id)
	if err != nil {
		t.Fatalf("GetPod: %v", err)
	}
	v, ok := pod.Annotations[kube.LastAccessAnnotation]
	if !ok {
		t.Fatalf("annotation %s not set", kube.LastAccessAnnotation)
	}
	if _, err := kube.ParseLastAccess(v); err != nil {
		t.Fatalf("annotation %q: %v", v, err)
	}
}
