// Package session owns the lifecycle of MCP sessions. A session is a Pod
// rendered from a catalog Template plus, while someone is talking to it, a
// Transport attached to the Pod's stdio.
//
// No session state lives outside the cluster: the Pod and its last-access
// annotation are the session record, so any gateway replica can serve any
// session and a restarted gateway reattaches lazily.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-pod-gateway/authz"
	"github.com/ggoodman/mcp-pod-gateway/catalog"
	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
	"github.com/ggoodman/mcp-pod-gateway/internal/podspec"
	"github.com/ggoodman/mcp-pod-gateway/transport"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

var (
	// ErrSessionNotFound means the session's Pod is gone, terminating or
	// belongs to a different Template.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrTemplateNotFound means the addressed Template does not exist.
	ErrTemplateNotFound = errors.New("session: template not found")
	// ErrConfiguration means the Template references catalog records that are
	// missing or cannot be rendered into a Pod.
	ErrConfiguration = errors.New("session: configuration error")
	// ErrProvisioning means the cluster rejected the Pod or it never became
	// attachable.
	ErrProvisioning = errors.New("session: provisioning failed")
	// ErrTransport means the relay to the Pod failed mid-exchange.
	ErrTransport = errors.New("session: transport failed")
)

// IDPrefix starts every generated session id.
const IDPrefix = "mcp-"

// Target addresses the Template a session belongs to. Template may be empty
// for callers that only know the namespace; the ownership check is then
// skipped.
type Target struct {
	Namespace string
	Template  string
}

func (t Target) String() string {
	if t.Template == "" {
		return t.Namespace
	}
	return t.Namespace + "/" + t.Template
}

// Manager creates, resolves and closes sessions.
type Manager struct {
	client   kubernetes.Interface
	catalog  *catalog.Reader
	gate     *authz.Gate
	registry *transport.Registry
	dialer   *transport.Dialer

	log       *slog.Logger
	newID     func() string
	lagBudget int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithIDGenerator overrides how session ids are minted. Ids become Pod names
// and must be valid DNS labels.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) {
		if f != nil {
			m.newID = f
		}
	}
}

// WithLagBudget sets how many gaps a request stream tolerates before it
// gives up on its response.
func WithLagBudget(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.lagBudget = n
		}
	}
}

// NewManager creates a Manager. The registry is shared with anything else
// that needs to find live Transports, such as the proxy.
func NewManager(client kubernetes.Interface, reader *catalog.Reader, gate *authz.Gate, registry *transport.Registry, dialer *transport.Dialer, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		catalog:   reader,
		gate:      gate,
		registry:  registry,
		dialer:    dialer,
		newID:     func() string { return IDPrefix + uuid.NewString() },
		lagBudget: transport.DefaultLagBudget,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logctx.Wrap(m.log)
	return m
}

// CreateSession provisions a Pod for target and attaches to it. The session
// id is returned only once the Transport is live. A Pod that was created but
// could not be attached is deleted again.
func (m *Manager) CreateSession(ctx context.Context, target Target, req authz.Request) (string, error) {
	tpl, err := m.template(ctx, target)
	if err != nil {
		return "", err
	}
	desc, err := m.descriptor(ctx, tpl)
	if err != nil {
		return "", err
	}
	if err := m.gate.Check(ctx, desc, req); err != nil {
		return "", err
	}

	in := podspec.Input{SessionID: m.newID(), Template: tpl}
	if tpl.ResourceLimit != "" {
		lim, err := m.catalog.GetResourceLimit(ctx, tpl.Namespace, tpl.ResourceLimit)
		if err != nil {
			return "", configErr(err, "resource limit %q", tpl.ResourceLimit)
		}
		in.Limit = lim
	}
	if names := tpl.SecretNames(); len(names) > 0 {
		in.Secrets = make(map[string]*catalog.Secret, len(names))
		for _, name := range names {
			sec, err := m.catalog.GetSecret(ctx, tpl.Namespace, name)
			if err != nil {
				return "", configErr(err, "secret %q", name)
			}
			in.Secrets[name] = sec
		}
	}

	pod, err := podspec.Render(in)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	id := pod.Name
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Namespace: tpl.Namespace, Template: tpl.Name})

	if _, err := m.client.CoreV1().Pods(tpl.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		m.log.ErrorContext(ctx, "session.create.fail", slog.String("stage", "pod"), slog.String("err", err.Error()))
		return "", fmt.Errorf("%w: create pod: %w", ErrProvisioning, err)
	}

	if _, err := m.registry.GetOrCreate(ctx, id, m.dial(tpl.Namespace, id)); err != nil {
		m.log.ErrorContext(ctx, "session.create.fail", slog.String("stage", "attach"), slog.String("err", err.Error()))
		delCtx := context.WithoutCancel(ctx)
		if derr := m.deletePod(delCtx, tpl.Namespace, id); derr != nil && !apierrors.IsNotFound(derr) {
			m.log.WarnContext(ctx, "session.cleanup.fail", slog.String("err", derr.Error()))
		}
		return "", fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	m.log.InfoContext(ctx, "session.create.ok")
	return id, nil
}

// InitializeSession forwards the client's initialize request and returns the
// server's response.
func (m *Manager) InitializeSession(ctx context.Context, target Target, id string, msg jsonrpc.Message) (jsonrpc.Message, error) {
	t, err := m.transport(ctx, target, id)
	if err != nil {
		return nil, err
	}
	resp, err := t.Request(ctx, msg)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	return resp, nil
}

// HasSession reports whether id is a live session of target. The cluster is
// consulted rather than the registry, since a Pod may outlive the gateway
// process that created it.
func (m *Manager) HasSession(ctx context.Context, target Target, id string, req authz.Request) (bool, error) {
	if err := m.authorize(ctx, target, req); err != nil {
		return false, err
	}
	_, err := m.ownedPod(ctx, target, id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CloseSession deletes the session's Pod. A relay attached to it observes
// end-of-stream and cleans up after itself.
func (m *Manager) CloseSession(ctx context.Context, target Target, id string, req authz.Request) error {
	if err := m.authorize(ctx, target, req); err != nil {
		return err
	}
	if _, err := m.ownedPod(ctx, target, id); err != nil {
		return err
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Namespace: target.Namespace, Template: target.Template})
	m.registry.Remove(id)
	if err := m.deletePod(ctx, target.Namespace, id); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%s", ErrSessionNotFound, target.Namespace, id)
		}
		m.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		return fmt.Errorf("%w: delete pod: %w", ErrProvisioning, err)
	}
	m.log.InfoContext(ctx, "session.close.ok")
	return nil
}

// CreateStream forwards a request and returns a stream of everything the Pod
// emits until the response to that request.
func (m *Manager) CreateStream(ctx context.Context, target Target, id string, msg jsonrpc.Message) (*Stream, error) {
	req, err := jsonrpc.Decode(msg)
	if err != nil {
		return nil, err
	}
	if req.Kind() != jsonrpc.KindRequest {
		return nil, fmt.Errorf("session: %s cannot open a stream", req.Kind())
	}

	t, err := m.transport(ctx, target, id)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	if err := t.Send(ctx, msg); err != nil {
		sub.Close()
		return nil, transportErr(ctx, err)
	}
	return &Stream{sub: sub, want: req.ID, lagBudget: m.lagBudget}, nil
}

// CreateStandaloneStream returns a stream of server-initiated requests and
// notifications. Responses are never delivered on it.
func (m *Manager) CreateStandaloneStream(ctx context.Context, target Target, id string) (*Stream, error) {
	t, err := m.transport(ctx, target, id)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	return &Stream{sub: sub}, nil
}

// Resume reopens a standalone stream. Messages emitted while the client was
// away are not replayed; the stream starts with whatever the Pod writes next.
func (m *Manager) Resume(ctx context.Context, target Target, id string, lastEventID string) (*Stream, error) {
	m.log.DebugContext(ctx, "session.resume", slog.String("session", id), slog.String("last_event_id", lastEventID))
	return m.CreateStandaloneStream(ctx, target, id)
}

// AcceptMessage forwards a notification or response without waiting for
// anything in return.
func (m *Manager) AcceptMessage(ctx context.Context, target Target, id string, msg jsonrpc.Message) error {
	t, err := m.transport(ctx, target, id)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, msg); err != nil {
		return transportErr(ctx, err)
	}
	return nil
}

// Touch stamps the session's last-access annotation.
func (m *Manager) Touch(ctx context.Context, target Target, id string) error {
	t, err := m.transport(ctx, target, id)
	if err != nil {
		return err
	}
	if err := t.Touch(ctx); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%s", ErrSessionNotFound, target.Namespace, id)
		}
		return transportErr(ctx, err)
	}
	return nil
}

// transport returns the live Transport for id, attaching to the Pod when this
// process has none yet.
func (m *Manager) transport(ctx context.Context, target Target, id string) (*transport.Transport, error) {
	t, err := m.registry.GetOrCreate(ctx, id, m.dial(target.Namespace, id))
	switch {
	case errors.Is(err, transport.ErrPodNotFound), errors.Is(err, transport.ErrPodTerminated):
		return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	case err != nil:
		return nil, transportErr(ctx, err)
	}
	if t.Namespace() != target.Namespace || (target.Template != "" && t.Template() != target.Template) {
		return nil, fmt.Errorf("%w: %s is not a session of %s", ErrSessionNotFound, id, target)
	}
	return t, nil
}

func (m *Manager) dial(namespace, id string) transport.DialFunc {
	return func(ctx context.Context) (*transport.Transport, error) {
		return m.dialer.Dial(ctx, namespace, id)
	}
}

// ownedPod fetches the session Pod and checks that it is a live gateway Pod
// rendered from the addressed Template.
func (m *Manager) ownedPod(ctx context.Context, target Target, id string) (*corev1.Pod, error) {
	pod, err := m.client.CoreV1().Pods(target.Namespace).Get(ctx, id, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, target.Namespace, id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get pod %s/%s: %w", target.Namespace, id, err)
	}
	switch {
	case pod.DeletionTimestamp != nil,
		pod.Labels[kube.ManagedByLabel] != kube.ManagedByValue,
		target.Template != "" && pod.Labels[kube.TemplateLabel] != target.Template:
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, target.Namespace, id)
	}
	return pod, nil
}

func (m *Manager) authorize(ctx context.Context, target Target, req authz.Request) error {
	tpl, err := m.template(ctx, target)
	if err != nil {
		return err
	}
	desc, err := m.descriptor(ctx, tpl)
	if err != nil {
		return err
	}
	return m.gate.Check(ctx, desc, req)
}

func (m *Manager) template(ctx context.Context, target Target) (*catalog.Template, error) {
	tpl, err := m.catalog.GetTemplate(ctx, target.Namespace, target.Template)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, target)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load template %s: %w", target, err)
	}
	return tpl, nil
}

// descriptor resolves how callers of tpl are authorized. A Template without
// an Authorization reference is anonymous; a dangling reference is a
// configuration error, never a silent downgrade to anonymous.
func (m *Manager) descriptor(ctx context.Context, tpl *catalog.Template) (authz.Descriptor, error) {
	if tpl.Authorization == "" {
		return authz.Anonymous{}, nil
	}
	a, err := m.catalog.GetAuthorization(ctx, tpl.Namespace, tpl.Authorization)
	if err != nil {
		return nil, configErr(err, "authorization %q", tpl.Authorization)
	}
	switch a.Mode {
	case catalog.AuthorizationAnonymous:
		return authz.Anonymous{}, nil
	case catalog.AuthorizationServiceAccount:
		return authz.ServiceAccountBound{
			Namespace:          tpl.Namespace,
			ServiceAccountName: authz.DeriveServiceAccountName(a.Name),
		}, nil
	default:
		return nil, fmt.Errorf("%w: authorization %q has unknown mode %q", ErrConfiguration, a.Name, a.Mode)
	}
}

func (m *Manager) deletePod(ctx context.Context, namespace, id string) error {
	return m.client.CoreV1().Pods(namespace).Delete(ctx, id, metav1.DeleteOptions{})
}

func configErr(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, what, err)
	}
	return fmt.Errorf("session: load %s: %w", what, err)
}

func transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
