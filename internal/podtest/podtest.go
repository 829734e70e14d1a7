// Package podtest simulates session Pods for tests: a fake clientset whose
// Pods come up Running and an Attacher that connects each Pod's stdio to a
// scripted MCP server.
package podtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/mcp"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

// Cluster is a fake cluster with attachable Pods.
type Cluster struct {
	Client *fake.Clientset

	mu       sync.Mutex
	phase    corev1.PodPhase
	now      func() time.Time
	procs    map[string][]*Proc
	attaches map[string]int
	failNext error
}

var _ kube.Attacher = (*Cluster)(nil)

// Option configures a Cluster.
type Option func(*Cluster)

// WithPhase sets the phase new Pods are created in. Default Running.
func WithPhase(p corev1.PodPhase) Option {
	return func(c *Cluster) { c.phase = p }
}

// WithClock sets the time used for Pod creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cluster) { c.now = now }
}

// NewCluster creates a cluster seeded with objects.
func NewCluster(opts ...Option) *Cluster {
	c := &Cluster{
		Client:   fake.NewSimpleClientset(),
		phase:    corev1.PodRunning,
		now:      time.Now,
		procs:    make(map[string][]*Proc),
		attaches: make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}

	gvr := corev1.SchemeGroupVersion.WithResource("pods")
	c.Client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod).DeepCopy()
		c.mu.Lock()
		pod.Status.Phase = c.phase
		pod.CreationTimestamp = metav1.NewTime(c.now())
		c.mu.Unlock()
		if err := c.Client.Tracker().Create(gvr, pod, action.GetNamespace()); err != nil {
			return true, nil, err
		}
		return true, pod, nil
	})
	c.Client.PrependReactor("delete", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		name := action.(k8stesting.DeleteAction).GetName()
		c.terminate(action.GetNamespace(), name)
		return false, nil, nil
	})
	return c
}

// AddPod stores a Pod directly, bypassing the create reactor.
func (c *Cluster) AddPod(pod *corev1.Pod) error {
	return c.Client.Tracker().Add(pod)
}

// SetPhase updates the phase of an existing Pod.
func (c *Cluster) SetPhase(ctx context.Context, namespace, name string, phase corev1.PodPhase) error {
	pod, err := c.Client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	pod.Status.Phase = phase
	_, err = c.Client.CoreV1().Pods(namespace).UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	return err
}

// FailNextAttach makes the next Attach call return err.
func (c *Cluster) FailNextAttach(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Attach implements kube.Attacher.
func (c *Cluster) Attach(ctx context.Context, namespace, pod, container string) (io.ReadWriteCloser, error) {
	if container != kube.ContainerName {
		return nil, fmt.Errorf("podtest: unknown container %q", container)
	}
	p, err := c.Client.CoreV1().Pods(namespace).Get(ctx, pod, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	if p.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("podtest: pod %s/%s is %s", namespace, pod, p.Status.Phase)
	}

	c.mu.Lock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		c.mu.Unlock()
		return nil, err
	}
	key := namespace + "/" + pod
	c.attaches[key]++
	proc := newProc(pod)
	c.procs[key] = append(c.procs[key], proc)
	c.mu.Unlock()

	go proc.serve()
	return proc.clientConn(), nil
}

// Attaches reports how many times a Pod has been attached.
func (c *Cluster) Attaches(namespace, pod string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attaches[namespace+"/"+pod]
}

// Proc returns the most recent server process attached for a Pod.
func (c *Cluster) Proc(namespace, pod string) (*Proc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	procs := c.procs[namespace+"/"+pod]
	if len(procs) == 0 {
		return nil, false
	}
	return procs[len(procs)-1], true
}

// GetPod fetches a Pod, reporting false when it does not exist.
func (c *Cluster) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, bool, error) {
	pod, err := c.Client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pod, true, nil
}

func (c *Cluster) terminate(namespace, name string) {
	c.mu.Lock()
	procs := c.procs[namespace+"/"+name]
	delete(c.procs, namespace+"/"+name)
	c.mu.Unlock()
	for _, p := range procs {
		p.kill()
	}
}

// Proc is a scripted MCP server attached to one Pod.
//
// It answers initialize (echoing the requested protocol version), ping,
// tools/list and tools/call. The "echo" tool returns its "text" argument and
// first emits a notifications/message for it. The "burst" tool emits "count"
// notifications before responding. Any other method is answered with
// method-not-found. Responses sent by the client are recorded and otherwise
// ignored.
type Proc struct {
	pod string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu  sync.Mutex
	mu       sync.Mutex
	received []jsonrpc.Message
	exited   chan struct{}
	killOnce sync.Once
}

func newProc(pod string) *Proc {
	p := &Proc{pod: pod, exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

// Received returns every message the server has read, in order.
func (p *Proc) Received() []jsonrpc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]jsonrpc.Message(nil), p.received...)
}

// WaitReceived polls until the server has read at least n messages.
func (p *Proc) WaitReceived(ctx context.Context, n int) ([]jsonrpc.Message, error) {
	for {
		if got := p.Received(); len(got) >= n {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return p.Received(), ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Emit writes a server-initiated message to the Pod's stdout.
func (p *Proc) Emit(v any) error {
	return p.write(v)
}

// EmitRaw writes a raw line, which need not be valid JSON.
func (p *Proc) EmitRaw(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// Exited is closed when the server stops.
func (p *Proc) Exited() <-chan struct{} { return p.exited }

func (p *Proc) kill() {
	p.killOnce.Do(func() {
		p.stdoutW.CloseWithError(io.EOF)
		p.stdinR.CloseWithError(io.ErrClosedPipe)
	})
}

func (p *Proc) clientConn() io.ReadWriteCloser {
	return &procConn{p: p}
}

type procConn struct {
	p    *Proc
	once sync.Once
}

func (c *procConn) Read(b []byte) (int, error)  { return c.p.stdoutR.Read(b) }
func (c *procConn) Write(b []byte) (int, error) { return c.p.stdinW.Write(b) }

func (c *procConn) Close() error {
	c.once.Do(func() {
		c.p.stdinW.Close()
		c.p.stdoutR.Close()
	})
	return nil
}

func (p *Proc) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdoutW.Write(append(b, '\n'))
	return err
}

func (p *Proc) serve() {
	defer close(p.exited)
	defer p.stdoutW.Close()

	sc := bufio.NewScanner(p.stdinR)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		p.mu.Lock()
		p.received = append(p.received, jsonrpc.Message(line))
		p.mu.Unlock()

		msg, err := jsonrpc.Decode(line)
		if err != nil {
			continue
		}
		if msg.Kind() != jsonrpc.KindRequest {
			continue
		}
		if err := p.handle(msg); err != nil {
			return
		}
	}
}

func (p *Proc) handle(msg *jsonrpc.AnyMessage) error {
	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		var req mcp.InitializeRequest
		_ = json.Unmarshal(msg.Params, &req)
		res := mcp.InitializeResult{
			ProtocolVersion: req.ProtocolVersion,
			Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: true}},
			ServerInfo:      mcp.ImplementationInfo{Name: "podtest-" + p.pod, Version: "0.0.1"},
		}
		return p.result(msg.ID, res)
	case mcp.PingMethod:
		return p.result(msg.ID, struct{}{})
	case mcp.ToolsListMethod:
		return p.result(msg.ID, mcp.ListToolsResult{Tools: tools})
	case mcp.ToolsCallMethod:
		var req mcp.CallToolRequest
		_ = json.Unmarshal(msg.Params, &req)
		return p.callTool(msg.ID, req)
	default:
		return p.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil))
	}
}

var tools = []mcp.Tool{
	{
		Name:        "echo",
		Description: "Echo the text argument",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{"text": {Type: "string"}},
		},
	},
	{
		Name:        "burst",
		Description: "Emit count notifications before answering",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{"count": {Type: "number"}},
		},
	},
}

// callTool runs one of the scripted tools. echo logs its text and returns
// it; burst emits count progress notifications first.
func (p *Proc) callTool(id *jsonrpc.RequestID, req mcp.CallToolRequest) error {
	switch req.Name {
	case "echo":
		text, _ := req.Arguments["text"].(string)
		if err := p.write(notification(mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotificationParams{Level: mcp.LoggingLevelInfo, Data: text})); err != nil {
			return err
		}
		return p.result(id, toolText(text))
	case "burst":
		count, _ := req.Arguments["count"].(float64)
		for i := 0; i < int(count); i++ {
			if err := p.write(notification(mcp.ProgressNotificationMethod, mcp.ProgressNotificationParams{ProgressToken: "burst", Progress: float64(i)})); err != nil {
				return err
			}
		}
		return p.result(id, toolText(fmt.Sprintf("burst %d", int(count))))
	default:
		return p.write(jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, "unknown tool "+req.Name, nil))
	}
}

func (p *Proc) result(id *jsonrpc.RequestID, v any) error {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return err
	}
	return p.write(resp)
}

func notification(method mcp.Method, params any) map[string]any {
	return map[string]any{"jsonrpc": jsonrpc.ProtocolVersion, "method": string(method), "params": params}
}

func toolText(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}
}

// Request builds an encoded JSON-RPC request.
func Request(id any, method string, params any) jsonrpc.Message {
	m := map[string]any{"jsonrpc": jsonrpc.ProtocolVersion, "id": id, "method": method}
	if params != nil {
		m["params"] = params
	}
	b, _ := json.Marshal(m)
	return b
}

// Notification builds an encoded JSON-RPC notification.
func Notification(method string, params any) jsonrpc.Message {
	m := notification(mcp.Method(method), params)
	if params == nil {
		delete(m, "params")
	}
	b, _ := json.Marshal(m)
	return b
}
