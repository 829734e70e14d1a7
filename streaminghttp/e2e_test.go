package streaminghttp_test

import (
	"net/http"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// authRT injects an Authorization header for test requests.
type authRT struct {
	base  http.RoundTripper
	token string
}

func (t authRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

func connect(t *testing.T, endpoint string, hc *http.Client) *sdk.ClientSession {
	t.Helper()
	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: hc}
	cs, err := client.Connect(t.Context(), transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return cs
}

// onlyPod returns the name of the single session Pod in the cluster.
func onlyPod(t *testing.T, g *gateway) string {
	t.Helper()
	list, err := g.cluster.Client.CoreV1().Pods(ns).List(t.Context(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("list pods: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("pods: want 1, got %d", len(list.Items))
	}
	return list.Items[0].Name
}

// TestE2E_SDKClient drives a session Pod through the gateway with the
// reference MCP client: initialize, list tools, call a tool.
func TestE2E_SDKClient(t *testing.T) {
	g := newGateway(t)
	ctx := t.Context()

	cs := connect(t, g.srv.URL+"/team-a/fetch/mcp", http.DefaultClient)
	id := onlyPod(t, g)
	if want := "podtest-" + id; cs.InitializeResult().ServerInfo.Name != want {
		t.Fatalf("server name: want %q, got %q", want, cs.InitializeResult().ServerInfo.Name)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 2 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("unexpected call result: %+v", res)
	}
	if text, ok := res.Content[0].(*sdk.TextContent); !ok || text.Text != "hello" {
		t.Fatalf("content: want text hello, got %#v", res.Content[0])
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestE2E_SDKClient_BoundTemplate(t *testing.T) {
	g := newGateway(t)
	ctx := t.Context()

	hc := &http.Client{Transport: authRT{base: http.DefaultTransport, token: "good"}}
	cs := connect(t, g.srv.URL+"/team-a/gated/mcp", hc)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "burst", Arguments: map[string]any{"count": 3}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if text, ok := res.Content[0].(*sdk.TextContent); !ok || text.Text != "burst 3" {
		t.Fatalf("content: want text burst 3, got %#v", res.Content[0])
	}

	denied := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	if _, err := denied.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: g.srv.URL + "/team-a/gated/mcp"}, &sdk.ClientSessionOptions{}); err == nil {
		t.Fatal("tokenless client connected to bound template")
	}
}
