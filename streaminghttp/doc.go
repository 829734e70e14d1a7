// Package streaminghttp serves the MCP streamable HTTP transport in front of
// session Pods. Every Template is reachable at
//
//	/{namespace}/{template}/mcp
//
// and each MCP session on that path is backed by its own Pod.
//
// # Requests
//
//   - POST without Mcp-Session-Id must carry an initialize request. It
//     provisions a Pod, forwards the initialize exchange and answers with the
//     Pod's result as JSON plus the new Mcp-Session-Id header.
//   - POST of a request with a session header answers with an event stream
//     that carries whatever the Pod emits until the correlated response.
//   - POST of a notification or response is forwarded and answered with 202.
//   - GET opens the standalone event stream for server-initiated messages.
//     Last-Event-ID is accepted, but messages emitted while no stream was
//     open are not replayed.
//   - DELETE terminates the session and deletes its Pod.
//
// # Authorization
//
// A bearer token in the Authorization header is handed to the authorization
// gate together with the configured audience. Templates without an
// Authorization record accept anonymous callers. Rejections carry a Bearer
// WWW-Authenticate challenge: 401 without a token, 403 with one.
//
// Example (mount in net/http):
//
//	h := streaminghttp.New(manager, streaminghttp.WithAudience("mcp"))
//	http.ListenAndServe(":8080", h)
package streaminghttp
