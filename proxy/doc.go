// Package proxy bridges newline-delimited JSON-RPC connections to sessions.
//
// A connection is not tied to a session when it opens. The first request or
// notification carrying a session token in its _meta binds it:
//
//	{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"_meta":{
//	    "mcp-pod-gateway/session":"mcp-6f1c...","mcp-pod-gateway/namespace":"team-a"}}}
//
// The first binding wins; later tokens are ignored. Until the connection is
// bound every request is answered with a method-not-found error naming the
// missing token.
//
// Once bound, requests are forwarded and answered with the Pod's correlated
// response, notifications and responses are forwarded without waiting, and
// everything the Pod emits on its own is written back to the connection.
//
//	Connection model : 1 connection <-> at most 1 session
//	Auth             : none; the session token is the capability
//	Transport        : line oriented JSON-RPC (stdio pipes or TCP)
package proxy
