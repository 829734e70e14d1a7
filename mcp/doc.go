// Package mcp contains the few Model Context Protocol types and method names
// the gateway itself has to understand. Everything else a session carries is
// relayed between client and Pod without being decoded.
//
// The gateway reads the initialize exchange (to require a well-formed
// handshake and to echo the negotiated protocol version in the
// Mcp-Protocol-Version header) and nothing beyond it. The tool and logging
// shapes are used by test servers that stand in for session Pods.
package mcp
