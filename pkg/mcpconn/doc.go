// Package mcpconn owns the persistent MCP client session for a single
// discovered instance. A Handle layers lifecycle phases, reconnection and
// capability-change fan-out on top of the modelcontextprotocol/go-sdk client
// so the discovery loop only has to decide when an instance exists.
//
// # Lifecycle
//
// A Handle starts in PhaseIdle. Connect dials the instance (Streamable HTTP,
// or SSE for endpoints ending in /sse), lists its tools and moves to
// PhaseConnected. When the session drops the Handle reports
// PhaseDisconnected and keeps redialing with a capped exponential delay until
// it reconnects or Close is called. Close is idempotent and may be called on
// a Handle that never connected.
//
// Subscribe delivers EventConnected, EventDisconnected and
// EventCapabilitiesChanged. Handlers run on the Handle's goroutines and must
// not block.
package mcpconn
