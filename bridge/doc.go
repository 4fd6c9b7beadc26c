// Package bridge lets an agent call operations on external tool provider
// processes through one uniform interface.
//
// Providers are described by a static Registry of launch specs. A
// SessionManager spawns each provider lazily, performs the MCP handshake and
// discovery, and keeps at most one live session per provider. The Bridge
// dispatches calls: it serves idempotent operations from a per-provider
// ResponseCache, rejects operations absent from the SchemaCache, serializes
// calls to one provider in arrival order while letting distinct providers run
// in parallel, and reports every outcome as a CallResult whose error carries a
// stable ErrorKind.
package bridge
