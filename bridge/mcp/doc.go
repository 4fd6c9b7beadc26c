// Package mcp implements the client side of the Model Context Protocol as
// the bridge needs it: a JSON-RPC 2.0 client over a newline-framed stdio
// transport bound to a subprocess.
package mcp
