// Package mcp contains the protocol-level data types exchanged between
// clients and servers: the initialization handshake shapes, capability
// advertisements, lifecycle notifications, and the task polling surface.
//
// The package is deliberately transport-free; encoding beyond plain JSON
// tags lives with the transports.
package mcp
