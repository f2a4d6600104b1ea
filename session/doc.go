// Package session layers the initialization handshake and protocol-version
// negotiation on top of the rpc correlation engine, and exposes the typed
// high-level operations both sides use.
//
// A ClientSession drives the single-shot initialize handshake. A
// ServerSession runs the NotInitialized -> Initializing -> Initialized state
// machine and gates inbound requests on it; in stateless mode the state is
// preset to Initialized and negotiation is a per-request formality.
package session
