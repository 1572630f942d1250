// Package session holds per-connection control-channel state shared by the
// bridge client and server.
//
// Ownership boundary:
// - timeouts and retry backoff for dial/handshake/request
// - the pending request-id table that multiplexes concurrent requests
package session
