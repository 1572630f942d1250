// Package protocol defines the sc-bridge control-channel envelope.
//
// A session is a sequence of websocket text frames. The first client frame
// is the raw bearer token; the server answers with an auth_ok envelope or
// drops the connection without writing anything. Every later frame is a
// JSON request carrying a client-chosen id that the response echoes.
package protocol
