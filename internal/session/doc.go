// Package session keeps a server-side session alive across reconnects.
//
// The coordinator:
//   - Lazily negotiates a session the first time call metadata is requested
//   - Remembers whether the server supports sessions at all (sticky until reset)
//   - Resumes the previous session id after a reconnect
//   - Runs a background heartbeat at one-fifth of the server's expiry window
//   - Self-heals when a heartbeat detects the connection is gone
package session
