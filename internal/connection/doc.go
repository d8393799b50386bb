// Package connection implements the connection manager for a remote robot.
//
// The manager:
//   - Owns the single physical connection (direct WebSocket or WebRTC)
//   - Serializes connect/disconnect; concurrent connects share one dial
//   - Saves auth credentials for reconnects
//   - Hands out the live channel to typed service clients, decorated with
//     session metadata unless sessions are disabled
package connection
