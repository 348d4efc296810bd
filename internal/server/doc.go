// Package server implements the chat connection core: the websocket
// handshake, the per-connection read and write pumps, the frame dispatch
// state machine, and the HTTP surface around them.
//
// The Hub owns the shared state (connection registry, subscription index,
// message store) and every Client runs one goroutine reading frames in
// arrival order and one goroutine writing its outbound buffer.
package server
