// Package ws is the websocket transport adapter. It upgrades connections,
// answers hello with a point-in-time snapshot, forwards chat.send to the
// session model, and copies broadcast frames out. It holds no conversation
// state of its own.
package ws
