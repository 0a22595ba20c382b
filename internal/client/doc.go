// Package client implements the terminal-side half of the session protocol:
// a self-healing websocket (Socket) and a pure transcript reducer (Reducer).
// The socket owns connectivity, the reducer owns rendering state, and the
// two meet only through the frame stream.
package client
