// Package gateway assembles the server: configuration, the sqlite store,
// the agent runner, the conversation hub, and the HTTP surface (REST
// session management, SSE chat fallback, and the websocket mount).
package gateway
