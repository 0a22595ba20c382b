// Package conversation turns agent event streams into a durable, ordered
// transcript and a live frame feed.
//
// The Model is the per-session authority: it serializes submissions and
// runner callbacks through one mutex, buffers streamed assistant text in
// memory, and persists each contiguous segment exactly once, at a tool
// boundary or at run termination. The Hub constructs models lazily and the
// Broadcaster fans frames out to however many connections are watching a
// session. Transports stay dumb pipes; all run state lives here.
package conversation
