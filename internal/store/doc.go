// Package store provides persistent storage for sessions and the ordered
// message transcript, backed by SQLite. The messages table's autoincrement
// seq is the transcript order; rows are append-mostly, with segment rows
// rewritten once at flush.
package store
