// ABOUTME: Request identifier generation for chat submissions
// ABOUTME: Cryptographically random where available, degrading to pseudo-random

package ident

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	fallbackMu  sync.Mutex
	fallbackRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewRequestID mints a client request identifier. It prefers a
// crypto/rand-backed UUIDv4 and falls back to a pseudo-random UUID when
// system entropy is unavailable, so callers never see an error.
func NewRequestID() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()
	}

	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	id, err = uuid.NewRandomFromReader(fallbackRnd)
	if err == nil {
		return id.String()
	}
	// Last resort; still unique enough for a single client process.
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), fallbackRnd.Int63())
}

// NewMessageID mints a durable message row identifier.
func NewMessageID() string {
	return uuid.New().String()
}
