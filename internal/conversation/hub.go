// ABOUTME: Registry of per-session conversation models
// ABOUTME: Lazily constructs models and hands out the shared broadcaster

package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ochre-gateway/internal/dedupe"
	"github.com/2389/ochre-gateway/internal/runner"
	"github.com/2389/ochre-gateway/internal/store"
)

const (
	// seenTTL is how long terminal requestIds stay deduplicated.
	seenTTL = time.Hour
	// seenMaxSize caps the dedupe cache across all sessions.
	seenMaxSize = 4096
)

// Hub owns the per-session models. Lookups are keyed by session id; a model
// is created on first use and lives for the process lifetime. Models share
// one broadcaster and one requestId dedupe cache.
type Hub struct {
	store        store.Store
	runner       runner.Runner
	broadcaster  *Broadcaster
	seen         *dedupe.Cache
	defaultModel string
	logger       *slog.Logger

	mu     sync.Mutex
	models map[string]*Model
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(st store.Store, rn runner.Runner, defaultModel string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:        st,
		runner:       rn,
		broadcaster:  NewBroadcaster(logger),
		seen:         dedupe.New(seenTTL, seenMaxSize),
		defaultModel: defaultModel,
		logger:       logger.With("component", "hub"),
		models:       make(map[string]*Model),
	}
}

// GetOrCreate returns the model for a session, constructing it on first use.
// It does not verify the session row exists; callers gate on the store.
func (h *Hub) GetOrCreate(sessionID string) *Model {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.models[sessionID]; ok {
		return m
	}

	m := newModel(sessionID, h.store, h.runner, h.broadcaster, h.seen, h.defaultModel, h.logger)
	h.models[sessionID] = m
	h.logger.Debug("model created", "session_id", sessionID)
	return m
}

// Broadcaster exposes the shared fan-out for transports to subscribe on.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// Len returns the number of instantiated models.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.models)
}

// Close cancels every in-flight run and shuts down the fan-out.
func (h *Hub) Close() {
	h.mu.Lock()
	models := make([]*Model, 0, len(h.models))
	for _, m := range h.models {
		models = append(models, m)
	}
	h.mu.Unlock()

	for _, m := range models {
		m.Cancel("shutdown")
	}
	h.broadcaster.Close()
	h.seen.Close()
	h.logger.Debug("hub closed")
}
