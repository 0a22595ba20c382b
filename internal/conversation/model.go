// ABOUTME: Per-session conversation state machine: the single source of truth for
// ABOUTME: in-flight runs, segment buffering, boundary flushes, and frame fan-out

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ochre-gateway/internal/dedupe"
	"github.com/2389/ochre-gateway/internal/runner"
	"github.com/2389/ochre-gateway/internal/store"
)

// Run status values.
const (
	RunRunning   = "running"
	RunDone      = "done"
	RunError     = "error"
	RunCancelled = "cancelled"
)

const (
	// historyLimit bounds snapshot and LLM transcript reads
	historyLimit = 400
	// toolOutputPreviewLimit bounds tool output carried on frames; the full
	// output is still persisted
	toolOutputPreviewLimit = 20000
	// saveTimeout bounds each persistence call so writes finish even when
	// the triggering request context is gone
	saveTimeout = 5 * time.Second
)

// Model owns one session's run state. All mutating calls are serialized
// through a single mutex so interleaved runner callbacks and connection
// traffic cannot corrupt segment state. Construction goes through the Hub.
type Model struct {
	sessionID    string
	store        store.Store
	runner       runner.Runner
	broadcaster  *Broadcaster
	seen         *dedupe.Cache
	defaultModel string
	logger       *slog.Logger

	mu     sync.Mutex
	active *activeRun
}

// activeRun tracks the at-most-one non-terminal run for the session.
type activeRun struct {
	requestID string
	model     string
	status    string
	startedAt time.Time
	endedAt   *time.Time
	cancel    context.CancelFunc
	open      *openSegment
}

// openSegment is the currently open contiguous span of assistant output.
// The message row exists (empty) from the first token; the buffer is written
// to it exactly once, at segment close.
type openSegment struct {
	messageID string
	buffer    strings.Builder
}

func newModel(sessionID string, st store.Store, rn runner.Runner, b *Broadcaster, seen *dedupe.Cache, defaultModel string, logger *slog.Logger) *Model {
	return &Model{
		sessionID:    sessionID,
		store:        st,
		runner:       rn,
		broadcaster:  b,
		seen:         seen,
		defaultModel: defaultModel,
		logger:       logger.With("component", "conversation", "session_id", sessionID),
	}
}

// Submit records a user message and starts a run for it. Resubmitting the
// requestId of the active or an already-finished run re-acknowledges with
// chat.started instead of duplicating the message or the run. A submission
// with a new requestId while a run is in flight cancels that run first.
func (m *Model) Submit(ctx context.Context, requestID, content, modelOverride string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if requestID == "" {
		return fmt.Errorf("requestId is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent resubmission of the in-flight run
	if m.active != nil && m.active.requestID == requestID {
		m.publish(FrameChatStarted, requestID, ChatStartedPayload{})
		return nil
	}

	// A requestId that already reached a terminal state is re-acked only
	if _, ok := m.seen.Get(m.seenKey(requestID)); ok {
		m.publish(FrameChatStarted, requestID, ChatStartedPayload{})
		return nil
	}

	// A newer submission supersedes the in-flight run
	if m.active != nil && m.active.status == RunRunning {
		m.cancelInFlightLocked("new_message")
	}

	model := modelOverride
	if model == "" {
		model = m.defaultModel
	}

	userMsg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		Role:      store.RoleUser,
		Content:   content,
		Meta:      map[string]any{"requestId": requestID},
	}
	if err := m.saveMessage(userMsg); err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}

	// The run, not any socket, owns execution: its context is detached from
	// the submitting connection.
	runCtx, cancel := context.WithCancel(context.Background())
	m.active = &activeRun{
		requestID: requestID,
		model:     model,
		status:    RunRunning,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	m.seen.Set(m.seenKey(requestID), RunRunning)

	m.logger.Debug("run started", "request_id", requestID, "model", model)

	// Segment messageId is allocated on first token, so the ack carries none.
	m.publish(FrameChatStarted, requestID, ChatStartedPayload{})

	go m.runGeneration(runCtx, requestID, model)
	return nil
}

// Cancel terminates the in-flight run, if any, flushing partial output.
func (m *Model) Cancel(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelInFlightLocked(reason)
}

// SystemMessage records and broadcasts an out-of-band system notice. It
// does not close an open segment.
func (m *Model) SystemMessage(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemMessageLocked("", content, map[string]any{"type": "notice"})
}

// Snapshot returns the durable transcript plus, when a segment is open, an
// overlay carrying its unflushed buffer. Computed under the model lock so
// the view is a consistent point in time.
func (m *Model) Snapshot(ctx context.Context) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := View{SessionID: m.sessionID}

	if m.active != nil {
		view.ActiveRun = m.runViewLocked()
		if m.active.open != nil {
			view.Overlays = &Overlays{Assistant: &AssistantOverlay{
				MessageID: m.active.open.messageID,
				Content:   m.active.open.buffer.String(),
			}}
		}
	}

	msgs, err := m.store.ListMessages(ctx, m.sessionID, historyLimit)
	if err != nil {
		return View{}, fmt.Errorf("reading transcript: %w", err)
	}

	view.Messages = make([]MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view.Messages = append(view.Messages, MessageView{
			Seq:       msg.Seq,
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			Meta:      msg.Meta,
		})
		if msg.Seq > view.LastSeq {
			view.LastSeq = msg.Seq
		}
	}
	return view, nil
}

// SessionID returns the session this model serves.
func (m *Model) SessionID() string {
	return m.sessionID
}

// ActiveRequestID returns the in-flight run's requestId, or "".
func (m *Model) ActiveRequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.requestID
}

// RequestSettled reports whether requestID already reached a terminal state.
// A resubmission of a settled request is acknowledged with chat.started only;
// no further frames follow.
func (m *Model) RequestSettled(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.requestID == requestID {
		return false
	}
	status, ok := m.seen.Get(m.seenKey(requestID))
	return ok && status != RunRunning
}

// runGeneration drives one run: it builds the LLM transcript, starts the
// runner, and translates runner events into model transitions. It runs on
// its own goroutine; every transition re-acquires the model lock and
// re-checks that this run is still the active one.
func (m *Model) runGeneration(ctx context.Context, requestID, model string) {
	msgs, err := m.transcriptForLLM(ctx)
	if err != nil {
		m.failRun(requestID, err)
		return
	}

	events, err := m.runner.Run(ctx, runner.Request{
		SessionID: m.sessionID,
		RequestID: requestID,
		Model:     model,
		Messages:  msgs,
	})
	if err != nil {
		m.failRun(requestID, err)
		return
	}

	for ev := range events {
		switch ev.Type {
		case runner.EventToken:
			m.onToken(requestID, ev.Text)
		case runner.EventToolStart:
			m.onToolStart(requestID, ev.Tool)
		case runner.EventToolOutput:
			m.onToolOutput(requestID, ev.Tool)
		case runner.EventToolEnd:
			m.onToolEnd(requestID, ev.Tool)
		case runner.EventDone:
			m.onDone(requestID)
		case runner.EventError:
			m.failRun(requestID, ev.Err)
		}
	}
	// A channel closed without a terminal event means the run was cancelled;
	// the cancelling path already settled the state.
}

// onToken opens a segment on first token (allocating its empty message row)
// and appends to the in-memory buffer. No durable write per token.
func (m *Model) onToken(requestID, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := m.activeIfLocked(requestID)
	if ar == nil {
		return
	}

	if ar.open == nil {
		msg := &store.Message{
			ID:        uuid.New().String(),
			SessionID: m.sessionID,
			Role:      store.RoleAssistant,
			Content:   "",
			Meta:      map[string]any{"streaming": true, "requestId": requestID, "segment": true},
		}
		if err := m.saveMessage(msg); err != nil {
			m.logger.Error("failed to allocate segment row", "error", err, "request_id", requestID)
			return
		}
		ar.open = &openSegment{messageID: msg.ID}
		m.publish(FrameSegmentStarted, requestID, SegmentStartedPayload{MessageID: msg.ID})
	}

	ar.open.buffer.WriteString(text)
	m.publish(FrameChatDelta, requestID, ChatDeltaPayload{Text: text, MessageID: ar.open.messageID})
}

// onToolStart closes any open segment (tool boundaries always terminate a
// segment) and records the invocation immediately.
func (m *Model) onToolStart(requestID string, tool *runner.ToolEvent) {
	if tool == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := m.activeIfLocked(requestID)
	if ar == nil {
		return
	}

	m.flushOpenSegmentLocked(map[string]any{"streaming": false})

	line := "▶ " + tool.Name
	if tool.ArgsPreview != "" {
		line += " " + tool.ArgsPreview
	}
	m.saveToolMessage(requestID, tool, line)
	m.publish(FrameToolStart, requestID, ToolStartPayload{
		Tool:        tool.Name,
		CallID:      tool.CallID,
		ArgsPreview: tool.ArgsPreview,
	})
}

// onToolOutput records the full tool output and broadcasts a bounded preview.
func (m *Model) onToolOutput(requestID string, tool *runner.ToolEvent) {
	if tool == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeIfLocked(requestID) == nil {
		return
	}

	m.saveToolMessage(requestID, tool, tool.Output)

	preview := tool.Output
	truncated := false
	if len(preview) > toolOutputPreviewLimit {
		preview = preview[:toolOutputPreviewLimit] +
			fmt.Sprintf("\n... (truncated, %d chars omitted)", len(tool.Output)-toolOutputPreviewLimit)
		truncated = true
	}
	m.publish(FrameToolOutput, requestID, ToolOutputPayload{
		Tool:      tool.Name,
		CallID:    tool.CallID,
		Content:   preview,
		Truncated: truncated,
	})
}

// onToolEnd records the invocation result. Segment state is unaffected; the
// segment was already closed by onToolStart.
func (m *Model) onToolEnd(requestID string, tool *runner.ToolEvent) {
	if tool == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeIfLocked(requestID) == nil {
		return
	}

	outcome := "ok"
	if !tool.OK {
		outcome = "error"
	}
	line := fmt.Sprintf("■ %s %s (%dms)", tool.Name, outcome, tool.Duration.Milliseconds())
	m.saveToolMessage(requestID, tool, line)
	m.publish(FrameToolEnd, requestID, ToolEndPayload{
		Tool:       tool.Name,
		CallID:     tool.CallID,
		OK:         tool.OK,
		DurationMs: tool.Duration.Milliseconds(),
	})
}

// onDone flushes the open segment and settles the run as done.
func (m *Model) onDone(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := m.activeIfLocked(requestID)
	if ar == nil {
		return
	}

	m.flushOpenSegmentLocked(map[string]any{"streaming": false})
	m.settleLocked(ar, RunDone)
	m.publish(FrameChatDone, requestID, ChatDonePayload{OK: true})
}

// failRun flushes partial output (never discarded) and settles as error.
func (m *Model) failRun(requestID string, err error) {
	if err == nil {
		err = fmt.Errorf("agent run failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ar := m.activeIfLocked(requestID)
	if ar == nil {
		return
	}

	m.flushOpenSegmentLocked(map[string]any{"streaming": false, "error": true})
	m.settleLocked(ar, RunError)

	notice := fmt.Sprintf("Chat error: %v", err)
	m.systemMessageLocked(requestID, notice, map[string]any{"type": "error", "requestId": requestID})
	m.publish(FrameChatError, requestID, ChatErrorPayload{Message: err.Error()})

	m.logger.Warn("run failed", "request_id", requestID, "error", err)
}

// cancelInFlightLocked stops the active run, flushes partial output, and
// records a cancellation notice in the transcript.
func (m *Model) cancelInFlightLocked(reason string) {
	ar := m.active
	if ar == nil || ar.status != RunRunning {
		return
	}

	ar.cancel()
	m.flushOpenSegmentLocked(map[string]any{"streaming": false, "cancelled": true})
	m.settleLocked(ar, RunCancelled)

	notice := fmt.Sprintf("Generation cancelled (%s).", reason)
	m.systemMessageLocked(ar.requestID, notice, map[string]any{
		"type":      "cancel",
		"requestId": ar.requestID,
		"reason":    reason,
	})
	m.publish(FrameChatCancelled, ar.requestID, ChatCancelledPayload{Reason: reason})

	m.logger.Debug("run cancelled", "request_id", ar.requestID, "reason", reason)
}

// settleLocked moves the run to a terminal status and clears it.
func (m *Model) settleLocked(ar *activeRun, status string) {
	now := time.Now()
	ar.status = status
	ar.endedAt = &now
	m.seen.Set(m.seenKey(ar.requestID), status)
	m.active = nil
}

// flushOpenSegmentLocked writes the buffer to the segment's message row
// (the single content rewrite that row ever gets) and closes the segment.
func (m *Model) flushOpenSegmentLocked(meta map[string]any) {
	ar := m.active
	if ar == nil || ar.open == nil {
		return
	}

	merged := map[string]any{"requestId": ar.requestID, "segment": true}
	for k, v := range meta {
		merged[k] = v
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.store.UpdateMessageContent(saveCtx, ar.open.messageID, ar.open.buffer.String(), merged); err != nil {
		m.logger.Error("failed to flush segment",
			"error", err,
			"message_id", ar.open.messageID,
			"request_id", ar.requestID)
	}
	ar.open = nil
}

// activeIfLocked returns the active run when it matches requestID and is
// still running; stale runner callbacks get nil and are dropped.
func (m *Model) activeIfLocked(requestID string) *activeRun {
	if m.active == nil || m.active.requestID != requestID || m.active.status != RunRunning {
		return nil
	}
	return m.active
}

func (m *Model) runViewLocked() *RunView {
	ar := m.active
	view := &RunView{
		RequestID: ar.requestID,
		Status:    ar.status,
		Model:     ar.model,
		StartedAt: ar.startedAt.UTC().Format(time.RFC3339Nano),
	}
	if ar.endedAt != nil {
		ended := ar.endedAt.UTC().Format(time.RFC3339Nano)
		view.EndedAt = &ended
	}
	return view
}

// systemMessageLocked persists and broadcasts a system row.
func (m *Model) systemMessageLocked(requestID, content string, meta map[string]any) {
	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		Role:      store.RoleSystem,
		Content:   content,
		Meta:      meta,
	}
	if err := m.saveMessage(msg); err != nil {
		m.logger.Error("failed to save system message", "error", err)
	}
	m.publish(FrameSystemMessage, requestID, SystemMessagePayload{Content: content})
}

// saveToolMessage persists one tool row; failures are logged, the stream
// continues.
func (m *Model) saveToolMessage(requestID string, tool *runner.ToolEvent, content string) {
	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		Role:      store.RoleTool,
		Content:   content,
		Meta:      map[string]any{"name": tool.Name, "callId": tool.CallID, "requestId": requestID},
	}
	if err := m.saveMessage(msg); err != nil {
		m.logger.Error("failed to save tool message", "error", err, "tool", tool.Name)
	}
}

// saveMessage persists with its own timeout so writes outlive request
// contexts.
func (m *Model) saveMessage(msg *store.Message) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	return m.store.AddMessage(saveCtx, msg)
}

// transcriptForLLM projects the durable transcript into LLM turns. Tool
// rows and empty rows are transcript bookkeeping, not model context.
func (m *Model) transcriptForLLM(ctx context.Context) ([]runner.Message, error) {
	msgs, err := m.store.ListMessages(ctx, m.sessionID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	out := make([]runner.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case store.RoleUser, store.RoleAssistant, store.RoleSystem:
			if msg.Content != "" {
				out = append(out, runner.Message{Role: msg.Role, Content: msg.Content})
			}
		}
	}
	return out, nil
}

func (m *Model) publish(frameType, requestID string, payload any) {
	m.broadcaster.Publish(m.sessionID, NewFrame(frameType, requestID, payload))
}

func (m *Model) seenKey(requestID string) string {
	return m.sessionID + "/" + requestID
}
