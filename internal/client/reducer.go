// ABOUTME: Client-side frame reducer folding frames into a renderable transcript
// ABOUTME: Snapshot replaces, deltas append, tool frames correlate by callId

package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/ochre-gateway/internal/conversation"
)

// Reducer folds a frame stream into a render-ready transcript. It is the
// client-side mirror of the server model: it never talks to the network and
// it trusts snapshots over its own accumulated state. Stale frames (a
// requestId other than the one being tracked) are dropped, except snapshots
// and system messages which always apply.
type Reducer struct {
	mu sync.Mutex

	messages []conversation.MessageView
	byID     map[string]int // messageID -> index in messages

	activeRequestID string
	activeRun       *conversation.RunView
	openMessageID   string

	// toolByCall correlates tool.output frames to their tool rows
	toolByCall map[string]string // callID -> messageID

	// localSeq numbers optimistic rows so renders stay ordered before the
	// server assigns real seqs
	localSeq int64

	// lastSeq is the highest durable seq seen in a snapshot; hello frames
	// carry it
	lastSeq int64

	logger *slog.Logger
}

// NewReducer creates an empty reducer. Pass nil logger for default.
func NewReducer(logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		byID:       make(map[string]int),
		toolByCall: make(map[string]string),
		localSeq:   -1 << 20, // below any server seq
		logger:     logger.With("component", "reducer"),
	}
}

// Messages returns a copy of the transcript in render order.
func (r *Reducer) Messages() []conversation.MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversation.MessageView, len(r.messages))
	copy(out, r.messages)
	return out
}

// LastSeq returns the highest durable transcript seq applied so far, or 0.
func (r *Reducer) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// ActiveRequestID returns the requestId currently being tracked, or "".
func (r *Reducer) ActiveRequestID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeRequestID
}

// ActiveRun returns the tracked run view, or nil.
func (r *Reducer) ActiveRun() *conversation.RunView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeRun == nil {
		return nil
	}
	cp := *r.activeRun
	return &cp
}

// AddLocalUserMessage appends an optimistic user row before the server
// confirms it. The next snapshot replaces it with the durable row carrying
// the same requestId.
func (r *Reducer) AddLocalUserMessage(requestID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(conversation.MessageView{
		ID:        "local-" + requestID,
		Role:      "user",
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Meta:      map[string]any{"requestId": requestID, "local": true},
	})
	r.activeRequestID = requestID
}

// Apply folds one frame into the transcript.
func (r *Reducer) Apply(frame conversation.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch frame.Type {
	case conversation.FrameSnapshot:
		r.applySnapshotLocked(frame)
	case conversation.FrameSystemMessage:
		r.applySystemLocked(frame)
	default:
		if r.isStaleLocked(frame) {
			r.logger.Debug("dropping stale frame", "frame_type", frame.Type, "request_id", frame.RequestID)
			return
		}
		r.applyRunFrameLocked(frame)
	}
}

// isStaleLocked reports whether a run-scoped frame belongs to a superseded
// request.
func (r *Reducer) isStaleLocked(frame conversation.Frame) bool {
	if frame.RequestID == "" || r.activeRequestID == "" {
		return false
	}
	if frame.Type == conversation.FrameChatStarted {
		// chat.started for a new requestId moves tracking forward
		return false
	}
	return frame.RequestID != r.activeRequestID
}

func (r *Reducer) applySnapshotLocked(frame conversation.Frame) {
	var view conversation.View
	if err := frame.DecodePayload(&view); err != nil {
		r.logger.Debug("malformed snapshot", "error", err)
		return
	}

	// Keep optimistic rows the snapshot hasn't absorbed yet.
	confirmed := make(map[string]bool)
	for _, msg := range view.Messages {
		if rid, ok := msg.Meta["requestId"].(string); ok {
			confirmed[rid] = true
		}
	}
	var pendingLocal []conversation.MessageView
	for _, msg := range r.messages {
		if local, _ := msg.Meta["local"].(bool); !local {
			continue
		}
		if rid, _ := msg.Meta["requestId"].(string); !confirmed[rid] {
			pendingLocal = append(pendingLocal, msg)
		}
	}

	r.messages = nil
	r.byID = make(map[string]int)
	r.toolByCall = make(map[string]string)
	for _, msg := range view.Messages {
		r.appendLocked(msg)
		if callID, ok := msg.Meta["callId"].(string); ok && callID != "" {
			r.toolByCall[callID] = msg.ID
		}
	}
	for _, msg := range pendingLocal {
		r.appendLocked(msg)
	}

	if view.LastSeq > r.lastSeq {
		r.lastSeq = view.LastSeq
	}

	r.activeRun = view.ActiveRun
	r.openMessageID = ""
	if view.ActiveRun != nil {
		r.activeRequestID = view.ActiveRun.RequestID
	} else if len(pendingLocal) == 0 {
		r.activeRequestID = ""
	}

	// The overlay carries the unflushed tail of the open segment.
	if view.Overlays != nil && view.Overlays.Assistant != nil {
		ov := view.Overlays.Assistant
		r.openMessageID = ov.MessageID
		if idx, ok := r.byID[ov.MessageID]; ok {
			r.messages[idx].Content = ov.Content
		} else {
			r.appendLocked(conversation.MessageView{
				ID:      ov.MessageID,
				Role:    "assistant",
				Content: ov.Content,
				Meta:    map[string]any{"streaming": true},
			})
		}
	}
}

func (r *Reducer) applySystemLocked(frame conversation.Frame) {
	var payload conversation.SystemMessagePayload
	if err := frame.DecodePayload(&payload); err != nil {
		return
	}
	r.appendLocked(conversation.MessageView{
		ID:        fmt.Sprintf("sys-%d", len(r.messages)),
		Role:      "system",
		Content:   payload.Content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Reducer) applyRunFrameLocked(frame conversation.Frame) {
	switch frame.Type {
	case conversation.FrameChatStarted:
		if frame.RequestID != "" {
			r.activeRequestID = frame.RequestID
		}
		r.activeRun = &conversation.RunView{
			RequestID: frame.RequestID,
			Status:    "running",
			StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}

	case conversation.FrameSegmentStarted:
		var payload conversation.SegmentStartedPayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		r.openMessageID = payload.MessageID
		if _, ok := r.byID[payload.MessageID]; !ok {
			r.appendLocked(conversation.MessageView{
				ID:   payload.MessageID,
				Role: "assistant",
				Meta: map[string]any{"streaming": true, "requestId": frame.RequestID},
			})
		}

	case conversation.FrameChatDelta:
		var payload conversation.ChatDeltaPayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		target := payload.MessageID
		if target == "" {
			target = r.openMessageID
		}
		if idx, ok := r.byID[target]; ok {
			r.messages[idx].Content += payload.Text
			return
		}
		// Delta for a segment we never saw open (e.g. joined mid-run without
		// a snapshot yet): start one.
		if target == "" {
			target = fmt.Sprintf("seg-%d", len(r.messages))
		}
		r.openMessageID = target
		r.appendLocked(conversation.MessageView{
			ID:      target,
			Role:    "assistant",
			Content: payload.Text,
			Meta:    map[string]any{"streaming": true, "requestId": frame.RequestID},
		})

	case conversation.FrameToolStart:
		var payload conversation.ToolStartPayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		// Tool boundary closes the open segment.
		r.closeOpenSegmentLocked()
		line := "▶ " + payload.Tool
		if payload.ArgsPreview != "" {
			line += " " + payload.ArgsPreview
		}
		id := fmt.Sprintf("tool-%s-%d", payload.CallID, len(r.messages))
		r.appendLocked(conversation.MessageView{
			ID:      id,
			Role:    "tool",
			Content: line,
			Meta:    map[string]any{"callId": payload.CallID, "name": payload.Tool},
		})
		if payload.CallID != "" {
			r.toolByCall[payload.CallID] = id
		}

	case conversation.FrameToolOutput:
		var payload conversation.ToolOutputPayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		r.appendLocked(conversation.MessageView{
			ID:      fmt.Sprintf("toolout-%s-%d", payload.CallID, len(r.messages)),
			Role:    "tool",
			Content: payload.Content,
			Meta:    map[string]any{"callId": payload.CallID, "name": payload.Tool, "output": true},
		})

	case conversation.FrameToolEnd:
		var payload conversation.ToolEndPayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		outcome := "ok"
		if !payload.OK {
			outcome = "error"
		}
		r.appendLocked(conversation.MessageView{
			ID:      fmt.Sprintf("toolend-%s-%d", payload.CallID, len(r.messages)),
			Role:    "tool",
			Content: fmt.Sprintf("■ %s %s (%dms)", payload.Tool, outcome, payload.DurationMs),
			Meta:    map[string]any{"callId": payload.CallID, "name": payload.Tool},
		})

	case conversation.FrameChatDone, conversation.FrameChatCancelled, conversation.FrameChatError:
		r.closeOpenSegmentLocked()
		r.activeRequestID = ""
		r.activeRun = nil

	default:
		r.logger.Debug("ignoring unknown frame type", "frame_type", frame.Type)
	}
}

func (r *Reducer) closeOpenSegmentLocked() {
	if r.openMessageID == "" {
		return
	}
	if idx, ok := r.byID[r.openMessageID]; ok {
		if r.messages[idx].Meta == nil {
			r.messages[idx].Meta = map[string]any{}
		}
		r.messages[idx].Meta["streaming"] = false
	}
	r.openMessageID = ""
}

func (r *Reducer) appendLocked(msg conversation.MessageView) {
	if msg.Seq == 0 {
		r.localSeq++
		msg.Seq = r.localSeq
	}
	r.byID[msg.ID] = len(r.messages)
	r.messages = append(r.messages, msg)
}
