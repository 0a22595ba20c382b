// ABOUTME: Wire frame vocabulary for the session websocket protocol
// ABOUTME: Envelope with a closed type set per direction and typed payloads

package conversation

import (
	"encoding/json"
	"fmt"
)

// Client -> server frame types.
const (
	FrameHello    = "hello"
	FrameChatSend = "chat.send"
)

// Server -> client frame types.
const (
	FrameSnapshot       = "snapshot"
	FrameChatStarted    = "chat.started"
	FrameSegmentStarted = "assistant.segment.started"
	FrameChatDelta      = "chat.delta"
	FrameChatDone       = "chat.done"
	FrameChatCancelled  = "chat.cancelled"
	FrameChatError      = "chat.error"
	FrameToolStart      = "tool.start"
	FrameToolEnd        = "tool.end"
	FrameToolOutput     = "tool.output"
	FrameSystemMessage  = "system.message"
)

// Frame is the wire envelope. Payload shape depends on Type; unknown types
// must be logged and ignored by receivers, never misinterpreted.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame, encoding payload as JSON. A nil payload produces
// an empty payload field.
func NewFrame(frameType, requestID string, payload any) Frame {
	f := Frame{Type: frameType, RequestID: requestID}
	if payload == nil {
		return f
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload types are our own structs; failure here is a programming
		// error surfaced as an empty payload rather than a dropped frame.
		return f
	}
	f.Payload = data
	return f
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %q has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// HelloPayload requests a snapshot. LastSeq is accepted for forward
// compatibility with replay; the server always answers with a full snapshot.
type HelloPayload struct {
	LastSeq int64  `json:"lastSeq,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// ChatSendPayload submits a user message under the envelope's requestId.
type ChatSendPayload struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ChatStartedPayload acknowledges run acceptance. MessageID is null until
// the first token allocates the assistant segment row.
type ChatStartedPayload struct {
	MessageID *string `json:"messageId"`
}

// SegmentStartedPayload announces a freshly allocated assistant segment row.
type SegmentStartedPayload struct {
	MessageID string `json:"messageId"`
}

// ChatDeltaPayload carries one assistant text fragment.
type ChatDeltaPayload struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// ChatDonePayload terminates a run successfully.
type ChatDonePayload struct {
	OK bool `json:"ok"`
}

// ChatCancelledPayload terminates a cancelled run.
type ChatCancelledPayload struct {
	Reason string `json:"reason"`
}

// ChatErrorPayload terminates a failed run (or rejects a bad frame).
type ChatErrorPayload struct {
	Message string `json:"message"`
}

// ToolStartPayload announces a tool invocation.
type ToolStartPayload struct {
	Tool        string `json:"tool"`
	CallID      string `json:"callId,omitempty"`
	ArgsPreview string `json:"argsPreview,omitempty"`
}

// ToolEndPayload announces tool completion.
type ToolEndPayload struct {
	Tool       string `json:"tool"`
	CallID     string `json:"callId,omitempty"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"durationMs"`
}

// ToolOutputPayload carries (possibly truncated) tool output.
type ToolOutputPayload struct {
	Tool      string `json:"tool"`
	CallID    string `json:"callId,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// SystemMessagePayload carries an out-of-band system notice.
type SystemMessagePayload struct {
	Content string `json:"content"`
}

// MessageView is the render-ready projection of a durable message row.
type MessageView struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt string         `json:"createdAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// RunView describes the active run inside a snapshot.
type RunView struct {
	RequestID string  `json:"requestId"`
	Status    string  `json:"status"`
	Model     string  `json:"model,omitempty"`
	StartedAt string  `json:"startedAt"`
	EndedAt   *string `json:"endedAt"`
}

// AssistantOverlay carries the unflushed open-segment buffer so a client can
// render the tail without waiting for the next flush.
type AssistantOverlay struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// Overlays groups snapshot overlays by kind.
type Overlays struct {
	Assistant *AssistantOverlay `json:"assistant,omitempty"`
}

// View is a point-in-time render-ready reconstruction of a session: durable
// messages plus the unflushed open segment, if any.
type View struct {
	SessionID string        `json:"sessionId"`
	Messages  []MessageView `json:"messages"`
	ActiveRun *RunView      `json:"activeRun,omitempty"`
	Overlays  *Overlays     `json:"overlays,omitempty"`
	LastSeq   int64         `json:"lastSeq,omitempty"`
}
