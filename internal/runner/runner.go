// ABOUTME: Agent runner contract: one Run turns a transcript into an ordered event stream
// ABOUTME: Defines the Request/Event types shared by real and scripted runners

package runner

import (
	"context"
	"time"
)

// Runner executes one agent run for a user submission. The returned channel
// delivers events in order and is closed after the terminal event (Done or
// Error). Cancelling ctx stops the run; the channel is closed without a
// terminal event in that case.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// Request describes a single run.
type Request struct {
	SessionID string
	RequestID string
	Model     string
	// Messages is the LLM-shaped transcript, oldest first.
	Messages []Message
}

// Message is one turn of LLM context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType indicates the kind of run event.
type EventType int

const (
	// EventToken carries a fragment of assistant text.
	EventToken EventType = iota
	// EventToolStart marks the beginning of a tool invocation.
	EventToolStart
	// EventToolOutput carries a tool's full output.
	EventToolOutput
	// EventToolEnd marks the completion of a tool invocation.
	EventToolEnd
	// EventDone indicates the run finished successfully.
	EventDone
	// EventError indicates the run failed.
	EventError
)

// Event is one element of a run's event stream.
type Event struct {
	Type EventType

	// Text is set for EventToken.
	Text string

	// Tool is set for tool events.
	Tool *ToolEvent

	// Err is set for EventError.
	Err error
}

// ToolEvent carries tool invocation details.
type ToolEvent struct {
	Name        string
	CallID      string
	ArgsPreview string
	Output      string
	OK          bool
	Duration    time.Duration
}
