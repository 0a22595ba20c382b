// ABOUTME: Streaming OpenRouter/OpenAI-compatible runner with a bounded tool loop
// ABOUTME: Parses SSE chat-completions chunks into run events and dispatches tool calls

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// argsPreviewLimit bounds the argument preview carried on tool.start
	argsPreviewLimit = 120
	// eventBufferSize is the run event channel buffer
	eventBufferSize = 16
)

// OpenRouterRunner executes runs against an OpenAI-compatible streaming
// chat completions endpoint, looping over tool calls until the model stops
// requesting them or the round limit is hit.
type OpenRouterRunner struct {
	baseURL       string
	apiKey        string
	maxToolRounds int
	httpClient    *http.Client
	tools         *ToolRegistry
	logger        *slog.Logger
}

// NewOpenRouterRunner creates a runner. Pass nil tools for a tool-less
// runner and nil logger for the default.
func NewOpenRouterRunner(baseURL, apiKey string, maxToolRounds int, timeout time.Duration, tools *ToolRegistry, logger *slog.Logger) *OpenRouterRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	if maxToolRounds < 1 {
		maxToolRounds = 1
	}
	return &OpenRouterRunner{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		maxToolRounds: maxToolRounds,
		httpClient:    &http.Client{Timeout: timeout},
		tools:         tools,
		logger:        logger.With("component", "runner"),
	}
}

// chatMessage is the wire shape of one chat-completions message.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// streamChunk is one decoded SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Run starts the streaming tool loop and returns its event channel.
func (r *OpenRouterRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	events := make(chan Event, eventBufferSize)
	go r.runLoop(ctx, req, events)
	return events, nil
}

// runLoop drives stream rounds until the model produces a final answer,
// errors, hits the round limit, or the context is cancelled.
func (r *OpenRouterRunner) runLoop(ctx context.Context, req Request, events chan<- Event) {
	defer close(events)

	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	for round := 0; round < r.maxToolRounds; round++ {
		text, calls, err := r.streamOnce(ctx, req.Model, msgs, events)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.emit(ctx, events, Event{Type: EventError, Err: err})
			return
		}

		if len(calls) == 0 {
			r.emit(ctx, events, Event{Type: EventDone})
			return
		}

		// The assistant turn carrying the tool calls must precede the
		// tool result turns in the next request.
		msgs = append(msgs, chatMessage{Role: "assistant", Content: text, ToolCalls: calls})

		for _, call := range calls {
			if ctx.Err() != nil {
				return
			}
			result := r.dispatch(ctx, call, events)
			msgs = append(msgs, chatMessage{
				Role:       "tool",
				Name:       call.Function.Name,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	r.emit(ctx, events, Event{Type: EventError, Err: fmt.Errorf("tool loop exceeded %d rounds", r.maxToolRounds)})
}

// dispatch runs one tool call, emitting tool.start/output/end events, and
// returns the content to feed back to the model.
func (r *OpenRouterRunner) dispatch(ctx context.Context, call toolCall, events chan<- Event) string {
	name := call.Function.Name
	preview := truncate(call.Function.Arguments, argsPreviewLimit)

	r.emit(ctx, events, Event{Type: EventToolStart, Tool: &ToolEvent{
		Name: name, CallID: call.ID, ArgsPreview: preview,
	}})

	started := time.Now()
	var output string
	var ok bool

	spec, found := r.tools.Lookup(name)
	if !found {
		output = fmt.Sprintf("unknown tool: %s", name)
	} else {
		out, err := spec.Func(ctx, json.RawMessage(call.Function.Arguments))
		if err != nil {
			output = fmt.Sprintf("tool error: %v", err)
		} else {
			output = out
			ok = true
		}
	}
	elapsed := time.Since(started)

	r.emit(ctx, events, Event{Type: EventToolOutput, Tool: &ToolEvent{
		Name: name, CallID: call.ID, Output: output,
	}})
	r.emit(ctx, events, Event{Type: EventToolEnd, Tool: &ToolEvent{
		Name: name, CallID: call.ID, OK: ok, Duration: elapsed,
	}})

	return output
}

// streamOnce performs one streaming chat completion, emitting token events
// as content deltas arrive and assembling any incremental tool calls.
func (r *OpenRouterRunner) streamOnce(ctx context.Context, model string, msgs []chatMessage, events chan<- Event) (string, []toolCall, error) {
	body := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   true,
	}
	if r.tools.Len() > 0 {
		body["tools"] = r.tools.specs()
		body["tool_choice"] = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("chat completions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", nil, fmt.Errorf("chat completions returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var textBuf strings.Builder
	partial := make(map[int]*toolCall)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			r.logger.Warn("dropping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return textBuf.String(), nil, fmt.Errorf("upstream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			r.emit(ctx, events, Event{Type: EventToken, Text: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			call, ok := partial[tc.Index]
			if !ok {
				call = &toolCall{Type: "function"}
				partial[tc.Index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return textBuf.String(), nil, fmt.Errorf("reading stream: %w", err)
	}

	indexes := make([]int, 0, len(partial))
	for i := range partial {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]toolCall, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *partial[i])
	}
	return textBuf.String(), calls, nil
}

// emit sends an event unless the run has been cancelled.
func (r *OpenRouterRunner) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... (truncated, %d chars omitted)", len(s)-max)
}
