// ABOUTME: Tests for the OpenRouter streaming runner
// ABOUTME: Uses an httptest SSE server to verify token streaming and the tool loop

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler streams the given data payloads as one chat-completions response.
func sseHandler(t *testing.T, payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func contentChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out collecting run events")
		}
	}
}

func TestRun_StreamsTokensThenDone(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		contentChunk("Hello"),
		contentChunk(" world"),
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	))
	defer srv.Close()

	r := NewOpenRouterRunner(srv.URL, "test-key", 4, 10*time.Second, nil, nil)
	events, err := r.Run(context.Background(), Request{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Equal(t, " world", got[1].Text)
	assert.Equal(t, EventDone, got[2].Type)
}

func TestRun_ToolLoop(t *testing.T) {
	var round atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []chatMessage `json:"messages"`
			Tools    []any         `json:"tools"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if round.Add(1) == 1 {
			assert.NotEmpty(t, body.Tools)
			// First round requests a tool call, split across two deltas
			sseHandler(t,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"time.now","arguments":"{"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
			)(w, r)
			return
		}

		// Second round must carry the tool result back
		last := body.Messages[len(body.Messages)-1]
		assert.Equal(t, "tool", last.Role)
		assert.Equal(t, "call-1", last.ToolCallID)
		assert.Equal(t, "2026-01-01T00:00:00Z", last.Content)
		sseHandler(t, contentChunk("It is 2026."))(w, r)
	}))
	defer srv.Close()

	tools := NewToolRegistry()
	require.NoError(t, tools.Register(ToolSpec{
		Name:        "time.now",
		Description: "current time",
		Func: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "2026-01-01T00:00:00Z", nil
		},
	}))

	r := NewOpenRouterRunner(srv.URL, "", 4, 10*time.Second, tools, nil)
	events, err := r.Run(context.Background(), Request{
		Model:    "openai/gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "what time is it"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	var types []EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventToolStart, EventToolOutput, EventToolEnd, EventToken, EventDone}, types)

	assert.Equal(t, "time.now", got[0].Tool.Name)
	assert.Equal(t, "call-1", got[0].Tool.CallID)
	assert.Equal(t, "2026-01-01T00:00:00Z", got[1].Tool.Output)
	assert.True(t, got[2].Tool.OK)
}

func TestRun_UnknownToolReportsError(t *testing.T) {
	var round atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if round.Add(1) == 1 {
			sseHandler(t,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"nope","arguments":"{}"}}]}}]}`,
			)(w, r)
			return
		}
		sseHandler(t, contentChunk("ok"))(w, r)
	}))
	defer srv.Close()

	tools := NewToolRegistry()
	require.NoError(t, tools.Register(ToolSpec{
		Name: "other",
		Func: func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil },
	}))

	r := NewOpenRouterRunner(srv.URL, "", 4, 10*time.Second, tools, nil)
	events, err := r.Run(context.Background(), Request{Model: "m", Messages: nil})
	require.NoError(t, err)

	got := collect(t, events)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, EventToolEnd, got[2].Type)
	assert.False(t, got[2].Tool.OK)
}

func TestRun_HTTPErrorBecomesErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no credit"}}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	r := NewOpenRouterRunner(srv.URL, "", 4, 10*time.Second, nil, nil)
	events, err := r.Run(context.Background(), Request{Model: "m"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
	assert.ErrorContains(t, got[0].Err, "402")
}

func TestRun_RequiresModel(t *testing.T) {
	r := NewOpenRouterRunner("http://localhost:0", "", 4, time.Second, nil, nil)
	_, err := r.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestScriptedRunner_ReplaysScriptAndRecordsRequests(t *testing.T) {
	s := NewScriptedRunner(
		Event{Type: EventToken, Text: "a"},
		Event{Type: EventDone},
	)

	events, err := s.Run(context.Background(), Request{SessionID: "s1", RequestID: "r1", Model: "m"})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Text)

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "r1", reqs[0].RequestID)
}
