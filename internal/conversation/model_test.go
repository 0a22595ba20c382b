// ABOUTME: Tests for the per-session conversation model
// ABOUTME: Exercises segment flushing, idempotency, supersession, and snapshots

package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ochre-gateway/internal/runner"
	"github.com/2389/ochre-gateway/internal/store"
)

const testSession = "sess-1"

// fixture wires a model against a real sqlite store and a scripted runner,
// with a broadcaster subscription capturing every frame.
type fixture struct {
	hub    *Hub
	model  *Model
	store  store.Store
	runner *runner.ScriptedRunner
	frames <-chan Frame
}

func newFixture(t *testing.T, script ...runner.Event) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateSession(context.Background(), &store.Session{
		ID:    testSession,
		Title: "test",
	}))

	sr := runner.NewScriptedRunner(script...)
	hub := NewHub(st, sr, "test-model", nil)
	t.Cleanup(hub.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	frames, _ := hub.Broadcaster().Subscribe(ctx, testSession)

	return &fixture{
		hub:    hub,
		model:  hub.GetOrCreate(testSession),
		store:  st,
		runner: sr,
		frames: frames,
	}
}

// waitFrame reads frames until one of the given type arrives, returning it
// along with everything read before it.
func waitFrame(t *testing.T, frames <-chan Frame, frameType string) (Frame, []Frame) {
	t.Helper()
	var seen []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Type == frameType {
				return f, seen
			}
			seen = append(seen, f)
		case <-timeout:
			t.Fatalf("timed out waiting for %q frame (saw %d frames)", frameType, len(seen))
		}
	}
}

func frameTypes(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func messages(t *testing.T, st store.Store) []*store.Message {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), testSession, 100)
	require.NoError(t, err)
	return msgs
}

func TestSubmit_StreamsAndFlushesOneSegment(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "Hello"},
		runner.Event{Type: runner.EventToken, Text: " world"},
		runner.Event{Type: runner.EventDone},
	)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))

	done, before := waitFrame(t, fx.frames, FrameChatDone)
	assert.Equal(t, "req-1", done.RequestID)
	assert.Equal(t,
		[]string{FrameChatStarted, FrameSegmentStarted, FrameChatDelta, FrameChatDelta},
		frameTypes(before))

	msgs := messages(t, fx.store)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, false, msgs[1].Meta["streaming"])
	assert.Equal(t, "req-1", msgs[1].Meta["requestId"])
}

func TestSubmit_ToolBoundarySplitsSegments(t *testing.T) {
	tool := &runner.ToolEvent{Name: "calc", CallID: "c1", ArgsPreview: `{"a":2}`, Output: "4", OK: true, Duration: 12 * time.Millisecond}
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "Let me check."},
		runner.Event{Type: runner.EventToolStart, Tool: tool},
		runner.Event{Type: runner.EventToolOutput, Tool: tool},
		runner.Event{Type: runner.EventToolEnd, Tool: tool},
		runner.Event{Type: runner.EventToken, Text: "The answer is 4."},
		runner.Event{Type: runner.EventDone},
	)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "2+2?", ""))
	waitFrame(t, fx.frames, FrameChatDone)

	msgs := messages(t, fx.store)
	require.Len(t, msgs, 6)

	// Transcript order: user, first segment, tool rows, second segment.
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Let me check.", msgs[1].Content)
	assert.Equal(t, store.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "▶ calc")
	assert.Equal(t, store.RoleTool, msgs[3].Role)
	assert.Equal(t, "4", msgs[3].Content)
	assert.Equal(t, store.RoleTool, msgs[4].Role)
	assert.Contains(t, msgs[4].Content, "■ calc ok")
	assert.Equal(t, store.RoleAssistant, msgs[5].Role)
	assert.Equal(t, "The answer is 4.", msgs[5].Content)

	// Two segments, two distinct rows.
	assert.NotEqual(t, msgs[1].ID, msgs[5].ID)
}

func TestSubmit_IdempotentWhileRunning(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "slow"},
		runner.Event{Type: runner.EventDone},
	)
	fx.runner.WithDelay(100 * time.Millisecond)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))

	_, before := waitFrame(t, fx.frames, FrameChatDone)

	// The duplicate only re-acks: two chat.started, one run, one user row.
	started := 0
	for _, f := range before {
		if f.Type == FrameChatStarted {
			started++
		}
	}
	assert.Equal(t, 2, started)
	assert.Len(t, fx.runner.Requests(), 1)

	users := 0
	for _, msg := range messages(t, fx.store) {
		if msg.Role == store.RoleUser {
			users++
		}
	}
	assert.Equal(t, 1, users)
}

func TestSubmit_TerminalRequestIDIsReackedNotRerun(t *testing.T) {
	fx := newFixture(t, runner.Event{Type: runner.EventDone})

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	waitFrame(t, fx.frames, FrameChatDone)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	f, _ := waitFrame(t, fx.frames, FrameChatStarted)
	assert.Equal(t, "req-1", f.RequestID)

	assert.Len(t, fx.runner.Requests(), 1)
	assert.Empty(t, fx.model.ActiveRequestID())
}

func TestRequestSettled_TracksTerminalRuns(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "slow"},
		runner.Event{Type: runner.EventDone},
	)
	fx.runner.WithDelay(50 * time.Millisecond)

	assert.False(t, fx.model.RequestSettled("req-1"))

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	assert.False(t, fx.model.RequestSettled("req-1"), "in-flight run is not settled")

	waitFrame(t, fx.frames, FrameChatDone)
	assert.Eventually(t, func() bool { return fx.model.RequestSettled("req-1") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, fx.model.RequestSettled("req-other"))
}

func TestSubmit_NewRequestSupersedesInFlightRun(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "partial"},
		runner.Event{Type: runner.EventToken, Text: " more"},
		runner.Event{Type: runner.EventDone},
	)
	fx.runner.WithDelay(50 * time.Millisecond)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "first", ""))
	waitFrame(t, fx.frames, FrameChatDelta)

	require.NoError(t, fx.model.Submit(context.Background(), "req-2", "second", ""))

	cancelled, _ := waitFrame(t, fx.frames, FrameChatCancelled)
	assert.Equal(t, "req-1", cancelled.RequestID)
	var payload ChatCancelledPayload
	require.NoError(t, cancelled.DecodePayload(&payload))
	assert.Equal(t, "new_message", payload.Reason)

	waitFrame(t, fx.frames, FrameChatDone)
	assert.Equal(t, "req-2", fx.runner.Requests()[1].RequestID)

	// Partial output was flushed, not discarded; a cancellation notice and
	// the second submission both made the transcript.
	var sawPartial, sawNotice, sawSecond bool
	for _, msg := range messages(t, fx.store) {
		switch {
		case msg.Role == store.RoleAssistant && msg.Content == "partial":
			sawPartial = true
			assert.Equal(t, true, msg.Meta["cancelled"])
		case msg.Role == store.RoleSystem:
			assert.Contains(t, msg.Content, "cancelled")
			sawNotice = true
		case msg.Role == store.RoleUser && msg.Content == "second":
			sawSecond = true
		}
	}
	assert.True(t, sawPartial)
	assert.True(t, sawNotice)
	assert.True(t, sawSecond)
}

func TestSnapshot_OverlaysOpenSegment(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "thinking"},
		runner.Event{Type: runner.EventDone},
	)
	fx.runner.WithDelay(150 * time.Millisecond)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	waitFrame(t, fx.frames, FrameChatDelta)

	view, err := fx.model.Snapshot(context.Background())
	require.NoError(t, err)

	require.NotNil(t, view.ActiveRun)
	assert.Equal(t, "req-1", view.ActiveRun.RequestID)
	assert.Equal(t, RunRunning, view.ActiveRun.Status)

	require.NotNil(t, view.Overlays)
	require.NotNil(t, view.Overlays.Assistant)
	assert.Equal(t, "thinking", view.Overlays.Assistant.Content)

	// The open segment's durable row exists but is still empty; the overlay
	// points at it.
	var segmentRow *MessageView
	for i := range view.Messages {
		if view.Messages[i].ID == view.Overlays.Assistant.MessageID {
			segmentRow = &view.Messages[i]
		}
	}
	require.NotNil(t, segmentRow)
	assert.Empty(t, segmentRow.Content)
	assert.Equal(t, true, segmentRow.Meta["streaming"])

	waitFrame(t, fx.frames, FrameChatDone)
}

func TestSnapshot_AfterRunIsPlainTranscript(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "done now"},
		runner.Event{Type: runner.EventDone},
	)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	waitFrame(t, fx.frames, FrameChatDone)

	view, err := fx.model.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, view.ActiveRun)
	assert.Nil(t, view.Overlays)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "done now", view.Messages[1].Content)
	assert.Equal(t, view.Messages[1].Seq, view.LastSeq)
}

func TestRunError_FlushesPartialAndRecordsNotice(t *testing.T) {
	fx := newFixture(t,
		runner.Event{Type: runner.EventToken, Text: "half an ans"},
		runner.Event{Type: runner.EventError, Err: assert.AnError},
	)

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", ""))
	errFrame, _ := waitFrame(t, fx.frames, FrameChatError)
	assert.Equal(t, "req-1", errFrame.RequestID)

	var sawPartial, sawNotice bool
	for _, msg := range messages(t, fx.store) {
		switch msg.Role {
		case store.RoleAssistant:
			assert.Equal(t, "half an ans", msg.Content)
			assert.Equal(t, true, msg.Meta["error"])
			sawPartial = true
		case store.RoleSystem:
			assert.Contains(t, msg.Content, "Chat error")
			sawNotice = true
		}
	}
	assert.True(t, sawPartial)
	assert.True(t, sawNotice)
	assert.Empty(t, fx.model.ActiveRequestID())
}

func TestCancel_WithoutActiveRunIsNoop(t *testing.T) {
	fx := newFixture(t)
	fx.model.Cancel("user_request")
	assert.Len(t, messages(t, fx.store), 0)
}

func TestSubmit_EmptyContentIgnored(t *testing.T) {
	fx := newFixture(t, runner.Event{Type: runner.EventDone})
	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "   ", ""))
	assert.Empty(t, fx.runner.Requests())
	assert.Len(t, messages(t, fx.store), 0)
}

func TestSubmit_RequiresRequestID(t *testing.T) {
	fx := newFixture(t, runner.Event{Type: runner.EventDone})
	err := fx.model.Submit(context.Background(), "", "hi", "")
	require.Error(t, err)
}

func TestSubmit_ModelOverridePassedToRunner(t *testing.T) {
	fx := newFixture(t, runner.Event{Type: runner.EventDone})

	require.NoError(t, fx.model.Submit(context.Background(), "req-1", "hi", "custom/model"))
	waitFrame(t, fx.frames, FrameChatDone)

	reqs := fx.runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "custom/model", reqs[0].Model)
}

func TestSystemMessage_PersistsAndBroadcasts(t *testing.T) {
	fx := newFixture(t)

	fx.model.SystemMessage("maintenance in 5 minutes")

	f, _ := waitFrame(t, fx.frames, FrameSystemMessage)
	var payload SystemMessagePayload
	require.NoError(t, f.DecodePayload(&payload))
	assert.Equal(t, "maintenance in 5 minutes", payload.Content)

	msgs := messages(t, fx.store)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleSystem, msgs[0].Role)
}
