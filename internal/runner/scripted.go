// ABOUTME: Scripted runner replaying a fixed event sequence for tests
// ABOUTME: Records requests so assertions can inspect what was submitted

package runner

import (
	"context"
	"sync"
	"time"
)

// ScriptedRunner replays a canned event script for every Run call.
type ScriptedRunner struct {
	mu       sync.Mutex
	script   []Event
	delay    time.Duration
	requests []Request
}

// NewScriptedRunner creates a runner that replays script on each run.
func NewScriptedRunner(script ...Event) *ScriptedRunner {
	return &ScriptedRunner{script: script}
}

// WithDelay sets a pause before each emitted event, letting tests observe
// mid-run state.
func (s *ScriptedRunner) WithDelay(d time.Duration) *ScriptedRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Requests returns a copy of all requests seen so far.
func (s *ScriptedRunner) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Run implements Runner.
func (s *ScriptedRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	script := make([]Event, len(s.script))
	copy(script, s.script)
	delay := s.delay
	s.mu.Unlock()

	events := make(chan Event, len(script))
	go func() {
		defer close(events)
		for _, ev := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
