// ABOUTME: Resilient websocket client: reconnect with jittered backoff,
// ABOUTME: bounded outbound queue, and hello-on-open resync

package client

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/ochre-gateway/internal/conversation"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

const (
	// backoff doubles from base to cap, plus up to backoffJitter of random
	// spread so reconnect storms don't synchronize
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	backoffJitter = 250 * time.Millisecond

	// stuckTimeout force-abandons a dial that never completes
	stuckTimeout = 10 * time.Second
	// handshakeTimeout is the hard cap on the websocket handshake itself
	handshakeTimeout = 12 * time.Second

	// queueLimit bounds the offline outbound queue; oldest entries are
	// dropped first
	queueLimit = 64

	// frameBufferSize is the inbound frame channel buffer
	frameBufferSize = 256
)

// Conn is the subset of a websocket connection the socket needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens connections. Tests swap in a scripted implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options tunes a Socket. Zero values get defaults.
type Options struct {
	APIKey string
	// LastSeq, when set, supplies the highest transcript seq the caller has
	// applied; each hello carries it so the server could replay a suffix.
	LastSeq func() int64
	Dialer  Dialer
	Logger  *slog.Logger
}

// Socket maintains one logical connection to a session endpoint.
// Connectivity is demand-driven: Connect, a queued Send, or an environment
// signal with pending sends triggers dialing; an involuntary close with an
// empty queue leaves the socket Disconnected until there is something to
// send. Dial failures retry with jittered exponential backoff. Every open
// flushes queued frames in FIFO order, then sends hello, so the snapshot the
// server answers with already reflects the flushed submissions. The queue is
// bounded; oldest entries drop first. Received frames are delivered on
// Frames in arrival order.
type Socket struct {
	url     string
	apiKey  string
	lastSeq func() int64
	dialer  Dialer
	logger  *slog.Logger

	frames chan conversation.Frame
	wake   chan struct{}
	done   chan struct{}

	mu           sync.Mutex
	state        State
	conn         Conn
	queue        []conversation.Frame
	attempts     int
	wantConnect  bool
	closedByUser bool
	closeOnce    sync.Once

	// writeMu serializes writes on the live connection
	writeMu sync.Mutex
}

// NewSocket creates a socket for the given ws:// session URL. Call Start to
// begin connecting.
func NewSocket(url string, opts Options) *Socket {
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Socket{
		url:     url,
		apiKey:  opts.APIKey,
		lastSeq: opts.LastSeq,
		dialer:  opts.Dialer,
		logger:  opts.Logger.With("component", "socket"),
		frames: make(chan conversation.Frame, frameBufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop and requests an initial connect.
func (s *Socket) Start() {
	s.Connect()
	go s.run()
}

// Connect requests a connection. No-op when already open; otherwise the
// loop dials (with backoff across failures) until it succeeds or Close.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.closedByUser || s.state == StateOpen {
		s.mu.Unlock()
		return
	}
	s.wantConnect = true
	s.mu.Unlock()
	s.signal()
}

// Frames is the inbound frame stream. Closed after Close.
func (s *Socket) Frames() <-chan conversation.Frame {
	return s.frames
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send transmits a frame, or queues it when not connected. Sending always
// implies wanting a connection. Queued frames flush in FIFO order after the
// next successful open; when the queue is full the oldest entry is dropped.
func (s *Socket) Send(frame conversation.Frame) {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	if !open || conn == nil {
		s.enqueueLocked(frame)
		s.wantConnect = true
		s.mu.Unlock()
		s.signal()
		return
	}
	s.mu.Unlock()

	if err := s.write(conn, frame); err != nil {
		s.logger.Debug("send failed, queueing", "error", err, "frame_type", frame.Type)
		s.mu.Lock()
		s.enqueueLocked(frame)
		s.wantConnect = true
		s.mu.Unlock()
		conn.Close()
		s.signal()
	}
}

// NotifyNetworkOnline resets backoff and, when sends are pending,
// reconnects immediately instead of waiting out the schedule.
func (s *Socket) NotifyNetworkOnline() {
	s.kick()
}

// NotifyVisible is NotifyNetworkOnline for the client surface regaining
// focus.
func (s *Socket) NotifyVisible() {
	s.kick()
}

// Close stops reconnecting and closes the connection. The socket cannot be
// reused.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closedByUser = true
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			conn.Close()
		}
	})
}

// DebugState is a point-in-time snapshot for diagnostics.
type DebugState struct {
	State        State
	QueueLen     int
	Attempts     int
	WantConnect  bool
	ClosedByUser bool
}

// Debug reports the socket's internal state.
func (s *Socket) Debug() DebugState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DebugState{
		State:        s.state,
		QueueLen:     len(s.queue),
		Attempts:     s.attempts,
		WantConnect:  s.wantConnect,
		ClosedByUser: s.closedByUser,
	}
}

func (s *Socket) run() {
	defer close(s.frames)

	for {
		if !s.awaitConnectReason() {
			return
		}

		conn, ok := s.connectWithRetry()
		if !ok {
			return
		}

		if !s.onOpen(conn) {
			conn.Close()
			return
		}

		s.readLoop(conn)

		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		// An involuntary close reconnects only when there is something to
		// deliver; otherwise stay down until a send or explicit Connect.
		// wantConnect survives an open that never got its hello out.
		s.wantConnect = s.wantConnect || len(s.queue) > 0
		closed := s.closedByUser
		s.mu.Unlock()

		if closed {
			return
		}
		s.logger.Debug("connection lost")
	}
}

// awaitConnectReason blocks until a connection is wanted. Returns false on
// Close.
func (s *Socket) awaitConnectReason() bool {
	for {
		s.mu.Lock()
		if s.closedByUser {
			s.mu.Unlock()
			return false
		}
		want := s.wantConnect || len(s.queue) > 0
		s.mu.Unlock()
		if want {
			return true
		}

		select {
		case <-s.done:
			return false
		case <-s.wake:
		}
	}
}

// connectWithRetry dials until it succeeds, backing off between failures.
// Returns false on Close.
func (s *Socket) connectWithRetry() (Conn, bool) {
	for {
		s.setState(StateConnecting)
		conn, err := s.dial()
		if err == nil {
			return conn, true
		}
		if s.isClosed() {
			return nil, false
		}
		s.setState(StateDisconnected)
		s.logger.Debug("dial failed", "error", err)
		if !s.waitBackoff() {
			return nil, false
		}
	}
}

func (s *Socket) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), stuckTimeout)
	defer cancel()

	// Abort the dial if Close races it.
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.dialer.Dial(ctx, s.url)
}

// onOpen installs the connection, resets backoff, sends hello, and flushes
// the queued frames in order. Returns false when the socket was closed.
func (s *Socket) onOpen(conn Conn) bool {
	s.mu.Lock()
	if s.closedByUser {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.state = StateOpen
	s.attempts = 0
	s.wantConnect = false
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.logger.Debug("connection open", "queued", len(pending))

	// Queued sends go out first so the hello's snapshot already reflects
	// them.
	for i, frame := range pending {
		if err := s.write(conn, frame); err != nil {
			s.requeue(pending[i:])
			return !s.isClosed()
		}
	}

	payload := conversation.HelloPayload{APIKey: s.apiKey}
	if s.lastSeq != nil {
		payload.LastSeq = s.lastSeq()
	}
	hello := conversation.NewFrame(conversation.FrameHello, "", payload)
	if err := s.write(conn, hello); err != nil {
		s.mu.Lock()
		s.wantConnect = true
		s.mu.Unlock()
		return !s.isClosed()
	}
	return true
}

func (s *Socket) readLoop(conn Conn) {
	for {
		var frame conversation.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Socket) write(conn Conn, frame conversation.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (s *Socket) enqueueLocked(frame conversation.Frame) {
	if len(s.queue) >= queueLimit {
		s.queue = s.queue[1:]
		s.logger.Debug("outbound queue full, dropping oldest frame")
	}
	s.queue = append(s.queue, frame)
}

func (s *Socket) requeue(frames []conversation.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Failed flush goes back to the front, preserving FIFO order.
	s.queue = append(append([]conversation.Frame{}, frames...), s.queue...)
	if excess := len(s.queue) - queueLimit; excess > 0 {
		s.queue = s.queue[excess:]
	}
}

// backoffDelay returns the capped exponential delay for the given attempt,
// before jitter: base·2^attempt, clamped to the cap (including on overflow).
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

// nextDelay is backoffDelay plus a random jitter below backoffJitter.
func nextDelay(attempt int) time.Duration {
	return backoffDelay(attempt) + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// waitBackoff sleeps the next backoff interval. Returns false when the
// socket was closed; returns early when a kick fires.
func (s *Socket) waitBackoff() bool {
	s.mu.Lock()
	attempt := s.attempts
	s.attempts++
	s.mu.Unlock()

	timer := time.NewTimer(nextDelay(attempt))
	defer timer.Stop()

	select {
	case <-s.done:
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}

// kick resets the backoff counter and wakes the loop so pending sends go
// out now.
func (s *Socket) kick() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.signal()
}

func (s *Socket) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Socket) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByUser
}
