package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/ggoodman/mcp-resource-server/internal/jsonrpc"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Close reasons reported to the manager and in metrics.
const (
	CloseReasonTerminated = "terminated"
	CloseReasonDisconnect = "disconnect"
	CloseReasonExpired    = "expired"
	CloseReasonShutdown   = "shutdown"
	CloseReasonFailed     = "failed"
)

var _ Session = (*Transport)(nil)

// Transport owns the state and push channel of one session.
type Transport struct {
	id        string
	userID    string
	events    eventlog.Log
	log       *slog.Logger
	grace     time.Duration
	onClose   func(t *Transport, reason string)
	published prometheus.Counter

	sem    chan struct{}
	closed chan struct{}

	mu              sync.Mutex
	state           State
	committed       bool
	protocolVersion string
	client          ClientInfo
	current         string
	streams         map[string]struct{}
	stream          *Stream
	graceTimer      *time.Timer
	graceGen        uint64
	// orphaned is set once an attached stream drops and cleared when a new
	// one attaches. Only orphaned sessions run the reconnect timer.
	orphaned bool
	busy     bool
}

func newTransport(userID string, grace time.Duration, log *slog.Logger) *Transport {
	return &Transport{
		userID:  userID,
		grace:   grace,
		log:     log,
		sem:     make(chan struct{}, 1),
		closed:  make(chan struct{}),
		streams: make(map[string]struct{}),
	}
}

func (t *Transport) SessionID() string { return t.id }
func (t *Transport) UserID() string    { return t.userID }

func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

func (t *Transport) ClientInfo() ClientInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the transport reaches StateClosed.
func (t *Transport) Done() <-chan struct{} { return t.closed }

// begin moves Uninitialized -> Initializing.
func (t *Transport) begin(id string, events eventlog.Log) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateUninitialized {
		return fmt.Errorf("%w: begin from %s", ErrInvalidSession, t.state)
	}
	t.id = id
	t.events = events
	t.current = uuid.NewString()
	t.streams[t.current] = struct{}{}
	t.state = StateInitializing
	return nil
}

// activate moves Initializing -> Active.
func (t *Transport) activate(protocolVersion string, client ClientInfo, committed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInitializing {
		return fmt.Errorf("%w: activate from %s", ErrInvalidSession, t.state)
	}
	t.protocolVersion = protocolVersion
	t.client = client
	t.committed = committed
	t.state = StateActive
	return nil
}

// Acquire waits for exclusive use of the session. Every successful Acquire
// must be paired with Release.
func (t *Transport) Acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-t.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		<-t.sem
		return ErrSessionClosed
	}
	t.busy = true
	t.stopGraceLocked()
	return nil
}

// Release ends exclusive use and restarts the reconnect timer when the
// session's stream dropped and has not come back.
func (t *Transport) Release() {
	<-t.sem

	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = false
	if t.state == StateActive && t.stream == nil && t.orphaned {
		t.armGraceLocked()
	}
}

// Publish appends payload to the current push stream.
func (t *Transport) Publish(ctx context.Context, payload []byte) (eventlog.Event, error) {
	t.mu.Lock()
	state, streamID := t.state, t.current
	t.mu.Unlock()

	switch state {
	case StateActive:
	case StateClosed:
		return eventlog.Event{}, ErrSessionClosed
	default:
		return eventlog.Event{}, fmt.Errorf("%w: publish while %s", ErrInvalidSession, state)
	}

	ev, err := t.events.Append(ctx, streamID, payload)
	if errors.Is(err, eventlog.ErrClosed) {
		return eventlog.Event{}, ErrSessionClosed
	}
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("append event: %w", err)
	}
	if t.published != nil {
		t.published.Inc()
	}
	return ev, nil
}

// Notify publishes a JSON-RPC notification.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = t.Publish(ctx, b)
	return err
}

// OpenStream attaches a push stream to the session. An empty lastEventID
// starts a fresh stream with no replay. Otherwise the stream named by the
// event id (or the current stream for a bare sequence number) is resumed
// after that sequence. Any stream already attached is superseded.
//
// The stream lives until ctx is done, it is superseded, the session closes,
// or Close is called.
func (t *Transport) OpenStream(ctx context.Context, lastEventID string) (*Stream, error) {
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		if state == StateClosed {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("%w: open stream while %s", ErrInvalidSession, state)
	}
	streamID, checkpoint, err := t.resolveLocked(lastEventID)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cursor, err := t.events.Subscribe(ctx, streamID, checkpoint)
	if err != nil {
		if errors.Is(err, eventlog.ErrClosed) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{t: t, id: streamID, cursor: cursor, ctx: sctx, cancel: cancel}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		cancel(ErrSessionClosed)
		_ = cursor.Close()
		return nil, ErrSessionClosed
	}
	prev := t.stream
	t.stream = s
	t.current = streamID
	t.streams[streamID] = struct{}{}
	t.orphaned = false
	t.stopGraceLocked()
	t.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrStreamSuperseded)
	}
	return s, nil
}

func (t *Transport) resolveLocked(lastEventID string) (string, int64, error) {
	if lastEventID == "" {
		return uuid.NewString(), 0, nil
	}
	streamID, seq, err := eventlog.ParseEventID(lastEventID)
	if err != nil {
		return "", 0, err
	}
	if streamID == "" {
		streamID = t.current
	}
	if _, ok := t.streams[streamID]; !ok {
		return "", 0, fmt.Errorf("%w: unknown stream %q", eventlog.ErrCheckpointUnavailable, streamID)
	}
	return streamID, seq, nil
}

// Close moves the session to StateClosed. It is idempotent.
func (t *Transport) Close() error {
	return t.closeWith(CloseReasonTerminated)
}

func (t *Transport) closeWith(reason string) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	t.stopGraceLocked()
	s := t.stream
	t.stream = nil
	close(t.closed)
	t.mu.Unlock()

	if s != nil {
		s.cancel(ErrSessionClosed)
	}
	var err error
	if t.events != nil {
		err = t.events.Close()
	}
	if t.onClose != nil {
		t.onClose(t, reason)
	}
	if err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

// detach is called when s stops. With no grace window a disconnect closes
// the session right away.
func (t *Transport) detach(s *Stream) {
	t.mu.Lock()
	if t.stream != s {
		t.mu.Unlock()
		return
	}
	t.stream = nil
	closeNow := t.state == StateActive && t.grace == 0
	if !closeNow && t.state == StateActive {
		t.orphaned = true
		if !t.busy {
			t.armGraceLocked()
		}
	}
	t.mu.Unlock()

	if closeNow {
		if err := t.closeWith(CloseReasonDisconnect); err != nil {
			t.log.Error("session.close.fail", slog.String("session_id", t.id), slog.String("err", err.Error()))
		}
	}
}

func (t *Transport) armGraceLocked() {
	t.stopGraceLocked()
	if t.grace <= 0 {
		return
	}
	gen := t.graceGen
	t.graceTimer = time.AfterFunc(t.grace, func() { t.expire(gen) })
}

func (t *Transport) stopGraceLocked() {
	t.graceGen++
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
}

func (t *Transport) expire(gen uint64) {
	t.mu.Lock()
	stale := gen != t.graceGen || t.state != StateActive || t.stream != nil || !t.orphaned || t.busy
	t.mu.Unlock()
	if stale {
		return
	}

	t.log.Info("session.grace.expire", slog.String("session_id", t.id), slog.Duration("grace", t.grace))
	if err := t.closeWith(CloseReasonExpired); err != nil {
		t.log.Error("session.close.fail", slog.String("session_id", t.id), slog.String("err", err.Error()))
	}
}

// Stream is a push stream attached to a session.
type Stream struct {
	t      *Transport
	id     string
	cursor eventlog.Cursor
	ctx    context.Context
	cancel context.CancelCauseFunc

	once     sync.Once
	closeErr error
}

func (s *Stream) ID() string { return s.id }

// Done is closed when the stream is superseded, the session closes or the
// context passed to OpenStream ends.
func (s *Stream) Done() <-chan struct{} { return s.ctx.Done() }

// Next blocks for the next event. Replayed events come first. Once the
// stream is done Next returns the cause: ErrStreamSuperseded,
// ErrSessionClosed, or the opening context's error.
func (s *Stream) Next() (eventlog.Event, error) {
	ev, err := s.cursor.Next(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return eventlog.Event{}, context.Cause(s.ctx)
		}
		if errors.Is(err, eventlog.ErrClosed) {
			return eventlog.Event{}, ErrSessionClosed
		}
		return eventlog.Event{}, err
	}
	return ev, nil
}

// Close detaches the stream from its session.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.cancel(nil)
		s.closeErr = s.cursor.Close()
		s.t.detach(s)
	})
	return s.closeErr
}
