package eventlog

import (
	"context"
	"sort"
	"sync"
)

var _ Log = (*Memory)(nil)

// Option configures a Memory log.
type Option func(*memoryConfig)

type memoryConfig struct {
	maxEventsPerStream int
}

// WithMaxEventsPerStream bounds how many events each stream retains. Older
// events are evicted and checkpoints before them become unavailable. Zero,
// the default, keeps the full history for the life of the session.
func WithMaxEventsPerStream(n int) Option {
	return func(c *memoryConfig) {
		if n > 0 {
			c.maxEventsPerStream = n
		}
	}
}

// Memory is the in-process Log.
type Memory struct {
	cfg memoryConfig

	mu      sync.Mutex
	seq     int64
	streams map[string]*memStream
	// notify is closed and replaced on every append and on Close so that
	// waiting cursors re-check their stream.
	notify chan struct{}
	closed bool
}

type memStream struct {
	events []Event
	// floor is the highest evicted sequence; checkpoints below it are gone.
	floor int64
}

// NewMemory returns an empty log.
func NewMemory(opts ...Option) *Memory {
	var cfg memoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Memory{
		cfg:     cfg,
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
	}
}

// MemoryFactory returns a Factory producing Memory logs.
func MemoryFactory(opts ...Option) Factory {
	return func(context.Context, string) (Log, error) {
		return NewMemory(opts...), nil
	}
}

func (m *Memory) Append(ctx context.Context, streamID string, payload []byte) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Event{}, ErrClosed
	}

	s, ok := m.streams[streamID]
	if !ok {
		s = &memStream{}
		m.streams[streamID] = s
	}

	m.seq++
	ev := Event{StreamID: streamID, Seq: m.seq, Payload: append([]byte(nil), payload...)}
	s.events = append(s.events, ev)

	if limit := m.cfg.maxEventsPerStream; limit > 0 && len(s.events) > limit {
		drop := len(s.events) - limit
		s.floor = s.events[drop-1].Seq
		clear(s.events[:drop])
		s.events = s.events[drop:]
	}

	close(m.notify)
	m.notify = make(chan struct{})

	return ev, nil
}

func (m *Memory) ReplayFrom(ctx context.Context, streamID string, checkpoint int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if err := m.checkLocked(streamID, checkpoint); err != nil {
		return nil, err
	}

	s := m.streams[streamID]
	if s == nil {
		return []Event{}, nil
	}
	idx := s.after(checkpoint)
	out := make([]Event, len(s.events)-idx)
	copy(out, s.events[idx:])
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, streamID string, checkpoint int64) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if err := m.checkLocked(streamID, checkpoint); err != nil {
		return nil, err
	}

	return &memCursor{log: m, streamID: streamID, last: checkpoint, done: make(chan struct{})}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.streams = nil
	close(m.notify)
	return nil
}

// checkLocked validates a checkpoint against the session's history.
func (m *Memory) checkLocked(streamID string, checkpoint int64) error {
	if checkpoint < 0 || checkpoint > m.seq {
		return ErrCheckpointUnavailable
	}
	if s := m.streams[streamID]; s != nil && checkpoint < s.floor {
		return ErrCheckpointUnavailable
	}
	return nil
}

// after returns the index of the first event with Seq > seq.
func (s *memStream) after(seq int64) int {
	return sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > seq })
}

type memCursor struct {
	log      *Memory
	streamID string
	last     int64

	closeOnce sync.Once
	done      chan struct{}
}

func (c *memCursor) Next(ctx context.Context) (Event, error) {
	for {
		ev, wait, err := c.poll()
		if err != nil {
			return Event{}, err
		}
		if wait == nil {
			return ev, nil
		}

		select {
		case <-wait:
		case <-c.done:
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// poll returns the next event, or the channel to wait on when there is none.
func (c *memCursor) poll() (Event, <-chan struct{}, error) {
	select {
	case <-c.done:
		return Event{}, nil, ErrClosed
	default:
	}

	m := c.log
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Event{}, nil, ErrClosed
	}
	if s := m.streams[c.streamID]; s != nil {
		if c.last < s.floor {
			// The consumer fell behind retention.
			return Event{}, nil, ErrCheckpointUnavailable
		}
		if idx := s.after(c.last); idx < len(s.events) {
			ev := s.events[idx]
			c.last = ev.Seq
			return ev, nil, nil
		}
	}
	return Event{}, m.notify, nil
}

func (c *memCursor) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
