package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultReconnectGrace is how long a session whose stream dropped waits for
// a reconnect before it is closed.
const DefaultReconnectGrace = 30 * time.Second

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logs       eventlog.Factory
	logger     *slog.Logger
	grace      time.Duration
	registerer prometheus.Registerer
	newID      func() (string, error)
}

func (c *managerConfig) applyDefaults() {
	if c.logs == nil {
		c.logs = eventlog.MemoryFactory()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.newID == nil {
		c.newID = newSessionID
	}
}

// WithEventLogFactory sets how per-session event logs are created. The
// default keeps events in memory.
func WithEventLogFactory(f eventlog.Factory) ManagerOption {
	return func(c *managerConfig) { c.logs = f }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithReconnectGrace sets how long a session whose stream dropped waits for
// a reconnect before it is closed. Zero closes a session as soon as its stream
// disconnects.
func WithReconnectGrace(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.grace = d }
}

// WithRegisterer registers session metrics with r.
func WithRegisterer(r prometheus.Registerer) ManagerOption {
	return func(c *managerConfig) { c.registerer = r }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() (string, error)) ManagerOption {
	return func(c *managerConfig) { c.newID = fn }
}

// Manager drives session transports through their lifecycle.
type Manager struct {
	registry Registry
	logs     eventlog.Factory
	log      *slog.Logger
	grace    time.Duration
	newID    func() (string, error)

	// mu orders Commit against Shutdown so that no session registers after
	// the drain snapshot is taken.
	mu       sync.RWMutex
	draining bool

	created   prometheus.Counter
	closed    *prometheus.CounterVec
	published prometheus.Counter
}

// NewManager returns a Manager committing sessions to registry.
func NewManager(registry Registry, opts ...ManagerOption) *Manager {
	cfg := managerConfig{grace: DefaultReconnectGrace}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()

	factory := promauto.With(cfg.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mcp_sessions_active",
		Help: "Sessions currently committed to the registry.",
	}, func() float64 { return float64(registry.Len()) })

	return &Manager{
		registry: registry,
		logs:     cfg.logs,
		log:      cfg.logger,
		grace:    cfg.grace,
		newID:    cfg.newID,
		created: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_created_total",
			Help: "Sessions that completed initialization.",
		}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sessions_closed_total",
			Help: "Sessions closed, by reason.",
		}, []string{"reason"}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_session_events_published_total",
			Help: "Server-to-client messages appended to session event logs.",
		}),
	}
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Begin starts initializing a new session for userID. The transport is not
// visible to Load until Commit succeeds.
func (m *Manager) Begin(ctx context.Context, userID string) (*Transport, error) {
	if m.isDraining() {
		return nil, ErrShuttingDown
	}
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	events, err := m.logs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	t := newTransport(userID, m.grace, m.log)
	t.published = m.published
	t.onClose = m.onClose
	if err := t.begin(id, events); err != nil {
		_ = events.Close()
		return nil, err
	}
	return t, nil
}

// Commit registers t and makes it Active. If registration fails t is
// closed.
func (m *Manager) Commit(ctx context.Context, t *Transport, protocolVersion string, client ClientInfo) error {
	if st := t.State(); st != StateInitializing {
		return fmt.Errorf("%w: commit from %s", ErrInvalidSession, st)
	}
	m.mu.RLock()
	if m.draining {
		m.mu.RUnlock()
		_ = t.closeWith(CloseReasonShutdown)
		return ErrShuttingDown
	}
	err := m.registry.Create(t.SessionID(), t)
	m.mu.RUnlock()
	if err != nil {
		_ = t.closeWith(CloseReasonFailed)
		return fmt.Errorf("register session: %w", err)
	}
	if err := t.activate(protocolVersion, client, true); err != nil {
		m.registry.Remove(t.SessionID())
		_ = t.closeWith(CloseReasonFailed)
		return err
	}

	m.created.Inc()
	m.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("session_id", t.SessionID()),
		slog.String("user_id", t.UserID()),
		slog.String("protocol_version", protocolVersion),
		slog.String("client", client.Name),
	)
	return nil
}

// Ephemeral returns an Active transport that is never registered. It backs
// stateless request handling and must be closed by the caller.
func (m *Manager) Ephemeral(ctx context.Context, userID string) (*Transport, error) {
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	t := newTransport(userID, -1, m.log)
	if err := t.begin(id, eventlog.NewMemory()); err != nil {
		return nil, err
	}
	if err := t.activate("", ClientInfo{}, false); err != nil {
		return nil, err
	}
	return t, nil
}

// Load resolves an Active session owned by userID. Sessions of other
// principals are reported as not found.
func (m *Manager) Load(ctx context.Context, id, userID string) (*Transport, error) {
	t, err := m.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	if t.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	if st := t.State(); st != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSession, st)
	}
	return t, nil
}

// Terminate closes the session id on behalf of userID.
func (m *Manager) Terminate(ctx context.Context, id, userID string) error {
	t, err := m.Load(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := t.Acquire(ctx); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}
	defer t.Release()
	return t.Close()
}

// Shutdown closes every registered session. Failures are logged and do not
// stop the drain; they are returned joined. After Shutdown starts, Begin and
// Commit fail with ErrShuttingDown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	var errs []error
	for _, t := range m.registry.All() {
		if err := t.closeWith(CloseReasonShutdown); err != nil {
			m.log.ErrorContext(ctx, "session.shutdown.fail", slog.String("session_id", t.SessionID()), slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("close session %s: %w", t.SessionID(), err))
		}
	}
	m.log.InfoContext(ctx, "session.shutdown.ok", slog.Int("remaining", m.registry.Len()))
	return errors.Join(errs...)
}

func (m *Manager) isDraining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

func (m *Manager) onClose(t *Transport, reason string) {
	t.mu.Lock()
	committed := t.committed
	t.mu.Unlock()
	if !committed {
		return
	}
	m.registry.Remove(t.SessionID())
	m.closed.WithLabelValues(reason).Inc()
	m.log.Info("session.close.ok", slog.String("session_id", t.SessionID()), slog.String("reason", reason))
}
