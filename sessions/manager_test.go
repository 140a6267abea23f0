package sessions_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/ggoodman/mcp-resource-server/sessions"
	"github.com/ggoodman/mcp-resource-server/sessions/memoryhost"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newManager(t *testing.T, opts ...sessions.ManagerOption) (*sessions.Manager, *memoryhost.Registry) {
	t.Helper()
	reg := memoryhost.New()
	mgr := sessions.NewManager(reg, append([]sessions.ManagerOption{sessions.WithLogger(quiet)}, opts...)...)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr, reg
}

func initialize(t *testing.T, mgr *sessions.Manager, userID string) *sessions.Transport {
	t.Helper()
	ctx := context.Background()
	tr, err := mgr.Begin(ctx, userID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.Commit(ctx, tr, "2025-06-18", sessions.ClientInfo{Name: "test", Version: "1"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return tr
}

func nextWithin(t *testing.T, s *sessions.Stream, d time.Duration) (eventlog.Event, error) {
	t.Helper()
	type result struct {
		ev  eventlog.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := s.Next()
		ch <- result{ev, err}
	}()
	select {
	case r := <-ch:
		return r.ev, r.err
	case <-time.After(d):
		_ = s.Close()
		r := <-ch
		t.Fatalf("no event within %v (last err %v)", d, r.err)
		return eventlog.Event{}, nil
	}
}

func TestBeginIsInvisibleUntilCommit(t *testing.T) {
	mgr, reg := newManager(t)
	ctx := context.Background()

	tr, err := mgr.Begin(ctx, "alice")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := tr.State(); got != sessions.StateInitializing {
		t.Fatalf("state = %s, want initializing", got)
	}
	if _, err := mgr.Load(ctx, tr.SessionID(), "alice"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("load before commit: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry has %d entries before commit", reg.Len())
	}

	if err := mgr.Commit(ctx, tr, "2025-06-18", sessions.ClientInfo{Name: "c", Version: "2"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := mgr.Load(ctx, tr.SessionID(), "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ci := got.ClientInfo(); ci.Name != "c" || ci.Version != "2" {
		t.Fatalf("client info = %+v", ci)
	}
	if got != tr || got.State() != sessions.StateActive || got.ProtocolVersion() != "2025-06-18" {
		t.Fatalf("unexpected transport: state=%s version=%s", got.State(), got.ProtocolVersion())
	}
	if err := mgr.Commit(ctx, tr, "2025-06-18", sessions.ClientInfo{}); !errors.Is(err, sessions.ErrInvalidSession) {
		t.Fatalf("second commit: %v", err)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	mgr, reg := newManager(t)

	const n = 64
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := mgr.Begin(context.Background(), "u")
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			if err := mgr.Commit(context.Background(), tr, "v", sessions.ClientInfo{}); err != nil {
				t.Errorf("commit: %v", err)
				return
			}
			ids <- tr.SessionID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if reg.Len() != n {
		t.Fatalf("registry len = %d, want %d", reg.Len(), n)
	}
}

func TestDuplicateIDClosesLoser(t *testing.T) {
	mgr, reg := newManager(t, sessions.WithIDGenerator(func() (string, error) { return "fixed", nil }))
	ctx := context.Background()

	first := initialize(t, mgr, "u")
	second, err := mgr.Begin(ctx, "u")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.Commit(ctx, second, "v", sessions.ClientInfo{}); !errors.Is(err, sessions.ErrDuplicateSession) {
		t.Fatalf("commit err = %v, want ErrDuplicateSession", err)
	}
	if second.State() != sessions.StateClosed {
		t.Fatalf("loser state = %s", second.State())
	}
	got, err := reg.Lookup("fixed")
	if err != nil || got != first {
		t.Fatalf("registry lost the original session: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr, reg := newManager(t)
	tr := initialize(t, mgr, "u")

	for i := 0; i < 3; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("close #%d: %v", i, err)
		}
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done not closed")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d after close", reg.Len())
	}
	if _, err := tr.Publish(context.Background(), []byte("x")); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if err := tr.Acquire(context.Background()); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("acquire after close: %v", err)
	}
}

func TestLoadRejectsOtherPrincipal(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "alice")

	if _, err := mgr.Load(context.Background(), tr.SessionID(), "mallory"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("load as other user: %v", err)
	}
	if err := mgr.Terminate(context.Background(), tr.SessionID(), "mallory"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("terminate as other user: %v", err)
	}
	if tr.State() != sessions.StateActive {
		t.Fatalf("state = %s", tr.State())
	}
}

func TestTerminateUnknownLeavesRegistryUnchanged(t *testing.T) {
	mgr, reg := newManager(t)
	initialize(t, mgr, "u")
	initialize(t, mgr, "u")

	if err := mgr.Terminate(context.Background(), "does-not-exist", "u"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("terminate: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("registry len = %d, want 2", reg.Len())
	}
}

func TestTerminate(t *testing.T) {
	mgr, reg := newManager(t)
	tr := initialize(t, mgr, "u")

	if err := mgr.Terminate(context.Background(), tr.SessionID(), "u"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if tr.State() != sessions.StateClosed || reg.Len() != 0 {
		t.Fatalf("state=%s len=%d", tr.State(), reg.Len())
	}
	if _, err := mgr.Load(context.Background(), tr.SessionID(), "u"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("load after terminate: %v", err)
	}
}

func TestStreamResumeAfterDisconnect(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	s, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ev, err := tr.Publish(ctx, []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev.Seq != 1 || ev.StreamID != s.ID() {
		t.Fatalf("event = %+v, want seq 1 on %s", ev, s.ID())
	}
	got, err := nextWithin(t, s, time.Second)
	if err != nil || got.Seq != 1 {
		t.Fatalf("live event = %+v, %v", got, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if tr.State() != sessions.StateActive {
		t.Fatalf("session closed within grace window")
	}

	for _, lastEventID := range []string{"0", eventlog.FormatEventID(s.ID(), 0)} {
		re, err := tr.OpenStream(ctx, lastEventID)
		if err != nil {
			t.Fatalf("reopen %q: %v", lastEventID, err)
		}
		got, err := nextWithin(t, re, time.Second)
		if err != nil || got.Seq != 1 || string(got.Payload) != `{"n":1}` {
			t.Fatalf("replay from %q = %+v, %v", lastEventID, got, err)
		}
		_ = re.Close()
	}
}

func TestFreshStreamDoesNotReplay(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	if _, err := tr.Publish(ctx, []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := tr.Publish(ctx, []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := nextWithin(t, s, time.Second)
	if err != nil || string(got.Payload) != "after" {
		t.Fatalf("first event = %+v, %v", got, err)
	}
}

func TestOpenStreamSupersedes(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	first, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer second.Close()

	if _, err := nextWithin(t, first, time.Second); !errors.Is(err, sessions.ErrStreamSuperseded) {
		t.Fatalf("first stream err = %v, want ErrStreamSuperseded", err)
	}
	_ = first.Close()

	if tr.State() != sessions.StateActive {
		t.Fatalf("closing a superseded stream affected the session")
	}
	if _, err := tr.Publish(ctx, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev, err := nextWithin(t, second, time.Second); err != nil || ev.StreamID != second.ID() {
		t.Fatalf("second stream = %+v, %v", ev, err)
	}
}

func TestOpenStreamRejectsUnusableCheckpoints(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	if _, err := tr.OpenStream(ctx, "unknown_0"); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("unknown stream: %v", err)
	}
	if _, err := tr.OpenStream(ctx, "5"); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("future checkpoint: %v", err)
	}
	if _, err := tr.OpenStream(ctx, "garbage"); !errors.Is(err, eventlog.ErrInvalidEventID) {
		t.Fatalf("malformed id: %v", err)
	}
	if tr.State() != sessions.StateActive {
		t.Fatalf("rejected resume changed session state")
	}
}

func TestCheckpointBelowRetentionFloor(t *testing.T) {
	mgr, _ := newManager(t, sessions.WithEventLogFactory(eventlog.MemoryFactory(eventlog.WithMaxEventsPerStream(2))))
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	s, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	for i := 0; i < 4; i++ {
		if _, err := tr.Publish(ctx, []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if _, err := tr.OpenStream(ctx, eventlog.FormatEventID(s.ID(), 0)); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("checkpoint below floor: %v", err)
	}
	re, err := tr.OpenStream(ctx, eventlog.FormatEventID(s.ID(), 2))
	if err != nil {
		t.Fatalf("checkpoint at floor: %v", err)
	}
	defer re.Close()
	if ev, err := nextWithin(t, re, time.Second); err != nil || ev.Seq != 3 {
		t.Fatalf("first replayed = %+v, %v", ev, err)
	}
}

func TestDisconnectClosesWithoutGrace(t *testing.T) {
	mgr, reg := newManager(t, sessions.WithReconnectGrace(0))
	tr := initialize(t, mgr, "u")

	s, err := tr.OpenStream(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if tr.State() != sessions.StateActive {
		t.Fatalf("session closed before disconnect")
	}
	_ = s.Close()

	if tr.State() != sessions.StateClosed || reg.Len() != 0 {
		t.Fatalf("state=%s len=%d after disconnect", tr.State(), reg.Len())
	}
}

func TestStreamContextEndDetaches(t *testing.T) {
	mgr, _ := newManager(t, sessions.WithReconnectGrace(0))
	tr := initialize(t, mgr, "u")

	ctx, cancel := context.WithCancel(context.Background())
	s, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cancel()
	if _, err := nextWithin(t, s, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("next after cancel: %v", err)
	}
	_ = s.Close()
	<-tr.Done()
}

func TestSessionWithoutStreamStaysOpen(t *testing.T) {
	mgr, reg := newManager(t, sessions.WithReconnectGrace(20*time.Millisecond))
	tr := initialize(t, mgr, "u")

	for range 3 {
		if err := tr.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
		tr.Release()
	}
	time.Sleep(150 * time.Millisecond)
	if tr.State() != sessions.StateActive {
		t.Fatalf("state = %s, want active", tr.State())
	}
	if _, err := mgr.Load(context.Background(), tr.SessionID(), "u"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestDroppedStreamExpires(t *testing.T) {
	mgr, reg := newManager(t, sessions.WithReconnectGrace(20*time.Millisecond))
	tr := initialize(t, mgr, "u")

	s, err := tr.OpenStream(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after its stream dropped")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestAttachedStreamPreventsExpiry(t *testing.T) {
	mgr, _ := newManager(t, sessions.WithReconnectGrace(100*time.Millisecond))
	tr := initialize(t, mgr, "u")

	s, err := tr.OpenStream(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if tr.State() != sessions.StateActive {
		t.Fatal("session expired while a stream was attached")
	}
	_ = s.Close()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after the stream detached")
	}
}

func TestAcquireSerializesAndHoldsReconnectTimer(t *testing.T) {
	mgr, _ := newManager(t, sessions.WithReconnectGrace(100*time.Millisecond))
	tr := initialize(t, mgr, "u")

	if err := tr.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s, err := tr.OpenStream(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tr.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire = %v, want deadline exceeded", err)
	}
	time.Sleep(150 * time.Millisecond)
	if tr.State() != sessions.StateActive {
		t.Fatal("session expired while acquired")
	}

	tr.Release()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed after release")
	}
}

func TestNotifyPublishesNotification(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")
	ctx := context.Background()

	s, err := tr.OpenStream(ctx, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := tr.Notify(ctx, "notifications/progress", map[string]any{"progress": 1}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	ev, err := nextWithin(t, s, time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var msg struct {
		JSONRPC string         `json:"jsonrpc"`
		Method  string         `json:"method"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.JSONRPC != "2.0" || msg.Method != "notifications/progress" || msg.Params["progress"] != float64(1) {
		t.Fatalf("unexpected notification %s", ev.Payload)
	}
}

func TestCloseTerminatesOpenStream(t *testing.T) {
	mgr, _ := newManager(t)
	tr := initialize(t, mgr, "u")

	s, err := tr.OpenStream(context.Background(), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = tr.Close()
	if _, err := nextWithin(t, s, time.Second); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("next after close = %v", err)
	}
	_ = s.Close()
	if _, err := tr.OpenStream(context.Background(), ""); !errors.Is(err, sessions.ErrSessionClosed) {
		t.Fatalf("open after close: %v", err)
	}
}

type failingLog struct {
	*eventlog.Memory
}

func (f failingLog) Close() error {
	_ = f.Memory.Close()
	return errors.New("boom")
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	mgr, reg := newManager(t)
	ctx := context.Background()

	pending, err := mgr.Begin(ctx, "u")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	err = mgr.Commit(ctx, pending, "2025-06-18", sessions.ClientInfo{Name: "test"})
	if !errors.Is(err, sessions.ErrShuttingDown) {
		t.Fatalf("commit after shutdown = %v, want %v", err, sessions.ErrShuttingDown)
	}
	if pending.State() != sessions.StateClosed {
		t.Fatalf("pending session state = %s, want closed", pending.State())
	}
	if _, err := mgr.Begin(ctx, "u"); !errors.Is(err, sessions.ErrShuttingDown) {
		t.Fatalf("begin after shutdown = %v, want %v", err, sessions.ErrShuttingDown)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	var n int
	var mu sync.Mutex
	factory := func(ctx context.Context, sessionID string) (eventlog.Log, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 2 {
			return failingLog{eventlog.NewMemory()}, nil
		}
		return eventlog.NewMemory(), nil
	}
	mgr, reg := newManager(t, sessions.WithEventLogFactory(factory))
	var all []*sessions.Transport
	for i := 0; i < 3; i++ {
		all = append(all, initialize(t, mgr, "u"))
	}

	err := mgr.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("shutdown err = %v, want the failing close reported", err)
	}
	for _, tr := range all {
		if tr.State() != sessions.StateClosed {
			t.Fatalf("session %s not closed", tr.SessionID())
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestEphemeralIsNeverRegistered(t *testing.T) {
	mgr, reg := newManager(t)
	tr, err := mgr.Ephemeral(context.Background(), "u")
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	if tr.State() != sessions.StateActive || reg.Len() != 0 {
		t.Fatalf("state=%s len=%d", tr.State(), reg.Len())
	}
	if _, err := mgr.Load(context.Background(), tr.SessionID(), "u"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("load ephemeral: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestActiveSessionGauge(t *testing.T) {
	promReg := prometheus.NewRegistry()
	mgr, _ := newManager(t, sessions.WithRegisterer(promReg))
	a := initialize(t, mgr, "u")
	initialize(t, mgr, "u")
	_ = a.Close()

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	if values["mcp_sessions_active"] != 1 {
		t.Fatalf("active = %v, want 1", values["mcp_sessions_active"])
	}
	if values["mcp_sessions_created_total"] != 2 || values["mcp_sessions_closed_total"] != 1 {
		t.Fatalf("created=%v closed=%v", values["mcp_sessions_created_total"], values["mcp_sessions_closed_total"])
	}
}
