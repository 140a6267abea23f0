// Package eventlogtest is a conformance suite for eventlog.Log
// implementations.
package eventlogtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-resource-server/eventlog"
)

// LogFactory creates an empty log for one test.
type LogFactory func(t *testing.T) eventlog.Log

// RunLogTests runs the complete suite against the provided factory.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("SequenceStartsAtOneAndIncreases", func(t *testing.T) {
		testSequence(t, factory)
	})
	t.Run("ReplayContiguity", func(t *testing.T) {
		testReplayContiguity(t, factory)
	})
	t.Run("ReplayIsolatesStreams", func(t *testing.T) {
		testReplayIsolatesStreams(t, factory)
	})
	t.Run("FutureCheckpointUnavailable", func(t *testing.T) {
		testFutureCheckpoint(t, factory)
	})
	t.Run("CursorReplaysThenFollows", func(t *testing.T) {
		testCursorReplaysThenFollows(t, factory)
	})
	t.Run("CursorContextCancellation", func(t *testing.T) {
		testCursorCancellation(t, factory)
	})
	t.Run("CloseReleasesCursorsAndIsIdempotent", func(t *testing.T) {
		testClose(t, factory)
	})
	t.Run("ConcurrentAppendsAreUnique", func(t *testing.T) {
		testConcurrentAppends(t, factory)
	})
}

func newLog(t *testing.T, factory LogFactory) eventlog.Log {
	t.Helper()
	l := factory(t)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustAppend(t *testing.T, l eventlog.Log, streamID string, payload string) eventlog.Event {
	t.Helper()
	ev, err := l.Append(context.Background(), streamID, []byte(payload))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func testSequence(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	for i := int64(1); i <= 5; i++ {
		ev := mustAppend(t, l, "a", fmt.Sprintf("m%d", i))
		if ev.Seq != i {
			t.Fatalf("unexpected sequence: want %d got %d", i, ev.Seq)
		}
		if ev.StreamID != "a" {
			t.Fatalf("unexpected stream: %q", ev.StreamID)
		}
	}
}

func testReplayContiguity(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	const n = 8
	for i := 1; i <= n; i++ {
		mustAppend(t, l, "s", fmt.Sprintf("m%d", i))
	}

	for k := int64(0); k <= n; k++ {
		evs, err := l.ReplayFrom(context.Background(), "s", k)
		if err != nil {
			t.Fatalf("replay from %d: %v", k, err)
		}
		if got, want := int64(len(evs)), n-k; got != want {
			t.Fatalf("replay from %d: want %d events got %d", k, want, got)
		}
		for i, ev := range evs {
			if want := k + int64(i) + 1; ev.Seq != want {
				t.Fatalf("replay from %d: position %d want seq %d got %d", k, i, want, ev.Seq)
			}
			if want := fmt.Sprintf("m%d", ev.Seq); string(ev.Payload) != want {
				t.Fatalf("unexpected payload: want %q got %q", want, ev.Payload)
			}
		}
	}
}

func testReplayIsolatesStreams(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	mustAppend(t, l, "a", "a1") // 1
	mustAppend(t, l, "b", "b1") // 2
	mustAppend(t, l, "a", "a2") // 3

	evs, err := l.ReplayFrom(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 1 || evs[1].Seq != 3 {
		t.Fatalf("unexpected replay of stream a: %+v", evs)
	}

	evs, err = l.ReplayFrom(context.Background(), "b", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != 1 || string(evs[0].Payload) != "b1" {
		t.Fatalf("unexpected replay of stream b: %+v", evs)
	}

	evs, err = l.ReplayFrom(context.Background(), "unknown", 0)
	if err != nil {
		t.Fatalf("replay unknown stream: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected empty replay for unknown stream, got %d", len(evs))
	}
}

func testFutureCheckpoint(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	mustAppend(t, l, "s", "m1")

	if _, err := l.ReplayFrom(context.Background(), "s", 1); err != nil {
		t.Fatalf("caught-up replay should succeed: %v", err)
	}
	if _, err := l.ReplayFrom(context.Background(), "s", 2); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("unexpected error: want %v got %v", eventlog.ErrCheckpointUnavailable, err)
	}
	if _, err := l.Subscribe(context.Background(), "s", 9); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("unexpected subscribe error: want %v got %v", eventlog.ErrCheckpointUnavailable, err)
	}
}

func testCursorReplaysThenFollows(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mustAppend(t, l, "s", "m1")
	mustAppend(t, l, "s", "m2")

	cur, err := l.Subscribe(ctx, "s", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cur.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		for _, a := range [][2]string{{"other", "x"}, {"s", "m4"}} {
			if _, err := l.Append(context.Background(), a[0], []byte(a[1])); err != nil {
				t.Errorf("append: %v", err)
			}
		}
	}()

	var got []int64
	for len(got) < 2 {
		ev, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, ev.Seq)
	}
	<-done

	if got[0] != 2 || got[1] != 4 {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func testCursorCancellation(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	cur, err := l.Subscribe(context.Background(), "s", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cur.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := cur.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: want %v got %v", context.DeadlineExceeded, err)
	}
}

func testClose(t *testing.T, factory LogFactory) {
	l := factory(t)
	mustAppend(t, l, "s", "m1")

	cur, err := l.Subscribe(context.Background(), "s", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cur.Close()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := cur.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := <-errCh; !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("unexpected cursor error after close: want %v got %v", eventlog.ErrClosed, err)
	}
	if _, err := l.Append(context.Background(), "s", []byte("late")); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("unexpected append error after close: want %v got %v", eventlog.ErrClosed, err)
	}
	if _, err := l.ReplayFrom(context.Background(), "s", 0); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("unexpected replay error after close: want %v got %v", eventlog.ErrClosed, err)
	}
}

func testConcurrentAppends(t *testing.T, factory LogFactory) {
	l := newLog(t, factory)
	const workers, each = 8, 25

	var wg sync.WaitGroup
	seqs := make(chan int64, workers*each)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				ev, err := l.Append(context.Background(), "s", []byte(fmt.Sprintf("%d-%d", w, i)))
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				seqs <- ev.Seq
			}
		}(w)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate sequence %d", s)
		}
		seen[s] = true
	}

	evs, err := l.ReplayFrom(context.Background(), "s", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(evs) != workers*each {
		t.Fatalf("unexpected replay length: want %d got %d", workers*each, len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("replay out of order at %d: %d after %d", i, evs[i].Seq, evs[i-1].Seq)
		}
	}
}
