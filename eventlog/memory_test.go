package eventlog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/ggoodman/mcp-resource-server/eventlog/eventlogtest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemory(t *testing.T) {
	eventlogtest.RunLogTests(t, func(t *testing.T) eventlog.Log {
		return eventlog.NewMemory()
	})
}

func TestMemory_CheckpointFloor(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemory(eventlog.WithMaxEventsPerStream(3))
	defer l.Close()

	for i := 1; i <= 5; i++ {
		if _, err := l.Append(ctx, "s", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Events 1 and 2 were evicted; 3..5 remain.
	for _, k := range []int64{0, 1} {
		if _, err := l.ReplayFrom(ctx, "s", k); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
			t.Fatalf("replay from %d: want %v got %v", k, eventlog.ErrCheckpointUnavailable, err)
		}
		if _, err := l.Subscribe(ctx, "s", k); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
			t.Fatalf("subscribe from %d: want %v got %v", k, eventlog.ErrCheckpointUnavailable, err)
		}
	}

	evs, err := l.ReplayFrom(ctx, "s", 2)
	if err != nil {
		t.Fatalf("replay from floor: %v", err)
	}
	if len(evs) != 3 || evs[0].Seq != 3 || evs[2].Seq != 5 {
		t.Fatalf("unexpected replay from floor: %+v", evs)
	}
}

func TestMemory_CursorFallsBehindRetention(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemory(eventlog.WithMaxEventsPerStream(2))
	defer l.Close()

	cur, err := l.Subscribe(ctx, "s", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cur.Close()

	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, "s", []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := cur.Next(ctx); !errors.Is(err, eventlog.ErrCheckpointUnavailable) {
		t.Fatalf("unexpected error: want %v got %v", eventlog.ErrCheckpointUnavailable, err)
	}
}

func TestMemory_CursorClose(t *testing.T) {
	l := eventlog.NewMemory()
	defer l.Close()

	cur, err := l.Subscribe(context.Background(), "s", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = cur.Close()
	_ = cur.Close()
	if _, err := cur.Next(context.Background()); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("unexpected error: want %v got %v", eventlog.ErrClosed, err)
	}
}

func TestMemory_AppendCopiesPayload(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemory()
	defer l.Close()

	buf := []byte("original")
	if _, err := l.Append(ctx, "s", buf); err != nil {
		t.Fatalf("append: %v", err)
	}
	copy(buf, "mutated!")

	evs, err := l.ReplayFrom(ctx, "s", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if string(evs[0].Payload) != "original" {
		t.Fatalf("payload aliased caller buffer: %q", evs[0].Payload)
	}
}

func TestParseEventID(t *testing.T) {
	tests := []struct {
		in         string
		wantStream string
		wantSeq    int64
		wantErr    bool
	}{
		{in: "abc_12", wantStream: "abc", wantSeq: 12},
		{in: "a_b_3", wantStream: "a_b", wantSeq: 3},
		{in: "0", wantSeq: 0},
		{in: " 7 ", wantSeq: 7},
		{in: "", wantErr: true},
		{in: "_3", wantErr: true},
		{in: "abc_", wantErr: true},
		{in: "abc_-1", wantErr: true},
		{in: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			stream, seq, err := eventlog.ParseEventID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, eventlog.ErrInvalidEventID) {
					t.Fatalf("unexpected error: want %v got %v", eventlog.ErrInvalidEventID, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if stream != tt.wantStream || seq != tt.wantSeq {
				t.Fatalf("unexpected parse: want (%q,%d) got (%q,%d)", tt.wantStream, tt.wantSeq, stream, seq)
			}
		})
	}

	if got := eventlog.FormatEventID("abc", 12); got != "abc_12" {
		t.Fatalf("unexpected format: %q", got)
	}
}
