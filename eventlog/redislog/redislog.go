// Package redislog stores session event logs in Redis Streams so that
// retained push messages live outside the server's heap.
//
// Each session owns a sequence counter and one Redis stream per logical
// push stream. Entry ids are "<seq>-0", which keeps Redis ordering and
// session sequence numbers identical. All keys of a session share a hash tag
// so the Lua append script stays on one cluster slot.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-resource-server/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:"`
	// KeyTTL bounds how long keys of an abandoned session survive a crash.
	// Appends and reads refresh it. Zero means DefaultKeyTTL and a negative
	// value disables expiry. ENV: EVENTLOG_KEY_TTL
	KeyTTL time.Duration `env:"EVENTLOG_KEY_TTL,default=24h"`
	// PollInterval is the XREAD block duration used by cursors.
	PollInterval time.Duration `env:"EVENTLOG_POLL_INTERVAL,default=500ms"`
}

// DefaultKeyTTL applies when Config.KeyTTL is zero.
const DefaultKeyTTL = 24 * time.Hour

// Store creates per-session logs on a shared Redis client.
type Store struct {
	client redis.UniversalClient
	cfg    Config
	owned  bool
}

// New connects to cfg.RedisAddr.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = withDefaults(cfg)
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: cl, cfg: cfg, owned: true}, nil
}

// ConfigFromEnv decodes Config from the environment. Malformed values are
// an error.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Store from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (*Store, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	return &Store{client: client, cfg: withDefaults(cfg)}
}

func withDefaults(cfg Config) Config {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:eventlog:"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.KeyTTL == 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	return cfg
}

func (s *Store) ttlMillis() int64 {
	if s.cfg.KeyTTL < 0 {
		return 0
	}
	return s.cfg.KeyTTL.Milliseconds()
}

// Close closes the Redis client if the Store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Factory returns an eventlog.Factory bound to this store.
func (s *Store) Factory() eventlog.Factory {
	return func(ctx context.Context, sessionID string) (eventlog.Log, error) {
		return s.Open(ctx, sessionID)
	}
}

// Open returns the log of sessionID. Any keys left behind by an earlier
// process for the same id are discarded first.
func (s *Store) Open(ctx context.Context, sessionID string) (*Log, error) {
	l := &Log{store: s, sessionID: sessionID}
	if err := l.deleteKeys(ctx); err != nil {
		return nil, fmt.Errorf("reset session keys: %w", err)
	}
	return l, nil
}

// ARGV[4] is the highest sequence this process has handed out. If the
// counter was lost the script resumes above it instead of reusing numbers.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[4])
if seq <= floor then
  seq = floor + 1
  redis.call('SET', KEYS[1], seq)
end
redis.call('XADD', KEYS[2], seq .. '-0', 'd', ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
return seq
`)

var _ eventlog.Log = (*Log)(nil)

// Log is the Redis-backed log of one session.
type Log struct {
	store     *Store
	sessionID string
	closed    atomic.Bool
	lastSeq   atomic.Int64
}

// --- Key helpers ---

func (l *Log) base() string       { return l.store.cfg.KeyPrefix + "{" + l.sessionID + "}:" }
func (l *Log) seqKey() string     { return l.base() + "seq" }
func (l *Log) streamsKey() string { return l.base() + "streams" }
func (l *Log) streamKey(streamID string) string {
	return l.base() + "stream:" + streamID
}

func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (eventlog.Event, error) {
	if l.closed.Load() {
		return eventlog.Event{}, eventlog.ErrClosed
	}
	keys := []string{l.seqKey(), l.streamKey(streamID), l.streamsKey()}
	seq, err := appendScript.Run(ctx, l.store.client, keys, payload, streamID, l.store.ttlMillis(), l.lastSeq.Load()).Int64()
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("redis append: %w", err)
	}
	l.observe(seq)
	return eventlog.Event{StreamID: streamID, Seq: seq, Payload: append([]byte(nil), payload...)}, nil
}

func (l *Log) observe(seq int64) {
	for {
		cur := l.lastSeq.Load()
		if seq <= cur || l.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// touch extends the expiry of the session keys and of streamID.
func (l *Log) touch(ctx context.Context, streamID string) error {
	ttl := l.store.ttlMillis()
	if ttl == 0 {
		return nil
	}
	d := time.Duration(ttl) * time.Millisecond
	_, err := l.store.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.PExpire(ctx, l.seqKey(), d)
		p.PExpire(ctx, l.streamsKey(), d)
		p.PExpire(ctx, l.streamKey(streamID), d)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis refresh ttl: %w", err)
	}
	return nil
}

func (l *Log) ReplayFrom(ctx context.Context, streamID string, checkpoint int64) ([]eventlog.Event, error) {
	if err := l.check(ctx, checkpoint); err != nil {
		return nil, err
	}
	if err := l.touch(ctx, streamID); err != nil {
		return nil, err
	}
	msgs, err := l.store.client.XRange(ctx, l.streamKey(streamID), afterID(checkpoint), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis replay: %w", err)
	}
	return toEvents(streamID, msgs)
}

func (l *Log) Subscribe(ctx context.Context, streamID string, checkpoint int64) (eventlog.Cursor, error) {
	if err := l.check(ctx, checkpoint); err != nil {
		return nil, err
	}
	if err := l.touch(ctx, streamID); err != nil {
		return nil, err
	}
	return &cursor{log: l, streamID: streamID, last: checkpoint, touched: time.Now(), done: make(chan struct{})}, nil
}

func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.deleteKeys(ctx)
}

func (l *Log) deleteKeys(ctx context.Context) error {
	streams, err := l.store.client.SMembers(ctx, l.streamsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis list streams: %w", err)
	}
	keys := []string{l.seqKey(), l.streamsKey()}
	for _, s := range streams {
		keys = append(keys, l.streamKey(s))
	}
	if err := l.store.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// check validates a checkpoint against the latest assigned sequence. Redis
// streams are never trimmed here, so there is no eviction floor.
func (l *Log) check(ctx context.Context, checkpoint int64) error {
	if l.closed.Load() {
		return eventlog.ErrClosed
	}
	if checkpoint < 0 {
		return eventlog.ErrCheckpointUnavailable
	}
	latest, err := l.store.client.Get(ctx, l.seqKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis read sequence: %w", err)
	}
	latest = max(latest, l.lastSeq.Load())
	if checkpoint > latest {
		return eventlog.ErrCheckpointUnavailable
	}
	return nil
}

// afterID is the smallest entry id strictly greater than "<seq>-0".
func afterID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-1"
}

func toEvents(streamID string, msgs []redis.XMessage) ([]eventlog.Event, error) {
	out := make([]eventlog.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := toEvent(streamID, m)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func toEvent(streamID string, m redis.XMessage) (eventlog.Event, error) {
	seqPart, _, _ := strings.Cut(m.ID, "-")
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("unexpected stream entry id %q: %w", m.ID, err)
	}
	var payload []byte
	switch v := m.Values["d"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return eventlog.Event{}, fmt.Errorf("unexpected payload type %T in entry %q", v, m.ID)
	}
	return eventlog.Event{StreamID: streamID, Seq: seq, Payload: payload}, nil
}

type cursor struct {
	log      *Log
	streamID string
	last     int64
	buf      []eventlog.Event
	touched  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func (c *cursor) Next(ctx context.Context) (eventlog.Event, error) {
	for {
		select {
		case <-c.done:
			return eventlog.Event{}, eventlog.ErrClosed
		case <-ctx.Done():
			return eventlog.Event{}, ctx.Err()
		default:
		}
		if c.log.closed.Load() {
			return eventlog.Event{}, eventlog.ErrClosed
		}

		if ttl := c.log.store.cfg.KeyTTL; ttl > 0 && time.Since(c.touched) > ttl/4 {
			if err := c.log.touch(ctx, c.streamID); err != nil {
				return eventlog.Event{}, err
			}
			c.touched = time.Now()
		}

		if len(c.buf) > 0 {
			ev := c.buf[0]
			c.buf = c.buf[1:]
			c.last = ev.Seq
			return ev, nil
		}

		res, err := c.log.store.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{c.log.streamKey(c.streamID), strconv.FormatInt(c.last, 10) + "-0"},
			Count:   100,
			Block:   c.log.store.cfg.PollInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return eventlog.Event{}, ctx.Err()
			}
			return eventlog.Event{}, fmt.Errorf("redis read: %w", err)
		}
		for _, s := range res {
			evs, err := toEvents(c.streamID, s.Messages)
			if err != nil {
				return eventlog.Event{}, err
			}
			c.buf = append(c.buf, evs...)
		}
	}
}

func (c *cursor) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
