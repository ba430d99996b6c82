// Package buffer implements the Smoothing Buffer (spec §4.D): a
// write-coalescing layer in front of the Tool Registry's usage counters, so
// a burst of concurrent tool calls doesn't serialize behind the registry's
// own lock on every single call. Writes accumulate in memory and in an
// on-disk (or Redis) journal, flushed periodically or on demand.
package buffer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
)

// Sink receives a flushed batch of usage deltas, keyed by tool id.
type Sink interface {
	RecordUsage(toolID string, n int)
}

// Status reports the buffer's current in-memory state.
type Status struct {
	BufferID    string
	Pending     map[string]int
	LastFlushAt time.Time
}

// Buffer coalesces Write calls in memory, journals them for crash recovery,
// and periodically flushes the accumulated deltas into a Sink.
type Buffer struct {
	bufferID string
	journal  string // on-disk journal path; empty when redis is configured
	redis    *redis.Client

	mu          sync.Mutex
	pending     map[string]int
	lastFlushAt time.Time

	sink   Sink
	log    telemetry.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithRedis backs the journal with a Redis string key holding the
// JSON-encoded pending counts instead of a file.
func WithRedis(c *redis.Client) Option { return func(b *Buffer) { b.redis = c } }

// WithLogger overrides the buffer's logger.
func WithLogger(l telemetry.Logger) Option { return func(b *Buffer) { b.log = l } }

// New constructs a Buffer identified by bufferID, journaling to journalDir
// (a file named bufferID+".json" within it) unless WithRedis is given.
func New(bufferID, journalDir string, sink Sink, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		bufferID: bufferID,
		pending:  map[string]int{},
		sink:     sink,
		log:      telemetry.NewNoopLogger(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.redis == nil {
		if err := os.MkdirAll(journalDir, 0o755); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindStorage, "create buffer journal dir", err)
		}
		b.journal = filepath.Join(journalDir, bufferID+".json")
		if err := b.restoreFromFile(); err != nil {
			return nil, err
		}
	} else {
		if err := b.restoreFromRedis(context.Background()); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Write records n additional uses of toolID, journaling the updated pending
// map before returning so a crash between Write and the next Flush never
// loses a count.
func (b *Buffer) Write(toolID string, n int) {
	b.mu.Lock()
	b.pending[toolID] += n
	snapshot := cloneCounts(b.pending)
	b.mu.Unlock()

	if err := b.journalSnapshot(snapshot); err != nil {
		b.log.Warn(context.Background(), "buffer journal write failed", "buffer_id", b.bufferID, "err", err.Error())
	}
}

// Flush drains all pending counts into the sink and clears the journal.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = map[string]int{}
	b.lastFlushAt = time.Now()
	b.mu.Unlock()

	for toolID, n := range pending {
		if n == 0 {
			continue
		}
		b.sink.RecordUsage(toolID, n)
	}
	if err := b.journalSnapshot(map[string]int{}); err != nil {
		b.log.Warn(ctx, "buffer journal clear failed", "buffer_id", b.bufferID, "err", err.Error())
	}
}

// Status returns a snapshot of the buffer's pending counts.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{BufferID: b.bufferID, Pending: cloneCounts(b.pending), LastFlushAt: b.lastFlushAt}
}

// Clear discards pending counts without flushing them to the sink, used
// when a session aborts and its speculative usage should not be recorded.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.pending = map[string]int{}
	b.mu.Unlock()
	_ = b.journalSnapshot(map[string]int{})
}

// StartAutoFlush begins a background goroutine flushing every interval
// until Stop is called.
func (b *Buffer) StartAutoFlush(ctx context.Context, interval time.Duration) {
	b.ticker = time.NewTicker(interval)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ticker.C:
				b.Flush(ctx)
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop halts the auto-flush goroutine, if running.
func (b *Buffer) Stop() {
	if b.ticker != nil {
		b.ticker.Stop()
	}
	close(b.stop)
	b.wg.Wait()
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (b *Buffer) journalSnapshot(counts map[string]int) error {
	if b.redis != nil {
		return b.journalToRedis(context.Background(), counts)
	}
	blob, err := json.Marshal(counts)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "marshal buffer journal", err)
	}
	tmp := b.journal + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "write buffer journal", err)
	}
	if err := os.Rename(tmp, b.journal); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "rename buffer journal", err)
	}
	return nil
}

func (b *Buffer) restoreFromFile() error {
	data, err := os.ReadFile(b.journal)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "read buffer journal", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "parse buffer journal", err)
	}
	b.pending = counts
	return nil
}

func (b *Buffer) journalToRedis(ctx context.Context, counts map[string]int) error {
	key := "kortex:buffer:" + b.bufferID
	blob, err := json.Marshal(counts)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "marshal buffer journal", err)
	}
	if err := b.redis.Set(ctx, key, blob, 0).Err(); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "write buffer journal to redis", err)
	}
	return nil
}

func (b *Buffer) restoreFromRedis(ctx context.Context) error {
	key := "kortex:buffer:" + b.bufferID
	data, err := b.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "read buffer journal from redis", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(data, &counts); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "parse buffer journal from redis", err)
	}
	b.pending = counts
	return nil
}
