package store

import (
	"context"
	"sync"
	"time"

	"loom/internal/async"
	"loom/internal/logging"
	"loom/pkg/types"
)

const (
	defaultFlushInterval  = 2 * time.Second
	defaultBurstThreshold = 1000
	defaultMaxRetries     = 3

	// finalizedTTL bounds how long finalized message ids are remembered.
	// Progress callbacks racing a stop can enqueue a few frames after the
	// terminal write; the tombstone swallows them so a flush can never
	// resurrect a finished message as streaming.
	finalizedTTL = time.Minute
)

// Coalescer batches message writes during streaming. Every frame produces an
// update, but only the newest content per message matters, so updates land
// in a last-write-wins pending map and a timer flushes them on a fixed
// cadence. Two situations bypass the timer: enough new content accumulating
// since the last persisted write, and the message reaching a terminal state,
// which is always written synchronously before Enqueue returns.
//
// The Coalescer is the only goroutine that mutates its pending map; writers
// of different messages never contend beyond the map lock.
type Coalescer struct {
	store      MessageWriter
	interval   time.Duration
	burst      int
	maxRetries int
	onWrite    func(outcome string)
	logger     logging.Logger

	mu        sync.Mutex
	pending   map[string]*pendingUpdate
	persisted map[string]int       // messageID -> content length last written
	finalized map[string]time.Time // tombstones for finished messages

	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type pendingUpdate struct {
	messageID string
	content   string
	metadata  types.MessageMetadata
	retries   int
}

// Write outcome labels reported through OnWrite.
const (
	WriteOK      = "ok"
	WriteRetry   = "retry"
	WriteDirect  = "direct"
	WriteDropped = "dropped"
)

// CoalescerOptions tunes the write batching.
type CoalescerOptions struct {
	Interval       time.Duration
	BurstThreshold int
	MaxRetries     int
	// OnWrite observes every write attempt's outcome, for metrics.
	OnWrite func(outcome string)
}

// NewCoalescer wraps store with write batching.
func NewCoalescer(store MessageWriter, opts CoalescerOptions, logger logging.Logger) *Coalescer {
	if opts.Interval <= 0 {
		opts.Interval = defaultFlushInterval
	}
	if opts.BurstThreshold <= 0 {
		opts.BurstThreshold = defaultBurstThreshold
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Coalescer{
		store:      store,
		interval:   opts.Interval,
		burst:      opts.BurstThreshold,
		maxRetries: opts.MaxRetries,
		onWrite:    opts.OnWrite,
		logger:     logging.OrNop(logger),
		pending:    make(map[string]*pendingUpdate),
		persisted:  make(map[string]int),
		finalized:  make(map[string]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the timer flush loop. Safe to call once; Close stops it.
func (c *Coalescer) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		async.Go(c.logger, "coalescer-flush", func() {
			defer close(c.done)
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.FlushAll(ctx)
					c.pruneTombstones()
				case <-c.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		})
	})
}

// Enqueue records the newest content and metadata for a message. Older
// pending content for the same message is replaced, never appended. Terminal
// metadata and burst-sized growth flush inline; everything else waits for
// the timer.
func (c *Coalescer) Enqueue(ctx context.Context, messageID, content string, meta types.MessageMetadata) {
	if messageID == "" {
		return
	}

	c.mu.Lock()
	if _, done := c.finalized[messageID]; done {
		// A stop or failure already wrote this message's last state; frames
		// still in flight must not bring it back.
		c.mu.Unlock()
		return
	}
	entry, ok := c.pending[messageID]
	if !ok {
		entry = &pendingUpdate{messageID: messageID}
		c.pending[messageID] = entry
	}
	entry.content = content
	entry.metadata = meta.Clone()
	grown := len(content) - c.persisted[messageID]
	terminal := meta.Terminal()
	if terminal {
		c.finalized[messageID] = time.Now()
	}
	c.mu.Unlock()

	if terminal {
		// The caller must be able to rely on terminal state being durable
		// when Enqueue returns.
		c.finalize(ctx, messageID)
		return
	}
	if grown >= c.burst {
		c.FlushMessage(ctx, messageID)
	}
}

// Finalize records the last state of a message and writes it synchronously,
// whatever the metadata says. Failed turns end here too: their metadata is
// not terminal in the Enqueue sense but the message is done and its burst
// tracking must be released.
func (c *Coalescer) Finalize(ctx context.Context, messageID, content string, meta types.MessageMetadata) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	entry, ok := c.pending[messageID]
	if !ok {
		entry = &pendingUpdate{messageID: messageID}
		c.pending[messageID] = entry
	}
	entry.content = content
	entry.metadata = meta.Clone()
	c.finalized[messageID] = time.Now()
	c.mu.Unlock()

	c.finalize(ctx, messageID)
}

func (c *Coalescer) finalize(ctx context.Context, messageID string) {
	c.FlushMessage(ctx, messageID)
	c.mu.Lock()
	delete(c.persisted, messageID)
	c.mu.Unlock()
}

func (c *Coalescer) pruneTombstones() {
	now := time.Now()
	c.mu.Lock()
	for id, at := range c.finalized {
		if now.Sub(at) > finalizedTTL {
			delete(c.finalized, id)
		}
	}
	c.mu.Unlock()
}

// FlushMessage writes the pending update for one message synchronously.
// Missing entries are a no-op.
func (c *Coalescer) FlushMessage(ctx context.Context, messageID string) {
	c.mu.Lock()
	entry, ok := c.pending[messageID]
	if !ok {
		c.mu.Unlock()
		return
	}
	snapshot := *entry
	c.mu.Unlock()

	c.write(ctx, snapshot)
}

// FlushAll writes every pending update once.
func (c *Coalescer) FlushAll(ctx context.Context) {
	c.mu.Lock()
	snapshots := make([]pendingUpdate, 0, len(c.pending))
	for _, entry := range c.pending {
		snapshots = append(snapshots, *entry)
	}
	c.mu.Unlock()

	for _, snapshot := range snapshots {
		c.write(ctx, snapshot)
	}
}

// Pending reports how many updates are waiting; exported for gauges.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the flush loop and drains whatever is still pending.
func (c *Coalescer) Close(ctx context.Context) {
	c.Start(ctx) // ensure done is eventually closed even if never started
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	c.FlushAll(ctx)
}

// write attempts one store write for the snapshot and reconciles the pending
// map afterwards. Failures keep the entry pending until the retry budget is
// spent, then fall back to one direct write; the outcome is always logged.
func (c *Coalescer) write(ctx context.Context, snapshot pendingUpdate) {
	err := c.store.UpdateMessage(ctx, snapshot.messageID, snapshot.content, snapshot.metadata)
	if err == nil {
		c.settle(snapshot)
		c.observe(WriteOK)
		return
	}

	c.mu.Lock()
	entry, ok := c.pending[snapshot.messageID]
	if !ok {
		// Someone else settled it meanwhile; nothing to retry.
		c.mu.Unlock()
		c.logger.Warn("write for %s failed after entry settled: %v", snapshot.messageID, err)
		return
	}
	entry.retries++
	retries := entry.retries
	final := *entry
	exhausted := retries > c.maxRetries
	if exhausted {
		delete(c.pending, snapshot.messageID)
	}
	c.mu.Unlock()

	if !exhausted {
		c.logger.Warn("write for %s failed (attempt %d/%d), kept pending: %v",
			snapshot.messageID, retries, c.maxRetries, err)
		c.observe(WriteRetry)
		return
	}

	// Retry budget spent: one direct, unbatched write, then give up loudly.
	if directErr := c.store.UpdateMessage(ctx, final.messageID, final.content, final.metadata); directErr != nil {
		c.logger.Error("dropping update for %s after %d retries and a direct write: %v",
			final.messageID, c.maxRetries, directErr)
		c.observe(WriteDropped)
		return
	}
	c.logger.Warn("update for %s landed via direct write after %d failed batched attempts",
		final.messageID, c.maxRetries)
	c.settleDirect(final)
	c.observe(WriteDirect)
}

func (c *Coalescer) observe(outcome string) {
	if c.onWrite != nil {
		c.onWrite(outcome)
	}
}

// settle clears the pending entry if it still matches what was written and
// records the persisted content length for burst tracking.
func (c *Coalescer) settle(snapshot pendingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.pending[snapshot.messageID]; ok {
		if entry.content == snapshot.content && entry.metadata.Streaming == snapshot.metadata.Streaming {
			delete(c.pending, snapshot.messageID)
		} else {
			// Newer content arrived while writing; it stays pending but the
			// retry count starts over.
			entry.retries = 0
		}
	}
	if snapshot.metadata.Terminal() {
		delete(c.persisted, snapshot.messageID)
	} else {
		c.persisted[snapshot.messageID] = len(snapshot.content)
	}
}

func (c *Coalescer) settleDirect(final pendingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if final.metadata.Terminal() {
		delete(c.persisted, final.messageID)
	} else {
		c.persisted[final.messageID] = len(final.content)
	}
}
