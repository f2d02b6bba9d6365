package turn

import (
	"strings"
	"sync"
	"time"
)

// Default coalescing windows for the opening turn.
const (
	DefaultFirstChunkWait = 1200 * time.Millisecond
	DefaultCoalesceWait   = 700 * time.Millisecond
	DefaultMaxWait        = 3 * time.Second
)

// CoalescerConfig holds the opening-turn timing windows.
type CoalescerConfig struct {
	// FirstChunkWait is how long to wait after the first fragment.
	FirstChunkWait time.Duration

	// CoalesceWait is the shorter wait restarted by every further fragment.
	CoalesceWait time.Duration

	// MaxWait caps the total wait measured from the first fragment.
	MaxWait time.Duration
}

func (c CoalescerConfig) withDefaults() CoalescerConfig {
	if c.FirstChunkWait <= 0 {
		c.FirstChunkWait = DefaultFirstChunkWait
	}
	if c.CoalesceWait <= 0 {
		c.CoalesceWait = DefaultCoalesceWait
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// Coalescer buffers the fragments of a call's first user turn and forwards
// every later fragment immediately. It is safe for concurrent use.
type Coalescer struct {
	cfg   CoalescerConfig
	queue *Queue

	mu        sync.Mutex
	fragments []string
	firstAt   time.Time
	lastAt    time.Time
	timer     *time.Timer
	gen       uint64
	firstDone bool
	stopped   bool
}

// NewCoalescer returns a Coalescer that pushes finished turns onto queue.
func NewCoalescer(cfg CoalescerConfig, queue *Queue) *Coalescer {
	return &Coalescer{cfg: cfg.withDefaults(), queue: queue}
}

// Add accepts one finalized transcript fragment.
func (c *Coalescer) Add(text string) {
	text = normalize(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	now := time.Now()
	if c.firstDone {
		c.queue.Push(Pending{Text: text, FinalizedAt: now})
		return
	}

	wait := c.cfg.CoalesceWait
	if len(c.fragments) == 0 {
		c.firstAt = now
		wait = c.cfg.FirstChunkWait
	}
	c.fragments = append(c.fragments, text)
	c.lastAt = now

	if remaining := c.firstAt.Add(c.cfg.MaxWait).Sub(now); wait > remaining {
		wait = max(remaining, 0)
	}
	c.arm(wait)
}

// arm restarts the flush timer. Callers hold c.mu.
func (c *Coalescer) arm(wait time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(wait, func() { c.flush(gen) })
}

func (c *Coalescer) flush(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.gen || len(c.fragments) == 0 {
		return
	}
	text := strings.Join(c.fragments, " ")
	c.fragments = nil
	c.firstDone = true
	c.timer = nil
	c.queue.Push(Pending{Text: text, FinalizedAt: c.lastAt, First: true})
}

// Buffered reports how many opening-turn fragments are waiting.
func (c *Coalescer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fragments)
}

// Stop cancels the pending timer and discards buffered fragments. Later
// calls to Add are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.fragments = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// normalize collapses all whitespace runs to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
