package streamstore

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"consoled/server/internal/logging"
)

// FlushFunc 接收一个 key 的一批行（按 seq 升序）。
// 在该 key 的锁内调用，必须很快返回（例如只做 bus.Publish）。
type FlushFunc func(key string, lines []Line)

type CoalescerConfig struct {
	MaxLines      int
	FlushInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.SugaredLogger
}

// Coalescer 把高频的逐行输出合并成批：
// 一批达到 MaxLines 立即刷出，否则在第一行到达后 FlushInterval 刷出。
// 同一个 key 的刷出是串行且有序的。
type Coalescer struct {
	maxLines int
	interval time.Duration
	clock    clock.Clock
	flush    FlushFunc
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool
}

type pendingBatch struct {
	mu    sync.Mutex
	lines []Line
	timer clock.Timer
	// gen 在每次刷出后递增，过期的定时器回调据此作废。
	gen uint64
	// closed 由 Close 在批次锁内置位，之后追加的行被丢弃。
	closed bool
}

func NewCoalescer(cfg CoalescerConfig, flush FlushFunc) *Coalescer {
	if cfg.MaxLines < 1 {
		cfg.MaxLines = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Coalescer{
		maxLines: cfg.MaxLines,
		interval: cfg.FlushInterval,
		clock:    cfg.Clock,
		flush:    flush,
		logger:   logging.OrNop(cfg.Logger),
		pending:  make(map[string]*pendingBatch),
	}
}

func (c *Coalescer) batch(key string) *pendingBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	b := c.pending[key]
	if b == nil {
		b = &pendingBatch{}
		c.pending[key] = b
	}
	return b
}

// Add 把一行加入 key 的待刷批次。Close 之后的调用被忽略。
func (c *Coalescer) Add(key string, line Line) {
	b := c.batch(key)
	if b == nil {
		return
	}
	c.append(key, b, line)
}

func (c *Coalescer) append(key string, b *pendingBatch, line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// 取到批次之后 Close 可能已经刷完
	if b.closed {
		return
	}

	b.lines = append(b.lines, line)
	if len(b.lines) >= c.maxLines {
		c.flushLocked(key, b)
		return
	}
	if b.timer == nil {
		gen := b.gen
		b.timer = c.clock.AfterFunc(c.interval, func() {
			c.onTimer(key, b, gen)
		})
	}
}

func (c *Coalescer) onTimer(key string, b *pendingBatch, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return
	}
	c.flushLocked(key, b)
}

func (c *Coalescer) flushLocked(key string, b *pendingBatch) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if len(b.lines) == 0 {
		return
	}
	lines := b.lines
	b.lines = nil
	c.flush(key, lines)
}

// Flush 立即刷出 key 的待刷批次。
func (c *Coalescer) Flush(key string) {
	c.mu.Lock()
	b := c.pending[key]
	c.mu.Unlock()
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c.flushLocked(key, b)
}

// Pending 返回 key 尚未刷出的行数。
func (c *Coalescer) Pending(key string) int {
	c.mu.Lock()
	b := c.pending[key]
	c.mu.Unlock()
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Close 刷出全部待刷批次并停止接收新行。可重复调用。
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	keys := make([]string, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		c.mu.Lock()
		b := c.pending[k]
		c.mu.Unlock()

		b.mu.Lock()
		c.flushLocked(k, b)
		b.closed = true
		b.mu.Unlock()
	}
	c.logger.Debugf("[Coalescer] closed, flushed %d streams", len(keys))
}
