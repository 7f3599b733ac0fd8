// coalescer.go — 流式文本增量合并器。
package convstate

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultCoalesceMaxChars = 50
	defaultCoalesceInterval = 16 * time.Millisecond
)

// Coalescer 把高频 text_delta 碎片合并成低频批次: 距第一个待刷
// 分片超过刷新间隔, 或累计字符数 (按 rune 计) 达到上限时刷出。
// 分片只会整段进出, 不会在 UTF-8 边界内截断。
//
// 回调在持有内部锁时调用, 保证刷出顺序即追加顺序; 回调内不得再
// 调用 Coalescer 方法。
type Coalescer struct {
	mu            sync.Mutex
	pending       strings.Builder
	pendingChars  int
	maxChars      int
	flushInterval time.Duration
	timer         *time.Timer
	flush         func(segment string)
	stopped       bool
}

// NewCoalescer 创建合并器。maxChars/flushInterval 非正时取默认值
// (50 字符 / 16ms)。
func NewCoalescer(maxChars int, flushInterval time.Duration, flush func(segment string)) *Coalescer {
	if maxChars <= 0 {
		maxChars = defaultCoalesceMaxChars
	}
	if flushInterval <= 0 {
		flushInterval = defaultCoalesceInterval
	}
	return &Coalescer{
		maxChars:      maxChars,
		flushInterval: flushInterval,
		flush:         flush,
	}
}

// Add 追加一个文本分片。达到字符上限立即刷出; 否则从首个待刷分片
// 起计时。空分片与停用后的分片直接丢弃。
func (c *Coalescer) Add(chunk string) {
	if chunk == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	c.pending.WriteString(chunk)
	c.pendingChars += utf8.RuneCountInString(chunk)

	if c.pendingChars >= c.maxChars {
		c.flushLocked()
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.flushInterval, c.onTimer)
	}
}

// Flush 立即刷出全部待刷文本 (text_end / 会话收尾)。
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Reset 丢弃待刷文本且不触发回调 (新文本段开始)。
func (c *Coalescer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.pending.Reset()
	c.pendingChars = 0
}

// Stop 刷出残留文本并停用合并器, 之后的 Add 全部丢弃。
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.stopped = true
}

// Pending 返回当前待刷字符数 (按 rune 计)。
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingChars
}

func (c *Coalescer) onTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	c.flushLocked()
}

func (c *Coalescer) flushLocked() {
	c.stopTimerLocked()
	if c.pendingChars == 0 {
		return
	}
	segment := c.pending.String()
	c.pending.Reset()
	c.pendingChars = 0
	if c.flush != nil {
		c.flush(segment)
	}
}

func (c *Coalescer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
