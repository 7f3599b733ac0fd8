// limited_writer.go — 带字节硬顶的 io.Writer, 超出部分静默丢弃。
package util

import "io"

// LimitedWriter 给无上限的外部内容设上限 (如超长的工具观察输出)。
//
// 契约: 截断对调用方透明 — 全量丢弃时仍返回 len(p) 而非短写错误,
// 部分写入时按 io.Writer 契约返回实际字节数; 事后可用 Overflow
// 判断是否发生过截断。
type LimitedWriter struct {
	dst       io.Writer
	remaining int
	written   int
	truncated bool
}

// NewLimitedWriter 包装 w, 最多放行 limit 字节。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{dst: w, remaining: limit}
}

// Write 放行至多 remaining 字节, 其余静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		if len(p) > 0 {
			lw.truncated = true
		}
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	n, err := lw.dst.Write(p)
	lw.remaining -= n
	lw.written += n
	return n, err
}

// Overflow 报告是否有字节被丢弃; 恰好写满不算。
func (lw *LimitedWriter) Overflow() bool { return lw.truncated }

// Written 实际写入底层 writer 的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }
