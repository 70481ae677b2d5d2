package streamstore

import (
	"time"

	"consoled/server/internal/model"
)

// Line 是一行文本输出。Seq 在同一个 key 内单调递增，从 1 开始，不受淘汰影响。
type Line struct {
	Seq    int64              `json:"seq"`
	Stream model.OutputStream `json:"stream"`
	Text   string             `json:"text"`
	TS     time.Time          `json:"ts"`
}

type Store interface {
	// Append 追加一行并分配 seq。超出容量时淘汰最旧的一行（FIFO，不重排）。
	// 约定：同一 key 的并发写入按 Append 完成的先后排序，而不是子进程写出的先后。
	Append(key string, stream model.OutputStream, text string) Line
	// Tail 返回最近的至多 limit 行，最新的在最后；limit <= 0 表示全部保留行。
	Tail(key string, limit int) []Line
	// Keys 返回已有的 key（排序）。
	Keys() []string
	// Drop 丢弃一个 key 的全部行。
	Drop(key string)
}
