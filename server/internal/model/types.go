package model

import (
	"encoding/json"
	"time"
)

// Event 是总线上的一条不可变事件。
//
// 约定：
// - EventID 进程内全局单调递增，永不复用（跨 topic 也可比较先后）。
// - Payload 在发布时序列化一次，之后只读，扇出时直接复用。
type Event struct {
	EventID   int64           `json:"event_id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// InstanceStatus 是游戏服实例的生命周期状态。
type InstanceStatus string

const (
	StatusStopped  InstanceStatus = "stopped"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusCrashed  InstanceStatus = "crashed"
)

// OutputStream 区分子进程的标准输出与标准错误。
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// ServerView 是客户端看到的单个实例的完整状态（snapshot 的组成部分）。
type ServerView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Status     InstanceStatus    `json:"status"`
	Properties map[string]string `json:"properties,omitempty"`
	Revision   int64             `json:"revision"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// PayloadKind 标识事件 payload 的形态。
type PayloadKind string

const (
	KindSnapshot PayloadKind = "snapshot"
	KindPatch    PayloadKind = "patch"
	KindConsole  PayloadKind = "console"
)

// ServersSnapshot 是 `servers` topic 的全量快照。
type ServersSnapshot struct {
	Kind    PayloadKind  `json:"kind"`
	Servers []ServerView `json:"servers"`
}

// ServerSnapshot 是 `server:<id>` topic 的全量快照。
type ServerSnapshot struct {
	Kind   PayloadKind `json:"kind"`
	Server ServerView  `json:"server"`
}

// ServerPatch 只描述发生变化的字段（高频变化走 patch，不发整份资源）。
type ServerPatch struct {
	Kind       PayloadKind       `json:"kind"`
	ID         string            `json:"id"`
	Status     InstanceStatus    `json:"status,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Revision   int64             `json:"revision,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
}

// ConsoleBatch 是合并后的控制台输出，一批行对应一个事件。
type ConsoleBatch struct {
	Kind    PayloadKind `json:"kind"`
	ID      string      `json:"id"`
	Lines   []string    `json:"lines"`
	Streams []string    `json:"streams,omitempty"`
	FromSeq int64       `json:"from_seq"`
	ToSeq   int64       `json:"to_seq"`
}

// Topic 命名约定。
const TopicServers = "servers"

// ServerTopic 返回实例状态 topic。
func ServerTopic(id string) string {
	return "server:" + id
}

// ConsoleTopic 返回实例控制台输出 topic，同时也是 stream store 的 key。
func ConsoleTopic(id string) string {
	return "server:" + id + ":console"
}
