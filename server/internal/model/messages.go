package model

import (
	"encoding/json"
	"time"
)

// ProtocolVersion 是当前服务端支持的会话协议版本。
const ProtocolVersion = 1

// MessageType 是 WebSocket 文本帧里的 `type` 判别字段。
type MessageType string

const (
	// 客户端 → 服务端
	TypeHello       MessageType = "hello"       // 握手（必须是第一帧）
	TypeSubscribe   MessageType = "subscribe"   // 增加订阅
	TypeUnsubscribe MessageType = "unsubscribe" // 取消订阅
	TypeCommand     MessageType = "command"     // 写命令 / 查询
	TypeSnapshotReq MessageType = "snapshot"    // 主动拉取 topic 当前快照
	TypePong        MessageType = "pong"        // 心跳回复

	// 服务端 → 客户端
	TypeWelcome      MessageType = "welcome"
	TypeEvent        MessageType = "event"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"
	TypePing         MessageType = "ping"
	TypeResync       MessageType = "resync"
)

// ResumeStatus 告诉客户端断线续传的结果。
type ResumeStatus string

const (
	ResumeNone    ResumeStatus = "none"    // 客户端没有请求续传
	ResumeOK      ResumeStatus = "ok"      // 已回放缺失事件
	ResumeRefused ResumeStatus = "refused" // 窗口已过，需要重新拉快照
)

// ClientMessage 客户端发送给服务端的消息（WebSocket 文本帧）。
type ClientMessage struct {
	Type MessageType `json:"type"`

	// hello
	ProtocolVersion   int      `json:"protocol_version,omitempty"`
	ClientID          string   `json:"client_id,omitempty"`
	ResumeFromEventID *int64   `json:"resume_from_event_id,omitempty"`
	Epoch             string   `json:"epoch,omitempty"`
	Subscriptions     []string `json:"subscriptions,omitempty"`

	// subscribe / unsubscribe
	Topics []string `json:"topics,omitempty"`

	// command / snapshot
	RequestID      string          `json:"request_id,omitempty"`
	Action         string          `json:"action,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Topic          string          `json:"topic,omitempty"`

	// pong：回显 ping 的 ts
	TS int64 `json:"ts,omitempty"`
}

// ServerMessage 服务端发送给客户端的消息。
type ServerMessage struct {
	Type MessageType `json:"type"`

	// welcome
	SessionID     string       `json:"session_id,omitempty"`
	ServerTime    *time.Time   `json:"server_time,omitempty"`
	LatestEventID *int64       `json:"latest_event_id,omitempty"`
	Epoch         string       `json:"epoch,omitempty"`
	Resume        ResumeStatus `json:"resume,omitempty"`

	// event / snapshot
	EventID   int64           `json:"event_id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// subscribed / unsubscribed / resync
	Topics []string `json:"topics,omitempty"`
	Reason string   `json:"reason,omitempty"`

	// ack / error
	RequestID string          `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`

	// ping
	TS int64 `json:"ts,omitempty"`
}

// EventMessage 把总线事件包装成下行帧。
func EventMessage(evt Event) *ServerMessage {
	ts := evt.Timestamp
	return &ServerMessage{
		Type:      TypeEvent,
		EventID:   evt.EventID,
		Topic:     evt.Topic,
		Timestamp: &ts,
		Payload:   evt.Payload,
	}
}

// SnapshotMessage 是对 snapshot 请求的回复。
func SnapshotMessage(requestID string, evt Event) *ServerMessage {
	msg := EventMessage(evt)
	msg.Type = TypeSnapshotReq
	msg.RequestID = requestID
	return msg
}

// ErrorMessage 构造带请求 ID 的类型化错误回复。
func ErrorMessage(requestID string, code ErrorCode, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	}
}
