package session

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"consoled/server/internal/metrics"
	"consoled/server/internal/model"
)

// State 是单个连接的协议状态。
type State int32

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Priority 决定队列满时谁先被丢弃。
type Priority int

const (
	// PriorityCritical 握手/ack/error/snapshot/ping/resync，永不丢弃。
	PriorityCritical Priority = iota
	// PriorityNormal 普通事件（状态 patch 等）。
	PriorityNormal
	// PriorityBulk 控制台/日志批量事件，最先丢弃。
	PriorityBulk
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityBulk:
		return "bulk"
	}
	return "unknown"
}

type outbound struct {
	msg  *model.ServerMessage
	prio Priority
}

// Session 是一条物理连接的状态：订阅集合、有界出站队列、已发送游标。
//
// 并发约定：
// - Deliver/Enqueue 可被任意 goroutine（总线发布者、命令回调）调用，只做入队。
// - Next 只由该连接唯一的写协程调用，保证发送顺序 == 入队顺序。
type Session struct {
	id        string
	createdAt time.Time
	capacity  int
	metrics   *metrics.Collector

	state atomic.Int32

	mu           sync.Mutex
	clientID     string
	topics       map[string]struct{}
	queue        []outbound
	lastEventID  int64
	resyncTopics map[string]struct{}
	closed       bool

	// 统计信息
	enqueued int64
	sent     int64
	dropped  int64

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New 创建一个处于 AwaitingHello 之前（Connecting）状态的 Session。
func New(id, clientID string, capacity int, m *metrics.Collector) *Session {
	if capacity < 1 {
		capacity = 1
	}
	s := &Session{
		id:        id,
		clientID:  clientID,
		createdAt: time.Now(),
		capacity:  capacity,
		metrics:   m,
		topics:    make(map[string]struct{}),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SetClientID 在收到 hello 后补上客户端标识。
func (s *Session) SetClientID(clientID string) {
	s.mu.Lock()
	s.clientID = clientID
	s.mu.Unlock()
}

func (s *Session) State() State { return State(s.state.Load()) }

// SetState 推进状态机；Closed 是终态，之后的迁移被忽略。
func (s *Session) SetState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Deliver 实现 bus.Subscriber：只入队，不做 I/O。
func (s *Session) Deliver(evt model.Event) bool {
	return s.Enqueue(model.EventMessage(evt), priorityForTopic(evt.Topic))
}

func priorityForTopic(topic string) Priority {
	if strings.HasSuffix(topic, ":console") || strings.HasSuffix(topic, ":log") {
		return PriorityBulk
	}
	return PriorityNormal
}

// Enqueue 追加一条出站消息。队列满时按优先级丢弃最旧的非关键消息，
// 并把 Session 标记为落后（稍后下发 resync）。返回 false 表示消息未入队。
func (s *Session) Enqueue(msg *model.ServerMessage, prio Priority) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if len(s.queue) >= s.capacity {
		if !s.evictLocked(prio) {
			if prio != PriorityCritical {
				// 没有可让位的消息：丢弃新消息本身。
				s.dropLocked(outbound{msg: msg, prio: prio})
				s.mu.Unlock()
				return false
			}
			// 关键帧允许短暂超出容量。
		}
	}

	s.queue = append(s.queue, outbound{msg: msg, prio: prio})
	s.enqueued++
	s.mu.Unlock()

	s.signal()
	return true
}

// EnqueueFront 把消息放到队首，用于握手完成前插入 welcome。
func (s *Session) EnqueueFront(msg *model.ServerMessage) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append([]outbound{{msg: msg, prio: PriorityCritical}}, s.queue...)
	s.enqueued++
	s.mu.Unlock()

	s.signal()
	return true
}

// evictLocked 为 incoming 腾出一个位置。先丢最旧的 bulk，再丢最旧的 normal；
// bulk 消息不会挤掉 normal 消息。
func (s *Session) evictLocked(incoming Priority) bool {
	victim := s.oldestLocked(PriorityBulk)
	if victim < 0 && incoming != PriorityBulk {
		victim = s.oldestLocked(PriorityNormal)
	}
	if victim < 0 {
		return false
	}

	s.dropLocked(s.queue[victim])
	copy(s.queue[victim:], s.queue[victim+1:])
	s.queue[len(s.queue)-1] = outbound{}
	s.queue = s.queue[:len(s.queue)-1]
	return true
}

func (s *Session) oldestLocked(prio Priority) int {
	for i, item := range s.queue {
		if item.prio == prio {
			return i
		}
	}
	return -1
}

func (s *Session) dropLocked(item outbound) {
	s.dropped++
	s.metrics.FrameDropped(item.prio.String())
	if item.msg.Type == model.TypeEvent {
		if s.resyncTopics == nil {
			s.resyncTopics = make(map[string]struct{})
		}
		s.resyncTopics[item.msg.Topic] = struct{}{}
	}
}

func (s *Session) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready 在队列里有新消息时可读。
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done 在 Session 关闭后可读。
func (s *Session) Done() <-chan struct{} { return s.done }

// Next 弹出下一条待发送消息。若有事件因背压被丢弃，先返回一条 resync。
func (s *Session) Next() (*model.ServerMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	if len(s.resyncTopics) > 0 {
		topics := make([]string, 0, len(s.resyncTopics))
		for t := range s.resyncTopics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		s.resyncTopics = nil
		s.sent++
		return &model.ServerMessage{
			Type:   model.TypeResync,
			Topics: topics,
			Reason: "behind",
		}, true
	}

	if len(s.queue) == 0 {
		return nil, false
	}

	item := s.queue[0]
	s.queue[0] = outbound{}
	s.queue = s.queue[1:]
	s.sent++
	if item.msg.Type == model.TypeEvent && item.msg.EventID > s.lastEventID {
		s.lastEventID = item.msg.EventID
	}
	return item.msg, true
}

// Behind 表示是否有事件被丢弃且 resync 尚未下发。
func (s *Session) Behind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resyncTopics) > 0
}

// LastEventID 是已交给写协程的最大事件 ID。
func (s *Session) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// SetTopics 记录当前订阅集合（以总线返回的结果为准）。
func (s *Session) SetTopics(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = make(map[string]struct{}, len(topics))
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
}

// Topics 返回排序后的订阅集合。
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close 丢弃队列并进入 Closed。可重复调用。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.resyncTopics = nil
		s.mu.Unlock()

		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// Info 是对外暴露的只读统计。
type Info struct {
	SessionID   string    `json:"session_id"`
	ClientID    string    `json:"client_id"`
	State       string    `json:"state"`
	Topics      []string  `json:"topics"`
	LastEventID int64     `json:"last_event_id"`
	Pending     int       `json:"pending"`
	Capacity    int       `json:"capacity"`
	Enqueued    int64     `json:"enqueued"`
	Sent        int64     `json:"sent"`
	Dropped     int64     `json:"dropped"`
	Behind      bool      `json:"behind"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetStats 获取 Session 统计信息
func (s *Session) GetStats() Info {
	topics := s.Topics()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:   s.id,
		ClientID:    s.clientID,
		State:       s.State().String(),
		Topics:      topics,
		LastEventID: s.lastEventID,
		Pending:     len(s.queue),
		Capacity:    s.capacity,
		Enqueued:    s.enqueued,
		Sent:        s.sent,
		Dropped:     s.dropped,
		Behind:      len(s.resyncTopics) > 0,
		CreatedAt:   s.createdAt,
	}
}
