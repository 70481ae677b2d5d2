package bus

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"consoled/server/internal/logging"
	"consoled/server/internal/metrics"
	"consoled/server/internal/model"
)

// ErrWindowExceeded 表示请求的续传起点已经不在保留窗口内，
// 调用方必须改为拉取快照重新同步，而不是拿到一段残缺的回放。
const ErrWindowExceeded = errors.ConstError("replay window exceeded")

// Subscriber 是总线扇出的目标（通常是一个 Session）。
// Deliver 必须只做入队，不能阻塞发布者。
type Subscriber interface {
	ID() string
	Deliver(evt model.Event) bool
}

// Config 总线配置
type Config struct {
	// ReplayWindow 每个 topic 保留的广播事件条数。
	ReplayWindow int
	// HistoryIdleTTL 无订阅者的 topic 超过该时长没有新事件后回收其历史。
	HistoryIdleTTL time.Duration
	GCInterval     time.Duration

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Collector
}

// Bus 是 topic 注册表与全局事件 ID 分配器。
//
// 锁的划分：
//   - mu 只保护 topic 表与订阅者反向索引，持有时间只够改映射。
//   - 每个 topic 自己的锁覆盖「分配 ID → 写历史 → 入队」，保证同一 topic 内
//     订阅者看到的 ID 单调不减；入队是内存操作，不涉及 I/O。
//   - 锁顺序：mu 先于 topic.mu；多个 topic 按名字排序加锁。
type Bus struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger
	epoch  string

	lastID atomic.Int64

	mu          sync.RWMutex
	topics      map[string]*topic
	subscribers map[string]*subscriberEntry
}

type topic struct {
	name string

	mu   sync.Mutex
	subs map[string]Subscriber
	// history 按 ID 升序，长度不超过 ReplayWindow。
	history []model.Event
	// evictedThrough 是已从窗口移除的最大事件 ID（0 表示从未移除）。
	evictedThrough int64
	lastEventID    int64
	lastActivity   time.Time
	snapshot       *model.Event
}

type subscriberEntry struct {
	sub    Subscriber
	topics map[string]struct{}
}

// New 创建总线。
func New(cfg Config) *Bus {
	if cfg.ReplayWindow < 1 {
		cfg.ReplayWindow = 512
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Bus{
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      logging.OrNop(cfg.Logger),
		epoch:       uuid.NewString(),
		topics:      make(map[string]*topic),
		subscribers: make(map[string]*subscriberEntry),
	}
}

// Epoch 标识本进程生命周期，进程重启后事件 ID 重新开始，旧的续传点失效。
func (b *Bus) Epoch() string { return b.epoch }

// LatestEventID 返回最近分配的事件 ID。
func (b *Bus) LatestEventID() int64 { return b.lastID.Load() }

// topicFor 返回 topic 条目，不存在时创建。
func (b *Bus) topicFor(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{name: name, subs: make(map[string]Subscriber)}
	b.topics[name] = t
	return t
}

func (b *Bus) newEvent(name string, payload json.RawMessage) model.Event {
	return model.Event{
		EventID:   b.lastID.Add(1),
		Topic:     name,
		Timestamp: b.clock.Now().UTC(),
		Payload:   payload,
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Annotate(err, "marshal event payload")
	}
	return data, nil
}

// Publish 分配下一个事件 ID，写入该 topic 的回放窗口，并投递给当前所有订阅者。
// 慢订阅者不会阻塞发布者：投递只是入队，满了由 Session 自己的背压策略处理。
func (b *Bus) Publish(name string, payload any) (model.Event, error) {
	if name == "" {
		return model.Event{}, errors.NotValidf("empty topic")
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return model.Event{}, err
	}

	t := b.topicFor(name)

	t.mu.Lock()
	evt := b.newEvent(name, data)
	t.history = append(t.history, evt)
	if over := len(t.history) - b.cfg.ReplayWindow; over > 0 {
		t.evictedThrough = t.history[over-1].EventID
		copy(t.history, t.history[over:])
		for i := len(t.history) - over; i < len(t.history); i++ {
			t.history[i] = model.Event{}
		}
		t.history = t.history[:len(t.history)-over]
	}
	t.lastEventID = evt.EventID
	t.lastActivity = b.clock.Now()
	for _, sub := range t.subs {
		sub.Deliver(evt)
	}
	t.mu.Unlock()

	b.cfg.Metrics.EventAllocated("publish")
	return evt, nil
}

// StoreOnly 与 Publish 一样分配 ID，但只更新该 topic 的快照，不扇出，也不进回放历史：
// 已订阅的客户端已经有这份状态，晚到的订阅者通过 Snapshot 显式获取。
func (b *Bus) StoreOnly(name string, payload any) (model.Event, error) {
	if name == "" {
		return model.Event{}, errors.NotValidf("empty topic")
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return model.Event{}, err
	}

	t := b.topicFor(name)

	t.mu.Lock()
	evt := b.newEvent(name, data)
	t.snapshot = &evt
	t.lastActivity = b.clock.Now()
	t.mu.Unlock()

	b.cfg.Metrics.EventAllocated("store_only")
	return evt, nil
}

// Snapshot 返回 topic 最近一次 StoreOnly 存下的事件。
func (b *Bus) Snapshot(name string) (model.Event, bool) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return model.Event{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		return model.Event{}, false
	}
	return *t.snapshot, true
}

// Register 把订阅者加入总线（尚未订阅任何 topic）。重复注册是无害的。
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID()]; ok {
		return
	}
	b.subscribers[sub.ID()] = &subscriberEntry{sub: sub, topics: make(map[string]struct{})}
}

// Unregister 从所有 topic 移除订阅者。幂等：出错时和关闭时各调用一次也安全。
func (b *Bus) Unregister(sub Subscriber) {
	b.mu.Lock()
	entry, ok := b.subscribers[sub.ID()]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub.ID())
	topics := make([]*topic, 0, len(entry.topics))
	for name := range entry.topics {
		if t, ok := b.topics[name]; ok {
			topics = append(topics, t)
		}
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		delete(t.subs, sub.ID())
		t.mu.Unlock()
	}
	b.cfg.Metrics.SubscriptionsChanged(-len(topics))
}

// Subscribe 订阅 topics，返回订阅者当前完整的 topic 集合。
// Subscribe 返回之后开始的发布一定会投递给该订阅者。
func (b *Bus) Subscribe(sub Subscriber, topics []string) ([]string, error) {
	_, current, err := b.SubscribeFrom(sub, topics, nil)
	return current, err
}

// Resume 描述一次断线续传请求。
type Resume struct {
	// FromEventID 客户端已收到的最后一个事件 ID。
	FromEventID int64
	// Epoch 客户端上次连接时看到的总线 epoch，空表示不校验。
	Epoch string
	// MaxEvents 回放条数上限，超过则视为窗口不足；0 表示不限制。
	MaxEvents int
}

// SubscribeFrom 订阅 topics；若给出 resume，则在持有这些 topic 锁的情况下把
// ID 大于续传点的保留事件按全局 ID 顺序先投递，再放开实时事件，因此回放与
// 实时之间既不重复也不缺失。
//
// 续传被拒绝时返回 ErrWindowExceeded，但订阅照常生效（客户端随后拉快照）。
// replayed 是实际回放的事件数。
func (b *Bus) SubscribeFrom(sub Subscriber, topics []string, resume *Resume) (replayed int, current []string, err error) {
	names := normalizeTopics(topics)
	for _, name := range names {
		if name == "" {
			return 0, nil, errors.NotValidf("empty topic")
		}
	}

	b.mu.Lock()
	entry, ok := b.subscribers[sub.ID()]
	if !ok {
		b.mu.Unlock()
		return 0, nil, errors.NotFoundf("subscriber %q", sub.ID())
	}
	locked := make([]*topic, 0, len(names))
	for _, name := range names {
		t, ok := b.topics[name]
		if !ok {
			t = &topic{name: name, subs: make(map[string]Subscriber)}
			b.topics[name] = t
		}
		locked = append(locked, t)
	}
	// names 已排序，按名字顺序加锁。
	for _, t := range locked {
		t.mu.Lock()
	}

	var replay []model.Event
	var resumeErr error
	if resume != nil {
		replay, resumeErr = b.collectReplayLocked(locked, resume)
	}

	for _, evt := range replay {
		sub.Deliver(evt)
	}
	added := 0
	for _, t := range locked {
		if _, ok := t.subs[sub.ID()]; !ok {
			t.subs[sub.ID()] = sub
			added++
		}
		entry.topics[t.name] = struct{}{}
	}
	for _, t := range locked {
		t.mu.Unlock()
	}
	current = sortedKeys(entry.topics)
	b.mu.Unlock()

	b.cfg.Metrics.SubscriptionsChanged(added)
	return len(replay), current, resumeErr
}

func (b *Bus) collectReplayLocked(locked []*topic, resume *Resume) ([]model.Event, error) {
	if resume.Epoch != "" && resume.Epoch != b.epoch {
		return nil, errors.Annotatef(ErrWindowExceeded, "epoch %q is not the current epoch", resume.Epoch)
	}
	if resume.FromEventID > b.lastID.Load() {
		return nil, errors.Annotatef(ErrWindowExceeded, "event %d is ahead of latest event", resume.FromEventID)
	}

	var replay []model.Event
	for _, t := range locked {
		events, err := t.since(resume.FromEventID)
		if err != nil {
			return nil, err
		}
		replay = append(replay, events...)
	}
	if resume.MaxEvents > 0 && len(replay) > resume.MaxEvents {
		return nil, errors.Annotatef(ErrWindowExceeded, "%d events to replay, limit %d", len(replay), resume.MaxEvents)
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].EventID < replay[j].EventID })
	return replay, nil
}

// since 返回 ID 大于 from 的保留事件，调用方持有 t.mu。
func (t *topic) since(from int64) ([]model.Event, error) {
	if from < t.evictedThrough {
		return nil, errors.Annotatef(ErrWindowExceeded, "topic %q retains events after %d, requested %d", t.name, t.evictedThrough, from)
	}
	idx := sort.Search(len(t.history), func(i int) bool { return t.history[i].EventID > from })
	out := make([]model.Event, len(t.history)-idx)
	copy(out, t.history[idx:])
	return out, nil
}

// Unsubscribe 取消订阅，返回剩余的 topic 集合。未订阅的 topic 被忽略。
func (b *Bus) Unsubscribe(sub Subscriber, topics []string) ([]string, error) {
	names := normalizeTopics(topics)

	b.mu.Lock()
	entry, ok := b.subscribers[sub.ID()]
	if !ok {
		b.mu.Unlock()
		return nil, errors.NotFoundf("subscriber %q", sub.ID())
	}
	var affected []*topic
	for _, name := range names {
		if _, ok := entry.topics[name]; !ok {
			continue
		}
		delete(entry.topics, name)
		if t, ok := b.topics[name]; ok {
			affected = append(affected, t)
		}
	}
	current := sortedKeys(entry.topics)
	b.mu.Unlock()

	for _, t := range affected {
		t.mu.Lock()
		delete(t.subs, sub.ID())
		t.mu.Unlock()
	}
	b.cfg.Metrics.SubscriptionsChanged(-len(affected))
	return current, nil
}

// ReplaySince 按顺序返回 topic 上 ID 大于 eventID 的保留事件；
// 起点已被淘汰时返回 ErrWindowExceeded，而不是部分结果。
func (b *Bus) ReplaySince(name string, eventID int64) ([]model.Event, error) {
	if eventID > b.lastID.Load() {
		return nil, errors.Annotatef(ErrWindowExceeded, "event %d is ahead of latest event", eventID)
	}
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.since(eventID)
}

// TopicInfo 是 topic 的只读统计。
type TopicInfo struct {
	Name           string `json:"name"`
	Subscribers    int    `json:"subscribers"`
	Retained       int    `json:"retained"`
	EvictedThrough int64  `json:"evicted_through"`
	LastEventID    int64  `json:"last_event_id"`
	HasSnapshot    bool   `json:"has_snapshot"`
}

// Topics 返回按名字排序的 topic 统计。
func (b *Bus) Topics() []TopicInfo {
	b.mu.RLock()
	list := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		list = append(list, t)
	}
	b.mu.RUnlock()

	out := make([]TopicInfo, 0, len(list))
	for _, t := range list {
		t.mu.Lock()
		out = append(out, TopicInfo{
			Name:           t.name,
			Subscribers:    len(t.subs),
			Retained:       len(t.history),
			EvictedThrough: t.evictedThrough,
			LastEventID:    t.lastEventID,
			HasSnapshot:    t.snapshot != nil,
		})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CollectGarbage 回收无订阅者且空闲超时的 topic 的回放历史。
// 条目本身与快照保留；淘汰水位推进到最后一个事件，续传判断仍然正确。
func (b *Bus) CollectGarbage() int {
	if b.cfg.HistoryIdleTTL <= 0 {
		return 0
	}
	now := b.clock.Now()

	b.mu.RLock()
	list := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		list = append(list, t)
	}
	b.mu.RUnlock()

	collected := 0
	for _, t := range list {
		t.mu.Lock()
		if len(t.subs) == 0 && len(t.history) > 0 && now.Sub(t.lastActivity) >= b.cfg.HistoryIdleTTL {
			t.evictedThrough = t.history[len(t.history)-1].EventID
			t.history = nil
			collected++
		}
		t.mu.Unlock()
	}
	if collected > 0 {
		b.logger.Debugf("[Bus] collected history of %d idle topics", collected)
	}
	return collected
}

// Run 周期性执行 CollectGarbage，直到 ctx 结束。
func (b *Bus) Run(ctx context.Context) error {
	interval := b.cfg.GCInterval
	if interval <= 0 {
		interval = time.Minute
	}
	b.logger.Infof("[Bus] gc loop started: interval=%v idle_ttl=%v window=%d", interval, b.cfg.HistoryIdleTTL, b.cfg.ReplayWindow)

	for {
		select {
		case <-ctx.Done():
			b.logger.Infof("[Bus] gc loop stopped")
			return nil
		case <-b.clock.After(interval):
			b.CollectGarbage()
		}
	}
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
