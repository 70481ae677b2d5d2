package publisher

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"consoled/server/internal/logging"
	"consoled/server/internal/metrics"
	"consoled/server/internal/model"
	"consoled/server/internal/procman"
	"consoled/server/internal/streamstore"
)

// EventBus 是发布者需要的总线能力。
type EventBus interface {
	Publish(topic string, payload any) (model.Event, error)
	StoreOnly(topic string, payload any) (model.Event, error)
}

type Config struct {
	Manager procman.Manager
	Bus     EventBus
	Streams streamstore.Store

	BatchMaxLines int
	FlushInterval time.Duration

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Collector
}

// Publisher 把进程管理器的生命周期回调翻译成总线事件。
//
// 职责与契约：
//   - 状态/属性变化发 patch（只含变化字段）到 server:<id> 与 servers，
//     随后用 StoreOnly 刷新两个 topic 的快照，供新加入的客户端拉取。
//   - 控制台输出先写 stream store，再经 Coalescer 合并成批，一批一个事件。
//   - 回调不做 I/O，也不回调 Manager。
type Publisher struct {
	mgr       procman.Manager
	bus       EventBus
	streams   streamstore.Store
	coalescer *streamstore.Coalescer
	clock     clock.Clock
	logger    *zap.SugaredLogger
	metrics   *metrics.Collector

	// mu 串行化视图归约与事件发布，保证 patch 顺序与快照一致。
	mu      sync.Mutex
	views   map[string]*model.ServerView
	order   []string
	unhooks map[string]func()
	pending map[string][]model.ServerPatch
	stopped bool
}

var _ procman.Listener = (*Publisher)(nil)

func New(cfg Config) *Publisher {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	p := &Publisher{
		mgr:     cfg.Manager,
		bus:     cfg.Bus,
		streams: cfg.Streams,
		clock:   cfg.Clock,
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		views:   make(map[string]*model.ServerView),
		unhooks: make(map[string]func()),
		pending: make(map[string][]model.ServerPatch),
	}
	p.coalescer = streamstore.NewCoalescer(streamstore.CoalescerConfig{
		MaxLines:      cfg.BatchMaxLines,
		FlushInterval: cfg.FlushInterval,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	}, p.flushConsole)
	return p
}

// Start 为所有已知实例挂上回调并写入初始快照。
// 可以重复调用：已挂载的实例保持不变，之后 Add 的实例会被挂上。
func (p *Publisher) Start() error {
	for _, v := range p.mgr.Instances() {
		if err := p.Track(v.ID); err != nil {
			return errors.Annotatef(err, "hook instance %q", v.ID)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.storeServersLocked()
	p.logger.Infof("[Publisher] ✅ started, tracking %d instances", len(p.order))
	return nil
}

// Track 为单个实例挂上回调。重复调用无副作用。
//
// 调用 Manager 时不持有 mu：Manager 在持有实例锁时回调 apply，反过来会死锁。
// 挂载期间到达的 patch 照常发布，并暂存到 pending，视图就位后再归约。
func (p *Publisher) Track(id string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return errors.New("publisher stopped")
	}
	_, hooked := p.unhooks[id]
	_, inProgress := p.pending[id]
	if hooked || inProgress {
		p.mu.Unlock()
		return nil
	}
	p.pending[id] = nil
	p.mu.Unlock()

	unhook, err := p.mgr.Hook(id, p)
	if err != nil {
		p.abandon(id)
		return errors.Trace(err)
	}
	view, err := p.mgr.Instance(id)
	if err != nil {
		p.abandon(id)
		unhook()
		return errors.Trace(err)
	}

	p.mu.Lock()
	buffered := p.pending[id]
	delete(p.pending, id)
	if p.stopped {
		p.mu.Unlock()
		unhook()
		return errors.New("publisher stopped")
	}
	now := p.clock.Now()
	for _, patch := range buffered {
		Reduce(&view, patch, now)
	}
	if _, ok := p.views[id]; !ok {
		p.order = append(p.order, id)
	}
	p.views[id] = &view
	p.unhooks[id] = unhook
	p.storeServerLocked(id)
	p.storeServersLocked()
	p.mu.Unlock()
	return nil
}

func (p *Publisher) abandon(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Stop 摘除全部回调并刷出未发送的控制台批次。
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.stopped = true
	unhooks := p.unhooks
	p.unhooks = make(map[string]func())
	p.mu.Unlock()

	for _, unhook := range unhooks {
		unhook()
	}
	p.coalescer.Close()
	p.logger.Infof("[Publisher] stopped")
}

// Views 返回发布者视角的实例状态（与快照一致）。
func (p *Publisher) Views() []model.ServerView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewsLocked()
}

func (p *Publisher) OnStatusChanged(id string, status model.InstanceStatus) {
	p.apply(model.ServerPatch{Kind: model.KindPatch, ID: id, Status: status})
}

func (p *Publisher) OnPropertyChanged(id, key, value string, revision int64) {
	p.apply(model.ServerPatch{
		Kind:       model.KindPatch,
		ID:         id,
		Properties: map[string]string{key: value},
		Revision:   revision,
	})
}

func (p *Publisher) OnExited(id string, status model.InstanceStatus, exitCode int) {
	code := exitCode
	p.apply(model.ServerPatch{Kind: model.KindPatch, ID: id, Status: status, ExitCode: &code})
}

func (p *Publisher) OnOutputLine(id string, stream model.OutputStream, text string) {
	line := p.streams.Append(model.ConsoleTopic(id), stream, text)
	p.coalescer.Add(id, line)
}

func (p *Publisher) apply(patch model.ServerPatch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	view, ok := p.views[patch.ID]
	buffered, hooking := p.pending[patch.ID]
	if !ok && !hooking {
		p.logger.Debugf("[Publisher] drop patch for untracked instance %q", patch.ID)
		return
	}

	for _, topic := range []string{model.ServerTopic(patch.ID), model.TopicServers} {
		if _, err := p.bus.Publish(topic, patch); err != nil {
			p.logger.Warnf("[Publisher] publish patch to %s: %v", topic, err)
		}
	}
	if !ok {
		p.pending[patch.ID] = append(buffered, patch)
		return
	}
	Reduce(view, patch, p.clock.Now())
	p.storeServerLocked(patch.ID)
	p.storeServersLocked()
}

func (p *Publisher) storeServerLocked(id string) {
	view := p.views[id]
	snap := model.ServerSnapshot{Kind: model.KindSnapshot, Server: cloneView(view)}
	if _, err := p.bus.StoreOnly(model.ServerTopic(id), snap); err != nil {
		p.logger.Warnf("[Publisher] store snapshot for %s: %v", id, err)
	}
}

func (p *Publisher) storeServersLocked() {
	snap := model.ServersSnapshot{Kind: model.KindSnapshot, Servers: p.viewsLocked()}
	if _, err := p.bus.StoreOnly(model.TopicServers, snap); err != nil {
		p.logger.Warnf("[Publisher] store servers snapshot: %v", err)
	}
}

func (p *Publisher) viewsLocked() []model.ServerView {
	out := make([]model.ServerView, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, cloneView(p.views[id]))
	}
	return out
}

// flushConsole 由 Coalescer 调用（同一实例串行），一批输出对应一个事件。
func (p *Publisher) flushConsole(id string, lines []streamstore.Line) {
	batch := model.ConsoleBatch{
		Kind:    model.KindConsole,
		ID:      id,
		Lines:   make([]string, len(lines)),
		Streams: make([]string, len(lines)),
		FromSeq: lines[0].Seq,
		ToSeq:   lines[len(lines)-1].Seq,
	}
	for i, l := range lines {
		batch.Lines[i] = l.Text
		batch.Streams[i] = string(l.Stream)
	}
	if _, err := p.bus.Publish(model.ConsoleTopic(id), batch); err != nil {
		p.logger.Warnf("[Publisher] publish console batch for %s: %v", id, err)
		return
	}
	p.metrics.ConsoleBatch(len(lines))
}

// FlushConsole 立即刷出实例未发送的控制台输出。
func (p *Publisher) FlushConsole(id string) {
	p.coalescer.Flush(id)
}

func cloneView(v *model.ServerView) model.ServerView {
	out := *v
	if v.Properties != nil {
		out.Properties = make(map[string]string, len(v.Properties))
		for k, val := range v.Properties {
			out.Properties[k] = val
		}
	}
	if v.ExitCode != nil {
		code := *v.ExitCode
		out.ExitCode = &code
	}
	return out
}
