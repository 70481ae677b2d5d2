package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"consoled/server/internal/command"
	"consoled/server/internal/model"
	"consoled/server/internal/session"
)

// runtime 是单条连接在握手之后的运行态。
//
// 并发约定：
// - writeLoop 是唯一写 conn 的协程，所有下行帧（包括 ping 和命令回复）都走会话队列。
// - readLoop 是唯一读 conn 的协程。
// - 命令在独立协程执行，只把回复入队。
type runtime struct {
	g    *Gateway
	conn Conn
	sess *session.Session

	limiter  *rate.Limiter
	inflight *semaphore.Weighted

	// missed 是连续未应答的 ping 数，lastPing 是最近一次 ping 的 ts。
	missed   atomic.Int32
	lastPing atomic.Int64

	flushing   chan struct{}
	flushOnce  sync.Once
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newRuntime(g *Gateway, conn Conn, sess *session.Session) *runtime {
	return &runtime{
		g:          g,
		conn:       conn,
		sess:       sess,
		limiter:    rate.NewLimiter(rate.Limit(g.cfg.CommandRate), g.cfg.CommandBurst),
		inflight:   semaphore.NewWeighted(g.cfg.MaxInFlight),
		flushing:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// writeLoop 按入队顺序发送帧，同时驱动心跳。
func (rt *runtime) writeLoop() {
	defer close(rt.writerDone)

	interval := rt.g.cfg.PingInterval
	ping := rt.g.clock.NewTimer(interval)
	defer ping.Stop()

	for {
		if err := rt.drain(); err != nil {
			rt.g.logger.Debugf("[Gateway] session %s write error: %v", rt.sess.ID(), err)
			rt.close()
			return
		}

		select {
		case <-rt.sess.Done():
			// 会话可能被外部关闭（进程退出），连接也一并关掉
			rt.close()
			return
		case <-rt.sess.Ready():
		case <-rt.flushing:
			if err := rt.drain(); err != nil {
				rt.g.logger.Debugf("[Gateway] session %s final flush: %v", rt.sess.ID(), err)
			}
			rt.close()
			return
		case <-ping.Chan():
			if int(rt.missed.Load()) >= rt.g.cfg.MaxMissedPongs {
				rt.g.logger.Infof("[Gateway] ⚠️ session %s missed %d pongs, closing", rt.sess.ID(), rt.missed.Load())
				rt.close()
				return
			}
			rt.missed.Add(1)
			ts := rt.g.clock.Now().UnixMilli()
			rt.lastPing.Store(ts)
			rt.sess.Enqueue(&model.ServerMessage{Type: model.TypePing, TS: ts}, session.PriorityCritical)
			ping.Reset(interval)
		}
	}
}

// drain 发送队列里当前所有的帧。
func (rt *runtime) drain() error {
	for {
		msg, ok := rt.sess.Next()
		if !ok {
			return nil
		}
		if err := rt.write(msg); err != nil {
			return err
		}
	}
}

func (rt *runtime) write(msg *model.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		rt.g.logger.Errorf("[Gateway] marshal %s frame: %v", msg.Type, err)
		return nil
	}
	_ = rt.conn.SetWriteDeadline(time.Now().Add(rt.g.cfg.WriteTimeout))
	return errors.Trace(rt.conn.WriteMessage(websocket.TextMessage, data))
}

// readLoop 处理客户端请求，直到连接断开或出现协议违规。
func (rt *runtime) readLoop(ctx context.Context) error {
	idle := rt.g.cfg.PingInterval * time.Duration(rt.g.cfg.MaxMissedPongs+1)

	for {
		_ = rt.conn.SetReadDeadline(time.Now().Add(idle))
		mt, data, err := rt.conn.ReadMessage()
		if err != nil {
			if rt.sess.State() != session.StateClosed &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rt.g.logger.Debugf("[Gateway] session %s read error: %v", rt.sess.ID(), err)
			}
			return nil
		}
		if mt != websocket.TextMessage {
			rt.g.logger.Debugf("[Gateway] session %s: dropping non-text frame", rt.sess.ID())
			continue
		}

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rt.g.logger.Debugf("[Gateway] session %s: dropping malformed frame: %v", rt.sess.ID(), err)
			continue
		}

		if err := rt.handle(ctx, &msg); err != nil {
			rt.violation(err)
			return err
		}
	}
}

func (rt *runtime) handle(ctx context.Context, msg *model.ClientMessage) error {
	switch msg.Type {
	case model.TypeHello:
		return errors.Annotate(ErrProtocolViolation, "duplicate hello")
	case model.TypeSubscribe:
		rt.subscribe(msg)
	case model.TypeUnsubscribe:
		rt.unsubscribe(msg)
	case model.TypeSnapshotReq:
		rt.snapshot(msg)
	case model.TypeCommand:
		rt.command(ctx, msg)
	case model.TypePong:
		if msg.TS > 0 && msg.TS <= rt.lastPing.Load() {
			rt.missed.Store(0)
		}
	default:
		rt.g.logger.Debugf("[Gateway] session %s: unknown frame type %q", rt.sess.ID(), msg.Type)
	}
	return nil
}

func (rt *runtime) reply(msg *model.ServerMessage) {
	if !rt.sess.Enqueue(msg, session.PriorityCritical) {
		rt.g.logger.Debugf("[Gateway] session %s closed, discarding %s", rt.sess.ID(), msg.Type)
	}
}

func (rt *runtime) subscribe(msg *model.ClientMessage) {
	current, err := rt.g.bus.Subscribe(rt.sess, msg.Topics)
	if err != nil {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeInvalidArgs, err.Error()))
		return
	}
	rt.sess.SetTopics(current)
	rt.reply(&model.ServerMessage{Type: model.TypeSubscribed, RequestID: msg.RequestID, Topics: current})
}

func (rt *runtime) unsubscribe(msg *model.ClientMessage) {
	current, err := rt.g.bus.Unsubscribe(rt.sess, msg.Topics)
	if err != nil {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeInvalidArgs, err.Error()))
		return
	}
	rt.sess.SetTopics(current)
	if current == nil {
		current = []string{}
	}
	rt.reply(&model.ServerMessage{Type: model.TypeUnsubscribed, RequestID: msg.RequestID, Topics: current})
}

func (rt *runtime) snapshot(msg *model.ClientMessage) {
	if msg.Topic == "" {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeInvalidArgs, "missing topic"))
		return
	}
	evt, ok := rt.g.bus.Snapshot(msg.Topic)
	if !ok {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeNotFound, "no snapshot for topic "+msg.Topic))
		return
	}
	rt.reply(model.SnapshotMessage(msg.RequestID, evt))
}

// command 异步执行命令。会话关闭不会取消已开始的命令，只丢弃回复。
func (rt *runtime) command(ctx context.Context, msg *model.ClientMessage) {
	if msg.Action == "" {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeInvalidArgs, "missing action"))
		return
	}
	if !rt.limiter.Allow() {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeRateLimited, "command rate exceeded"))
		return
	}
	if !rt.inflight.TryAcquire(1) {
		rt.reply(model.ErrorMessage(msg.RequestID, model.CodeRateLimited, "too many commands in flight"))
		return
	}

	req := command.Request{
		RequestID:      msg.RequestID,
		Action:         msg.Action,
		Args:           msg.Args,
		IdempotencyKey: msg.IdempotencyKey,
	}
	go func() {
		defer rt.inflight.Release(1)
		rt.reply(rt.g.dispatcher.Dispatch(context.WithoutCancel(ctx), req))
	}()
}

// violation 回一个 protocol_violation 错误，等写协程把它发出去再关闭。
func (rt *runtime) violation(err error) {
	rt.g.logger.Infof("[Gateway] session %s: %v", rt.sess.ID(), err)
	rt.sess.Enqueue(model.ErrorMessage("", model.CodeProtocol, err.Error()), session.PriorityCritical)
	rt.flushOnce.Do(func() { close(rt.flushing) })

	select {
	case <-rt.writerDone:
	case <-time.After(rt.g.cfg.WriteTimeout):
	}
}

// close 释放会话占用的一切资源。可重复调用。
func (rt *runtime) close() {
	rt.closeOnce.Do(func() {
		rt.sess.SetState(session.StateClosing)
		rt.g.bus.Unregister(rt.sess)
		if err := rt.g.sessions.Delete(context.Background(), rt.sess.ID()); err != nil {
			rt.g.logger.Warnf("[Gateway] delete session %s: %v", rt.sess.ID(), err)
		}
		rt.sess.Close()
		_ = rt.conn.Close()
		rt.g.metrics.SessionClosed()
	})
}
