package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"consoled/server/internal/bus"
	"consoled/server/internal/command"
	"consoled/server/internal/logging"
	"consoled/server/internal/metrics"
	"consoled/server/internal/model"
	"consoled/server/internal/session"
)

// ErrProtocolViolation 表示客户端违反了握手或帧约定，连接会被关闭。
const ErrProtocolViolation = errors.ConstError("protocol violation")

// Conn 是网关需要的 WebSocket 能力，*websocket.Conn 直接满足。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Config 网关配置
type Config struct {
	HelloTimeout   time.Duration
	PingInterval   time.Duration
	MaxMissedPongs int
	WriteTimeout   time.Duration

	QueueCapacity int
	// CommandRate/CommandBurst 单连接命令限流。
	CommandRate  float64
	CommandBurst int
	// MaxInFlight 单连接同时执行中的命令上限。
	MaxInFlight     int64
	MaxMessageBytes int64
}

// Deps 是网关依赖的组件。
type Deps struct {
	Bus        *bus.Bus
	Sessions   session.Store
	Dispatcher *command.Dispatcher

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Collector
}

// Gateway 把一条 WebSocket 连接变成一个会话：
// 握手 → 订阅/续传 → 单写协程下发 + 读循环处理请求 → 关闭清理。
type Gateway struct {
	cfg        Config
	bus        *bus.Bus
	sessions   session.Store
	dispatcher *command.Dispatcher
	clock      clock.Clock
	logger     *zap.SugaredLogger
	metrics    *metrics.Collector
}

// New 创建网关。
func New(cfg Config, deps Deps) *Gateway {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxMissedPongs < 1 {
		cfg.MaxMissedPongs = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 256
	}
	if cfg.CommandRate <= 0 {
		cfg.CommandRate = 20
	}
	if cfg.CommandBurst < 1 {
		cfg.CommandBurst = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 8
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &Gateway{
		cfg:        cfg,
		bus:        deps.Bus,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		clock:      deps.Clock,
		logger:     logging.OrNop(deps.Logger),
		metrics:    deps.Metrics,
	}
}

// Serve 驱动一条连接直到断开。调用方负责升级 HTTP 连接；
// Serve 返回时连接已关闭，会话已从总线和存储中移除。
func (g *Gateway) Serve(ctx context.Context, conn Conn) error {
	rt, err := g.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	go rt.writeLoop()
	err = rt.readLoop(ctx)
	rt.close()

	g.logger.Infof("[Gateway] session %s closed (client=%s)", rt.sess.ID(), rt.sess.ClientID())
	return err
}

// handshake 读取第一帧，建立会话并完成订阅与续传。
// 连接建立即创建会话（AwaitingHello）并写入存储，握手未完成的连接也能被列出。
func (g *Gateway) handshake(ctx context.Context, conn Conn) (*runtime, error) {
	sess := session.New(uuid.NewString(), "", g.cfg.QueueCapacity, g.metrics)
	sess.SetState(session.StateAwaitingHello)
	if err := g.sessions.Save(ctx, sess); err != nil {
		sess.Close()
		return nil, errors.Annotate(err, "save session")
	}
	abort := func() {
		_ = g.sessions.Delete(context.WithoutCancel(ctx), sess.ID())
		sess.Close()
	}

	if g.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(g.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HelloTimeout))

	mt, data, err := conn.ReadMessage()
	if err != nil {
		abort()
		return nil, errors.Annotate(err, "read hello")
	}
	var hello model.ClientMessage
	if mt != websocket.TextMessage || json.Unmarshal(data, &hello) != nil || hello.Type != model.TypeHello {
		abort()
		g.reject(conn, model.CodeProtocol, "first frame must be hello")
		return nil, errors.Annotate(ErrProtocolViolation, "first frame is not hello")
	}
	if hello.ProtocolVersion != model.ProtocolVersion {
		abort()
		g.reject(conn, model.CodeUnsupportedVersion, "unsupported protocol version")
		return nil, errors.Annotatef(ErrProtocolViolation, "protocol version %d", hello.ProtocolVersion)
	}

	sess.SetClientID(hello.ClientID)
	g.bus.Register(sess)

	var resume *bus.Resume
	status := model.ResumeNone
	if hello.ResumeFromEventID != nil {
		// 回放要给 welcome 留一个位置，不能撑爆队列
		maxEvents := g.cfg.QueueCapacity - 1
		if maxEvents < 1 {
			maxEvents = 1
		}
		resume = &bus.Resume{
			FromEventID: *hello.ResumeFromEventID,
			Epoch:       hello.Epoch,
			MaxEvents:   maxEvents,
		}
	}

	replayed, current, err := g.bus.SubscribeFrom(sess, hello.Subscriptions, resume)
	switch {
	case err == nil:
		if resume != nil {
			status = model.ResumeOK
		}
	case errors.Is(err, bus.ErrWindowExceeded):
		status = model.ResumeRefused
		g.logger.Infof("[Gateway] resume refused for client %s: %v", hello.ClientID, err)
	default:
		g.bus.Unregister(sess)
		abort()
		g.reject(conn, model.CodeInvalidArgs, err.Error())
		return nil, errors.Annotate(err, "subscribe")
	}
	if resume != nil {
		g.metrics.Resume(string(status))
	}

	sess.SetTopics(current)
	now := g.clock.Now()
	latest := g.bus.LatestEventID()
	sess.EnqueueFront(&model.ServerMessage{
		Type:          model.TypeWelcome,
		SessionID:     sess.ID(),
		ServerTime:    &now,
		LatestEventID: &latest,
		Epoch:         g.bus.Epoch(),
		Resume:        status,
	})

	// 重新保存以按 client_id 建立索引
	if err := g.sessions.Save(ctx, sess); err != nil {
		g.bus.Unregister(sess)
		abort()
		return nil, errors.Annotate(err, "save session")
	}
	g.metrics.SessionOpened()
	sess.SetState(session.StateActive)

	g.logger.Infof("[Gateway] ✅ session %s established (client=%s topics=%v resume=%s replayed=%d)",
		sess.ID(), hello.ClientID, current, status, replayed)
	return newRuntime(g, conn, sess), nil
}

// reject 在会话建立前直接回写错误帧。
func (g *Gateway) reject(conn Conn, code model.ErrorCode, message string) {
	data, err := json.Marshal(model.ErrorMessage("", code, message))
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		g.logger.Debugf("[Gateway] write rejection: %v", err)
	}
	g.logger.Infof("[Gateway] handshake rejected: %s (%s)", code, message)
}
