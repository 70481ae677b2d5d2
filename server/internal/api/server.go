package api

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"consoled/server/internal/bus"
	"consoled/server/internal/command"
	"consoled/server/internal/gateway"
	"consoled/server/internal/logging"
	"consoled/server/internal/session"
	"consoled/server/internal/streamstore"
)

// Deps 是 HTTP 层用到的组件。
type Deps struct {
	Bus      *bus.Bus
	Sessions session.Store
	Streams  streamstore.Store
	Registry *command.Registry
	Gateway  *gateway.Gateway
	// Gatherer 为空时不暴露 /metrics。
	Gatherer prometheus.Gatherer

	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

type Server struct {
	deps    Deps
	origins map[string]bool
	logger  *zap.SugaredLogger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		origins: make(map[string]bool, len(deps.AllowedOrigins)),
		logger:  logging.OrNop(deps.Logger),
	}
	for _, o := range deps.AllowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/ws", s.handleWebSocket)
	engine.GET("/api/snapshots/:topic", s.handleSnapshot)
	engine.GET("/api/streams/:key/tail", s.handleStreamTail)
	engine.GET("/api/sessions", s.handleSessions)
	engine.GET("/api/topics", s.handleTopics)
	engine.GET("/api/actions", s.handleActions)
	if s.deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"epoch":           s.deps.Bus.Epoch(),
		"latest_event_id": s.deps.Bus.LatestEventID(),
	})
}

// handleWebSocket 升级连接并把它交给网关，直到连接断开才返回。
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写好了错误响应
		s.logger.Infof("[API] ❌ websocket upgrade failed from %s: %v", c.Request.RemoteAddr, err)
		return
	}
	s.logger.Debugf("[API] 📞 websocket connected from %s", c.Request.RemoteAddr)

	if err := s.deps.Gateway.Serve(c.Request.Context(), conn); err != nil {
		s.logger.Infof("[API] websocket from %s ended: %v", c.Request.RemoteAddr, err)
	}
}

// handleSnapshot 返回 topic 当前的快照事件，供断线重连后重新同步。
func (s *Server) handleSnapshot(c *gin.Context) {
	topic := c.Param("topic")
	evt, ok := s.deps.Bus.Snapshot(topic)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	c.JSON(http.StatusOK, evt)
}

// handleStreamTail 返回控制台/日志流最近的若干行。
func (s *Server) handleStreamTail(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	lines := s.deps.Streams.Tail(c.Param("key"), limit)
	if lines == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "lines": lines})
}

// handleSessions 列出在线会话，可按 client_id 过滤。
func (s *Server) handleSessions(c *gin.Context) {
	var (
		list []*session.Session
		err  error
	)
	if clientID := c.Query("client_id"); clientID != "" {
		list, err = s.deps.Sessions.ByClient(c.Request.Context(), clientID)
	} else {
		list, err = s.deps.Sessions.List(c.Request.Context())
	}
	if err != nil {
		s.logger.Errorf("[API] list sessions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list sessions failed"})
		return
	}

	out := make([]session.Info, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.GetStats())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTopics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bus.Topics())
}

func (s *Server) handleActions(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.Definitions())
}

// checkOrigin 放行白名单里的来源；没有配置白名单时只允许同源。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins["*"] || s.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (s.origins["*"] || s.origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
