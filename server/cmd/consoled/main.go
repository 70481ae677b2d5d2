package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"consoled/server/internal/api"
	"consoled/server/internal/bus"
	"consoled/server/internal/command"
	"consoled/server/internal/config"
	"consoled/server/internal/gateway"
	"consoled/server/internal/idempotency"
	"consoled/server/internal/logging"
	"consoled/server/internal/metrics"
	"consoled/server/internal/procman"
	"consoled/server/internal/publisher"
	"consoled/server/internal/session"
	"consoled/server/internal/streamstore"
)

func main() {
	// 参数优先级：命令行 > CONSOLED_* 环境变量 > 配置文件 > 默认值。
	fs := flag.NewFlagSet("consoled", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to the YAML config file")
		addr       = fs.String("addr", "", "http listen address, overrides server.host/port")
		logLevel   = fs.String("log-level", "", "log level, overrides logging.level")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("CONSOLED")); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, listen); err != nil {
		log.Fatalf("consoled: %v", errors.ErrorStack(err))
	}
}

func run(ctx context.Context, cfg *config.Config, listen string) error {
	zl, err := logging.New(cfg.Logging)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eventBus := bus.New(bus.Config{
		ReplayWindow:   cfg.Bus.ReplayWindow,
		HistoryIdleTTL: cfg.Bus.HistoryIdleTTL,
		GCInterval:     cfg.Bus.GCInterval,
		Logger:         logger.Named("bus"),
		Metrics:        m,
	})
	streams := streamstore.NewInMemoryStore(cfg.Streams.Capacity)

	mgr := procman.NewExecManager(procman.ExecConfig{
		Instances: cfg.Instances,
		Logger:    logger.Named("procman"),
	})

	pub := publisher.New(publisher.Config{
		Manager:       mgr,
		Bus:           eventBus,
		Streams:       streams,
		BatchMaxLines: cfg.Streams.BatchMaxLines,
		FlushInterval: cfg.Streams.FlushInterval,
		Logger:        logger.Named("publisher"),
		Metrics:       m,
	})
	if err := pub.Start(); err != nil {
		return errors.Annotate(err, "start publisher")
	}

	registry := command.NewRegistry()
	if err := command.RegisterServerActions(registry, mgr, streams, cfg.Streams.Capacity); err != nil {
		return errors.Annotate(err, "register actions")
	}
	if err := registry.MustHave(command.BuiltinActions...); err != nil {
		return errors.Annotate(err, "validate actions")
	}

	ledger := idempotency.New(idempotency.Config{
		TTL:    cfg.Idempotency.TTL,
		Logger: logger.Named("idempotency"),
	})
	defer ledger.Close()

	dispatcher := command.NewDispatcher(command.DispatcherConfig{
		Registry: registry,
		Ledger:   ledger,
		Timeout:  cfg.Session.CommandTimeout,
		Logger:   logger.Named("command"),
		Metrics:  m,
	})

	sessions := session.NewInMemoryStore()
	gw := gateway.New(gateway.Config{
		HelloTimeout:    cfg.Session.HelloTimeout,
		PingInterval:    cfg.Session.PingInterval,
		MaxMissedPongs:  cfg.Session.MaxMissedPongs,
		WriteTimeout:    cfg.Session.WriteTimeout,
		QueueCapacity:   cfg.Session.QueueCapacity,
		CommandRate:     cfg.Session.CommandRate,
		CommandBurst:    cfg.Session.CommandBurst,
		MaxInFlight:     cfg.Session.MaxInFlight,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
	}, gateway.Deps{
		Bus:        eventBus,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Logger:     logger.Named("gateway"),
		Metrics:    m,
	})

	srv := &http.Server{
		Addr: listen,
		Handler: api.NewServer(api.Deps{
			Bus:            eventBus,
			Sessions:       sessions,
			Streams:        streams,
			Registry:       registry,
			Gateway:        gw,
			Gatherer:       reg,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger.Named("api"),
		}).Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	for _, ic := range cfg.Instances {
		if !ic.AutoStart {
			continue
		}
		if err := mgr.Start(ctx, ic.ID); err != nil {
			logger.Warnf("[Main] auto start %s failed: %v", ic.ID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eventBus.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("[Main] 🚀 consoled listening on %s (epoch=%s, instances=%d)", listen, eventBus.Epoch(), len(cfg.Instances))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Annotate(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("[Main] shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("[Main] http shutdown: %v", err)
		}
		closeSessions(shutdownCtx, sessions, logger)
		if err := mgr.StopAll(shutdownCtx); err != nil {
			logger.Warnf("[Main] stop instances: %v", err)
		}
		pub.Stop()
		return nil
	})

	return g.Wait()
}

// closeSessions 关闭仍在线的 WebSocket 会话；Shutdown 不管已经被劫持的连接。
func closeSessions(ctx context.Context, store session.Store, logger *zap.SugaredLogger) {
	list, err := store.List(ctx)
	if err != nil {
		logger.Warnf("[Main] list sessions: %v", err)
		return
	}
	for _, sess := range list {
		sess.Close()
	}
}
