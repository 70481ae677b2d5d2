package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"consoled/server/internal/idempotency"
	"consoled/server/internal/logging"
	"consoled/server/internal/metrics"
	"consoled/server/internal/model"
)

// Request 是一条客户端命令。
type Request struct {
	RequestID      string
	Action         string
	Args           json.RawMessage
	IdempotencyKey string
}

type DispatcherConfig struct {
	Registry *Registry
	Ledger   *idempotency.Ledger
	// Timeout 单条命令的执行上限。
	Timeout time.Duration
	Logger  *zap.SugaredLogger
	Metrics *metrics.Collector
}

// Dispatcher 执行命令并生成 ack/error 回复。
// 带幂等键的写命令经账本去重：重试拿到第一次的结果，而不是再执行一次。
type Dispatcher struct {
	registry *Registry
	ledger   *idempotency.Ledger
	timeout  time.Duration
	logger   *zap.SugaredLogger
	metrics  *metrics.Collector
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		timeout:  cfg.Timeout,
		logger:   logging.OrNop(cfg.Logger),
		metrics:  cfg.Metrics,
	}
}

// Dispatch 执行命令并返回要回给客户端的帧（ack 或 error）。
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *model.ServerMessage {
	start := time.Now()
	label := req.Action

	res := d.run(ctx, req)
	if _, ok := d.registry.Get(req.Action); !ok {
		// 防止任意客户端字符串撑爆指标基数
		label = "unknown"
	}

	code := "ok"
	var reply *model.ServerMessage
	if res.Err != nil {
		code = string(res.Err.Code)
		reply = model.ErrorMessage(req.RequestID, res.Err.Code, res.Err.Message)
		d.logger.Debugf("[Dispatcher] %s (%s) failed: %s", req.Action, req.RequestID, res.Err.Error())
	} else {
		reply = &model.ServerMessage{
			Type:      model.TypeAck,
			RequestID: req.RequestID,
			Result:    res.Value,
		}
	}
	d.metrics.CommandDone(label, code, time.Since(start).Seconds())
	return reply
}

func (d *Dispatcher) run(ctx context.Context, req Request) *idempotency.Result {
	h, ok := d.registry.Get(req.Action)
	if !ok {
		return &idempotency.Result{Err: Classify(errors.Annotatef(ErrUnknownAction, "%q", req.Action))}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	exec := func(ctx context.Context) *idempotency.Result {
		return execute(ctx, d.registry, req.Action, req.Args)
	}

	if req.IdempotencyKey == "" || !h.Definition().Mutating || d.ledger == nil {
		return exec(ctx)
	}

	fingerprint := idempotency.Fingerprint(req.Action, req.Args)
	res, replayed, err := d.ledger.Do(ctx, req.IdempotencyKey, fingerprint, exec)
	if err != nil {
		return &idempotency.Result{Err: Classify(err)}
	}
	if replayed {
		d.metrics.IdempotentReplay()
		d.logger.Debugf("[Dispatcher] 🔁 %s replayed from key %q", req.Action, req.IdempotencyKey)
	}
	return res
}

func execute(ctx context.Context, r *Registry, action string, args json.RawMessage) *idempotency.Result {
	out, err := r.Execute(ctx, action, args)
	if err != nil {
		return &idempotency.Result{Err: Classify(err)}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return &idempotency.Result{Err: Classify(errors.Annotate(err, "marshal result"))}
	}
	return &idempotency.Result{Value: data}
}
