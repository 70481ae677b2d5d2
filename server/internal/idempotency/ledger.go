package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/errors"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"consoled/server/internal/logging"
	"consoled/server/internal/model"
)

// ErrConflict 表示同一个幂等键被用于不同的输入。
// 策略：拒绝，而不是把上一次的结果当作这次的结果返回。
const ErrConflict = errors.ConstError("idempotency key reused with different input")

// Result 是一次写命令的最终结果（成功值或类型化错误二选一）。
// 记录之后不再修改，重复请求拿到的是同一个对象。
type Result struct {
	Value       json.RawMessage
	Err         *model.CommandError
	Fingerprint string
	RecordedAt  time.Time
}

// Config 账本配置
type Config struct {
	TTL    time.Duration
	Logger *zap.SugaredLogger
}

// Ledger 把调用方提供的幂等键映射到已经产生的结果，保证重试的写命令不会被重复执行。
//
// 并发约定：同一个键的并发首次请求只有一个真正执行 fn，其余请求等待并共享结果；
// 已完成的结果在 TTL 内直接返回。过期只影响之后的请求，不影响已经返回的结果。
type Ledger struct {
	cache  *ttlcache.Cache[string, *Result]
	group  singleflight.Group
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// New 创建账本并启动后台过期清理。用完需调用 Close。
func New(cfg Config) *Ledger {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	cache := ttlcache.New[string, *Result](
		ttlcache.WithTTL[string, *Result](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, *Result](),
	)
	go cache.Start()

	return &Ledger{
		cache:  cache,
		ttl:    cfg.TTL,
		logger: logging.OrNop(cfg.Logger),
	}
}

// Check 返回未过期的已记录结果。
func (l *Ledger) Check(key string) (*Result, bool) {
	item := l.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Record 记录结果；ttl <= 0 时使用默认 TTL。
func (l *Ledger) Record(key string, res *Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	if res.RecordedAt.IsZero() {
		res.RecordedAt = time.Now()
	}
	l.cache.Set(key, res, ttl)
}

// Len 返回当前记录数（含尚未被清理的过期项）。
func (l *Ledger) Len() int { return l.cache.Len() }

// Do 以幂等键执行 fn。
//
// 返回值 replayed 为 true 表示结果来自之前（或并发进行中）的执行，本次调用没有产生副作用。
// 指纹不一致时返回 ErrConflict；等待进行中的执行时 ctx 结束则返回 ctx.Err()。
// 内部错误与超时不会被记录，这样重试仍有机会真正执行。
func (l *Ledger) Do(ctx context.Context, key, fingerprint string, fn func(ctx context.Context) *Result) (*Result, bool, error) {
	if key == "" {
		return nil, false, errors.NotValidf("empty idempotency key")
	}
	if res, ok := l.Check(key); ok {
		if res.Fingerprint != fingerprint {
			return nil, true, errors.Annotatef(ErrConflict, "key %q", key)
		}
		return res, true, nil
	}

	executed := false
	ch := l.group.DoChan(key, func() (any, error) {
		// 上一轮 singleflight 可能刚刚结束并写入了账本。
		if res, ok := l.Check(key); ok {
			return res, nil
		}
		executed = true
		res := fn(ctx)
		res.Fingerprint = fingerprint
		if cacheable(res) {
			l.Record(key, res, 0)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, errors.Trace(ctx.Err())
	case out := <-ch:
		if out.Err != nil {
			return nil, false, errors.Trace(out.Err)
		}
		res := out.Val.(*Result)
		if res.Fingerprint != fingerprint {
			return nil, true, errors.Annotatef(ErrConflict, "key %q", key)
		}
		if !executed {
			l.logger.Debugf("[Ledger] served key %q from previous execution", key)
		}
		return res, !executed, nil
	}
}

// Close 停止后台清理。
func (l *Ledger) Close() {
	l.cache.Stop()
}

func cacheable(res *Result) bool {
	if res.Err == nil {
		return true
	}
	switch res.Err.Code {
	case model.CodeInternal, model.CodeTimeout:
		return false
	}
	return true
}

// Fingerprint 计算 action + 规范化参数的摘要，用于识别「同键不同输入」。
func Fingerprint(action string, args json.RawMessage) string {
	h := blake3.New()
	_, _ = h.Write([]byte(action))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON 通过一次 decode/encode 消除键顺序与空白差异。
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
