package command

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/juju/errors"
)

// ErrUnknownAction 表示命令名没有注册处理器。
const ErrUnknownAction = errors.ConstError("unknown action")

// Definition 描述一个命令的元数据。
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Mutating 为 true 的命令会产生副作用，携带幂等键时经账本去重。
	Mutating bool `json:"mutating"`
}

// Handler 命令处理器接口
type Handler interface {
	Definition() Definition
	// Execute 执行命令，返回值会被序列化为 ack 的 result。
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// HandlerFunc 把一个函数适配成 Handler。
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type funcHandler struct {
	def Definition
	fn  HandlerFunc
}

func (h funcHandler) Definition() Definition { return h.def }

func (h funcHandler) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return h.fn(ctx, args)
}

// NewHandler 用定义和函数构造 Handler。
func NewHandler(def Definition, fn HandlerFunc) Handler {
	return funcHandler{def: def, fn: fn}
}

// Registry 是命令名到处理器的映射。注册只发生在启动阶段，之后只读。
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register 注册处理器；重名或空名直接报错，避免运行期才发现配置问题。
func (r *Registry) Register(h Handler) error {
	def := h.Definition()
	if def.Name == "" {
		return errors.NotValidf("empty action name")
	}
	if _, ok := r.handlers[def.Name]; ok {
		return errors.AlreadyExistsf("action %q", def.Name)
	}
	r.handlers[def.Name] = h
	return nil
}

// Get 获取处理器
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// MustHave 校验一组命令都已注册，用于启动时 fail fast。
func (r *Registry) MustHave(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := r.handlers[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.NotFoundf("handlers for actions %v", missing)
	}
	return nil
}

// Definitions 返回全部命令定义（按名字排序）。
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.handlers))
	for _, h := range r.handlers {
		defs = append(defs, h.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute 查找并执行命令。
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := r.Get(name)
	if !ok {
		return nil, errors.Annotatef(ErrUnknownAction, "%q", name)
	}
	return h.Execute(ctx, args)
}
