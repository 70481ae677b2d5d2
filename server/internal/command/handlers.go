package command

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"consoled/server/internal/model"
	"consoled/server/internal/procman"
	"consoled/server/internal/streamstore"
)

// 内置命令名
const (
	ActionStart          = "server.start"
	ActionStop           = "server.stop"
	ActionInput          = "server.input"
	ActionSaveProperties = "server.save_properties"
	ActionList           = "server.list"
	ActionConsoleHistory = "console.history"
)

// BuiltinActions 是二进制启动时必须注册的命令。
var BuiltinActions = []string{
	ActionStart,
	ActionStop,
	ActionInput,
	ActionSaveProperties,
	ActionList,
	ActionConsoleHistory,
}

const defaultHistoryLimit = 100

type instanceArgs struct {
	ID string `json:"id"`
}

type inputArgs struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type savePropertiesArgs struct {
	ID               string            `json:"id"`
	Properties       map[string]string `json:"properties"`
	ExpectedRevision int64             `json:"expected_revision"`
}

type historyArgs struct {
	ID    string `json:"id"`
	Limit int    `json:"limit"`
}

// SaveResult 是 server.save_properties 的返回值。
type SaveResult struct {
	ID       string `json:"id"`
	Revision int64  `json:"revision"`
}

// HistoryResult 是 console.history 的返回值。
type HistoryResult struct {
	ID    string             `json:"id"`
	Lines []streamstore.Line `json:"lines"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewNotValid(err, "decode args")
	}
	return nil
}

func requireID(id string) error {
	if id == "" {
		return errors.NotValidf("missing id")
	}
	return nil
}

// RegisterServerActions 注册面向实例的内置命令。
func RegisterServerActions(r *Registry, mgr procman.Manager, streams streamstore.Store, historyMax int) error {
	handlers := []Handler{
		NewHandler(Definition{
			Name:        ActionStart,
			Description: "启动实例进程",
			Mutating:    true,
		}, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args instanceArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := requireID(args.ID); err != nil {
				return nil, err
			}
			if err := mgr.Start(ctx, args.ID); err != nil {
				return nil, err
			}
			return mgr.Instance(args.ID)
		}),
		NewHandler(Definition{
			Name:        ActionStop,
			Description: "停止实例进程（先温和请求，超时强杀）",
			Mutating:    true,
		}, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args instanceArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := requireID(args.ID); err != nil {
				return nil, err
			}
			if err := mgr.Stop(ctx, args.ID); err != nil {
				return nil, err
			}
			return mgr.Instance(args.ID)
		}),
		NewHandler(Definition{
			Name:        ActionInput,
			Description: "向实例控制台写入一行",
			Mutating:    true,
		}, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args inputArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := requireID(args.ID); err != nil {
				return nil, err
			}
			if args.Text == "" {
				return nil, errors.NotValidf("empty input text")
			}
			if err := mgr.SendInput(ctx, args.ID, args.Text); err != nil {
				return nil, err
			}
			return map[string]bool{"sent": true}, nil
		}),
		NewHandler(Definition{
			Name:        ActionSaveProperties,
			Description: "按 revision 乐观并发保存实例属性",
			Mutating:    true,
		}, func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args savePropertiesArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := requireID(args.ID); err != nil {
				return nil, err
			}
			if len(args.Properties) == 0 {
				return nil, errors.NotValidf("empty properties")
			}
			rev, err := mgr.SaveProperties(ctx, args.ID, args.Properties, args.ExpectedRevision)
			if err != nil {
				return nil, err
			}
			return SaveResult{ID: args.ID, Revision: rev}, nil
		}),
		NewHandler(Definition{
			Name:        ActionList,
			Description: "列出全部实例",
		}, func(_ context.Context, _ json.RawMessage) (any, error) {
			return mgr.Instances(), nil
		}),
		NewHandler(Definition{
			Name:        ActionConsoleHistory,
			Description: "读取实例最近的控制台输出",
		}, func(_ context.Context, raw json.RawMessage) (any, error) {
			var args historyArgs
			if err := decodeArgs(raw, &args); err != nil {
				return nil, err
			}
			if err := requireID(args.ID); err != nil {
				return nil, err
			}
			if _, err := mgr.Instance(args.ID); err != nil {
				return nil, err
			}
			limit := args.Limit
			if limit <= 0 {
				limit = defaultHistoryLimit
			}
			if historyMax > 0 && limit > historyMax {
				limit = historyMax
			}
			lines := streams.Tail(model.ConsoleTopic(args.ID), limit)
			if lines == nil {
				lines = []streamstore.Line{}
			}
			return HistoryResult{ID: args.ID, Lines: lines}, nil
		}),
	}

	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
