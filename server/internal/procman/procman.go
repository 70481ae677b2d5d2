package procman

import (
	"context"

	"github.com/juju/errors"

	"consoled/server/internal/model"
)

const (
	// ErrNotRunning 表示实例当前没有运行中的进程。
	ErrNotRunning = errors.ConstError("instance not running")
	// ErrRevisionConflict 表示保存属性时携带的 revision 已过期。
	ErrRevisionConflict = errors.ConstError("properties revision conflict")
)

// Listener 接收实例生命周期回调。
//
// 约定：
// - 回调可能来自不同实例的不同 goroutine，并发调用。
// - 同一个实例的回调按状态变化的先后串行调用。
// - 实现不能阻塞，也不能在回调里反向调用 Manager。
type Listener interface {
	OnStatusChanged(id string, status model.InstanceStatus)
	OnPropertyChanged(id, key, value string, revision int64)
	OnOutputLine(id string, stream model.OutputStream, line string)
	// OnExited 在进程退出后调用一次，status 为 stopped 或 crashed。
	OnExited(id string, status model.InstanceStatus, exitCode int)
}

// Manager 是进程生命周期管理器的对外接口。
// 失败类型：NotFound（实例不存在）、AlreadyExists（已在运行）、
// ErrNotRunning、ErrRevisionConflict、NotValid（参数非法）。
type Manager interface {
	// Instances 按配置顺序返回全部实例的当前视图。
	Instances() []model.ServerView
	Instance(id string) (model.ServerView, error)
	// Hook 为实例挂上监听器，返回的函数用于摘除（可重复调用）。
	Hook(id string, l Listener) (unhook func(), err error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	SendInput(ctx context.Context, id, text string) error
	// SaveProperties 在 expectedRevision 与当前 revision 一致时合并属性，返回新的 revision。
	SaveProperties(ctx context.Context, id string, props map[string]string, expectedRevision int64) (int64, error)
	Properties(id string) (map[string]string, int64, error)
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
