package procman

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"consoled/server/internal/model"
)

// Fake 是用于测试的内存 Manager：不启动真实进程，
// 通过 EmitOutput/Crash 模拟子进程行为，并记录收到的调用。
type Fake struct {
	// Block 非空时 Start 会等待它关闭（或 ctx 结束），用于模拟慢命令。
	Block chan struct{}

	mu        sync.Mutex
	order     []string
	views     map[string]*model.ServerView
	listeners map[string]map[int]Listener
	nextHook  int

	StartCalls int
	StopCalls  int
	Inputs     []string
}

func NewFake(ids ...string) *Fake {
	f := &Fake{
		views:     make(map[string]*model.ServerView),
		listeners: make(map[string]map[int]Listener),
	}
	for _, id := range ids {
		f.Add(id, nil)
	}
	return f
}

// Add 增加一个 stopped 实例。
func (f *Fake) Add(id string, props map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if props == nil {
		props = map[string]string{}
	}
	f.order = append(f.order, id)
	f.views[id] = &model.ServerView{
		ID:         id,
		Name:       id,
		Status:     model.StatusStopped,
		Properties: copyProps(props),
		Revision:   1,
		UpdatedAt:  time.Now(),
	}
	f.listeners[id] = make(map[int]Listener)
}

func (f *Fake) Instances() []model.ServerView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ServerView, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, cloneView(f.views[id]))
	}
	return out
}

func (f *Fake) Instance(id string) (model.ServerView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return model.ServerView{}, errors.NotFoundf("instance %q", id)
	}
	return cloneView(v), nil
}

func (f *Fake) Hook(id string, l Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.listeners[id]
	if !ok {
		return nil, errors.NotFoundf("instance %q", id)
	}
	f.nextHook++
	key := f.nextHook
	ls[key] = l
	return func() {
		f.mu.Lock()
		delete(ls, key)
		f.mu.Unlock()
	}, nil
}

// Hooks 返回实例当前挂着的监听器数量。
func (f *Fake) Hooks(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[id])
}

func (f *Fake) snapshot(id string) []Listener {
	ls := f.listeners[id]
	keys := make([]int, 0, len(ls))
	for k := range ls {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Listener, 0, len(keys))
	for _, k := range keys {
		out = append(out, ls[k])
	}
	return out
}

func (f *Fake) Start(ctx context.Context, id string) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}

	f.mu.Lock()
	f.StartCalls++
	v, ok := f.views[id]
	if !ok {
		f.mu.Unlock()
		return errors.NotFoundf("instance %q", id)
	}
	if v.Status == model.StatusRunning {
		f.mu.Unlock()
		return errors.AlreadyExistsf("instance %q is running", id)
	}
	v.Status = model.StatusRunning
	v.ExitCode = nil
	ls := f.snapshot(id)
	f.mu.Unlock()

	for _, l := range ls {
		l.OnStatusChanged(id, model.StatusRunning)
	}
	return nil
}

func (f *Fake) Stop(_ context.Context, id string) error {
	return f.exit(id, model.StatusStopped, 0, true)
}

// Crash 模拟进程异常退出。
func (f *Fake) Crash(id string, code int) error {
	return f.exit(id, model.StatusCrashed, code, false)
}

func (f *Fake) exit(id string, status model.InstanceStatus, code int, byStop bool) error {
	f.mu.Lock()
	if byStop {
		f.StopCalls++
	}
	v, ok := f.views[id]
	if !ok {
		f.mu.Unlock()
		return errors.NotFoundf("instance %q", id)
	}
	if v.Status != model.StatusRunning {
		f.mu.Unlock()
		return errors.Annotatef(ErrNotRunning, "instance %q", id)
	}
	v.Status = status
	v.ExitCode = &code
	ls := f.snapshot(id)
	f.mu.Unlock()

	for _, l := range ls {
		if byStop {
			l.OnStatusChanged(id, model.StatusStopping)
		}
		l.OnExited(id, status, code)
	}
	return nil
}

func (f *Fake) SendInput(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return errors.NotFoundf("instance %q", id)
	}
	if v.Status != model.StatusRunning {
		return errors.Annotatef(ErrNotRunning, "instance %q", id)
	}
	f.Inputs = append(f.Inputs, text)
	return nil
}

// EmitOutput 模拟子进程输出一行。
func (f *Fake) EmitOutput(id string, stream model.OutputStream, line string) {
	f.mu.Lock()
	ls := f.snapshot(id)
	f.mu.Unlock()
	for _, l := range ls {
		l.OnOutputLine(id, stream, line)
	}
}

func (f *Fake) SaveProperties(_ context.Context, id string, props map[string]string, expectedRevision int64) (int64, error) {
	f.mu.Lock()
	v, ok := f.views[id]
	if !ok {
		f.mu.Unlock()
		return 0, errors.NotFoundf("instance %q", id)
	}
	if v.Revision != expectedRevision {
		f.mu.Unlock()
		return 0, errors.Annotatef(ErrRevisionConflict, "instance %q", id)
	}
	keys := make([]string, 0, len(props))
	for k, val := range props {
		v.Properties[k] = val
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v.Revision++
	rev := v.Revision
	ls := f.snapshot(id)
	f.mu.Unlock()

	for _, l := range ls {
		for _, k := range keys {
			l.OnPropertyChanged(id, k, props[k], rev)
		}
	}
	return rev, nil
}

func (f *Fake) Properties(id string) (map[string]string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return nil, 0, errors.NotFoundf("instance %q", id)
	}
	return copyProps(v.Properties), v.Revision, nil
}

// Counts 在锁内读取调用计数。
func (f *Fake) Counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StartCalls, f.StopCalls
}

func cloneView(v *model.ServerView) model.ServerView {
	out := *v
	out.Properties = copyProps(v.Properties)
	if v.ExitCode != nil {
		code := *v.ExitCode
		out.ExitCode = &code
	}
	return out
}
