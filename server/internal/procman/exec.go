package procman

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"consoled/server/internal/config"
	"consoled/server/internal/logging"
	"consoled/server/internal/model"
)

const maxLineBytes = 256 << 10

type ExecConfig struct {
	Instances []config.InstanceConfig
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// ExecManager 用 os/exec 托管配置中的游戏服进程。
// 每个实例同一时刻至多一个进程；stdout/stderr 逐行回调给监听器。
type ExecManager struct {
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	hookSeq atomic.Uint64
}

type instance struct {
	cfg config.InstanceConfig

	mu        sync.Mutex
	status    model.InstanceStatus
	props     map[string]string
	revision  int64
	exitCode  *int
	updatedAt time.Time
	proc      *process
	listeners map[uint64]Listener

	// notifyMu 保证同一实例的回调顺序与状态变化顺序一致。
	notifyMu sync.Mutex
}

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writeMu  sync.Mutex
	stopping bool
	done     chan struct{}
}

func NewExecManager(cfg ExecConfig) *ExecManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	m := &ExecManager{
		clock:     cfg.Clock,
		logger:    logging.OrNop(cfg.Logger),
		instances: make(map[string]*instance),
	}
	for _, ic := range cfg.Instances {
		if err := m.Add(ic); err != nil {
			m.logger.Warnf("[Procman] skip instance %q: %v", ic.ID, err)
		}
	}
	return m
}

// Add 注册一个新实例（初始状态 stopped）。
func (m *ExecManager) Add(ic config.InstanceConfig) error {
	if ic.ID == "" {
		return errors.NotValidf("empty instance id")
	}
	if ic.Command == "" {
		return errors.NotValidf("instance %q: empty command", ic.ID)
	}
	if ic.StopGrace <= 0 {
		ic.StopGrace = 10 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[ic.ID]; ok {
		return errors.AlreadyExistsf("instance %q", ic.ID)
	}
	m.instances[ic.ID] = &instance{
		cfg:       ic,
		status:    model.StatusStopped,
		props:     copyProps(ic.Properties),
		revision:  1,
		updatedAt: m.clock.Now(),
		listeners: make(map[uint64]Listener),
	}
	m.order = append(m.order, ic.ID)
	return nil
}

func (m *ExecManager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, errors.NotFoundf("instance %q", id)
	}
	return inst, nil
}

func (m *ExecManager) Instances() []model.ServerView {
	m.mu.RLock()
	list := make([]*instance, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.instances[id])
	}
	m.mu.RUnlock()

	out := make([]model.ServerView, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.view())
	}
	return out
}

func (m *ExecManager) Instance(id string) (model.ServerView, error) {
	inst, err := m.get(id)
	if err != nil {
		return model.ServerView{}, err
	}
	return inst.view(), nil
}

func (m *ExecManager) Hook(id string, l Listener) (func(), error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, err
	}
	key := m.hookSeq.Add(1)

	inst.mu.Lock()
	inst.listeners[key] = l
	inst.mu.Unlock()

	return func() {
		inst.mu.Lock()
		delete(inst.listeners, key)
		inst.mu.Unlock()
	}, nil
}

func (m *ExecManager) Start(_ context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	name, args, err := commandLine(inst.cfg)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	if inst.proc != nil {
		inst.mu.Unlock()
		return errors.AlreadyExistsf("instance %q is running", id)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = inst.cfg.Dir
	cmd.Env = append(os.Environ(), inst.cfg.Env...)
	proc := &process{cmd: cmd, done: make(chan struct{})}

	outputs, err := spawn(proc, inst.cfg.TTY)
	if err != nil {
		inst.mu.Unlock()
		return errors.Annotatef(err, "start instance %q", id)
	}
	inst.proc = proc
	inst.exitCode = nil
	inst.setStatusLocked(model.StatusRunning, m.clock.Now())
	inst.unlockAndNotify(func(l Listener) {
		l.OnStatusChanged(id, model.StatusRunning)
	})

	m.logger.Infof("[Procman] ▶️ instance %s started (pid=%d)", id, cmd.Process.Pid)
	go m.supervise(inst, proc, outputs)
	return nil
}

type output struct {
	stream model.OutputStream
	r      io.Reader
}

func spawn(proc *process, tty bool) ([]output, error) {
	cmd := proc.cmd
	if tty {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, errors.Trace(err)
		}
		proc.stdin = f
		return []output{{stream: model.StreamStdout, r: f}}, nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Trace(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Trace(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	proc.stdin = stdin
	return []output{
		{stream: model.StreamStdout, r: stdout},
		{stream: model.StreamStderr, r: stderr},
	}, nil
}

// supervise 读完全部输出后回收进程，并发布最终状态。
func (m *ExecManager) supervise(inst *instance, proc *process, outputs []output) {
	id := inst.cfg.ID

	var wg sync.WaitGroup
	for _, out := range outputs {
		wg.Add(1)
		go func(out output) {
			defer wg.Done()
			scanner := bufio.NewScanner(out.r)
			scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
			for scanner.Scan() {
				line := scanner.Text()
				inst.mu.Lock()
				inst.unlockAndNotify(func(l Listener) {
					l.OnOutputLine(id, out.stream, line)
				})
			}
		}(out)
	}
	wg.Wait()

	waitErr := proc.cmd.Wait()
	if closer, ok := proc.stdin.(io.Closer); ok {
		_ = closer.Close()
	}
	code := proc.cmd.ProcessState.ExitCode()

	inst.mu.Lock()
	status := model.StatusStopped
	if !proc.stopping && code != 0 {
		status = model.StatusCrashed
	}
	inst.proc = nil
	inst.exitCode = &code
	inst.setStatusLocked(status, m.clock.Now())
	inst.unlockAndNotify(func(l Listener) {
		l.OnExited(id, status, code)
	})
	close(proc.done)

	if status == model.StatusCrashed {
		m.logger.Warnf("[Procman] ⚠️ instance %s crashed: code=%d err=%v", id, code, waitErr)
	} else {
		m.logger.Infof("[Procman] instance %s exited: code=%d", id, code)
	}
}

// Stop 请求实例退出：先发 stop_input（或 SIGINT），超过 stop_grace 仍未退出则强杀。
// 返回时进程已退出，或 ctx 已结束。
func (m *ExecManager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	proc := inst.proc
	if proc == nil {
		inst.mu.Unlock()
		return errors.Annotatef(ErrNotRunning, "instance %q", id)
	}
	first := !proc.stopping
	if first {
		proc.stopping = true
		inst.setStatusLocked(model.StatusStopping, m.clock.Now())
		inst.unlockAndNotify(func(l Listener) {
			l.OnStatusChanged(id, model.StatusStopping)
		})
	} else {
		inst.mu.Unlock()
	}

	if first {
		if inst.cfg.StopInput != "" {
			if err := proc.writeLine(inst.cfg.StopInput); err != nil {
				m.logger.Debugf("[Procman] write stop input to %s: %v", id, err)
				_ = proc.cmd.Process.Signal(os.Interrupt)
			}
		} else {
			_ = proc.cmd.Process.Signal(os.Interrupt)
		}
	}

	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-m.clock.After(inst.cfg.StopGrace):
	}

	m.logger.Warnf("[Procman] instance %s did not exit within %s, killing", id, inst.cfg.StopGrace)
	_ = proc.cmd.Process.Kill()
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (m *ExecManager) SendInput(_ context.Context, id, text string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()
	if proc == nil {
		return errors.Annotatef(ErrNotRunning, "instance %q", id)
	}
	return errors.Annotatef(proc.writeLine(text), "send input to %q", id)
}

func (p *process) writeLine(text string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdin, text+"\n")
	return errors.Trace(err)
}

func (m *ExecManager) SaveProperties(_ context.Context, id string, props map[string]string, expectedRevision int64) (int64, error) {
	inst, err := m.get(id)
	if err != nil {
		return 0, err
	}
	for k := range props {
		if k == "" {
			return 0, errors.NotValidf("empty property key")
		}
	}

	inst.mu.Lock()
	if expectedRevision != inst.revision {
		current := inst.revision
		inst.mu.Unlock()
		return 0, errors.Annotatef(ErrRevisionConflict, "instance %q: expected %d, current %d", id, expectedRevision, current)
	}
	changed := make([]string, 0, len(props))
	for k, v := range props {
		if old, ok := inst.props[k]; !ok || old != v {
			changed = append(changed, k)
		}
		inst.props[k] = v
	}
	sort.Strings(changed)
	inst.revision++
	rev := inst.revision
	inst.updatedAt = m.clock.Now()
	inst.unlockAndNotify(func(l Listener) {
		for _, k := range changed {
			l.OnPropertyChanged(id, k, props[k], rev)
		}
	})
	return rev, nil
}

func (m *ExecManager) Properties(id string) (map[string]string, int64, error) {
	inst, err := m.get(id)
	if err != nil {
		return nil, 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return copyProps(inst.props), inst.revision, nil
}

// StopAll 停止全部运行中的实例，用于进程退出。
func (m *ExecManager) StopAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(m.Instances()))
	for _, v := range m.Instances() {
		if v.Status != model.StatusRunning && v.Status != model.StatusStopping {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				errs <- err
			}
		}(v.ID)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (inst *instance) setStatusLocked(st model.InstanceStatus, now time.Time) {
	inst.status = st
	inst.updatedAt = now
}

// unlockAndNotify 必须在持有 inst.mu 时调用：释放 inst.mu 后按顺序调用监听器。
func (inst *instance) unlockAndNotify(fn func(Listener)) {
	keys := make([]uint64, 0, len(inst.listeners))
	for k := range inst.listeners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	ls := make([]Listener, 0, len(keys))
	for _, k := range keys {
		ls = append(ls, inst.listeners[k])
	}

	inst.notifyMu.Lock()
	inst.mu.Unlock()
	defer inst.notifyMu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

func (inst *instance) view() model.ServerView {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	v := model.ServerView{
		ID:         inst.cfg.ID,
		Name:       inst.cfg.Name,
		Status:     inst.status,
		Properties: copyProps(inst.props),
		Revision:   inst.revision,
		UpdatedAt:  inst.updatedAt,
	}
	if inst.exitCode != nil {
		code := *inst.exitCode
		v.ExitCode = &code
	}
	return v
}

// commandLine 返回可执行文件与参数。args 为空时按 shell 规则拆分 command。
func commandLine(ic config.InstanceConfig) (string, []string, error) {
	if len(ic.Args) > 0 {
		return ic.Command, ic.Args, nil
	}
	words, err := shellquote.Split(ic.Command)
	if err != nil {
		return "", nil, errors.NotValidf("instance %q command %q: %v", ic.ID, ic.Command, err)
	}
	if len(words) == 0 {
		return "", nil, errors.NotValidf("instance %q: empty command", ic.ID)
	}
	return words[0], words[1:], nil
}
