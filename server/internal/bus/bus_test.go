package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"go.uber.org/goleak"

	"consoled/server/internal/model"
)

// recorder 是线程安全的测试订阅者。
type recorder struct {
	id string

	mu     sync.Mutex
	events []model.Event
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(evt model.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func (r *recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

func ids(events []model.Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventID)
	}
	return out
}

func newTestBus(window int) *Bus {
	return New(Config{ReplayWindow: window, Clock: testclock.NewClock(time.Unix(1700000000, 0))})
}

func mustPublish(t *testing.T, b *Bus, topic string, payload any) model.Event {
	t.Helper()
	evt, err := b.Publish(topic, payload)
	if err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
	return evt
}

func mustSubscribe(t *testing.T, b *Bus, sub Subscriber, topics ...string) {
	t.Helper()
	b.Register(sub)
	if _, err := b.Subscribe(sub, topics); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// TestPublishAssignsGlobalMonotonicIDs 验证事件 ID 跨 topic 全局单调递增。
func TestPublishAssignsGlobalMonotonicIDs(t *testing.T) {
	b := newTestBus(16)

	e1 := mustPublish(t, b, "servers", map[string]string{"a": "1"})
	e2 := mustPublish(t, b, "server:s1", map[string]string{"b": "2"})
	e3, err := b.StoreOnly("servers", map[string]string{"c": "3"})
	if err != nil {
		t.Fatalf("store only: %v", err)
	}
	e4 := mustPublish(t, b, "servers", map[string]string{"d": "4"})

	got := []int64{e1.EventID, e2.EventID, e3.EventID, e4.EventID}
	if diff := cmp.Diff([]int64{1, 2, 3, 4}, got); diff != "" {
		t.Fatalf("event ids mismatch (-want +got):\n%s", diff)
	}
	if b.LatestEventID() != 4 {
		t.Fatalf("expected latest event id 4, got %d", b.LatestEventID())
	}
}

// TestPublishFanOutOrdering 验证并发发布下，订阅者在每个 topic 上看到的 ID 单调递增且无缺口。
// 场景：8 个 goroutine 向 2 个 topic 并发发布，订阅者在发布前注册。
func TestPublishFanOutOrdering(t *testing.T) {
	b := newTestBus(10000)
	r1 := newRecorder("r1")
	r2 := newRecorder("r2")
	mustSubscribe(t, b, r1, "t1", "t2")
	mustSubscribe(t, b, r2, "t1")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				topic := "t1"
				if (g+i)%2 == 0 {
					topic = "t2"
				}
				if _, err := b.Publish(topic, i); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	for _, r := range []*recorder{r1, r2} {
		perTopic := map[string][]int64{}
		for _, e := range r.Events() {
			perTopic[e.Topic] = append(perTopic[e.Topic], e.EventID)
		}
		for topic, got := range perTopic {
			for i := 1; i < len(got); i++ {
				if got[i] <= got[i-1] {
					t.Fatalf("%s: topic %s out of order at %d: %v", r.id, topic, i, got[i-1:i+1])
				}
			}
			// 与总线保留的历史比对：没有缺口。
			want, err := b.ReplaySince(topic, 0)
			if err != nil {
				t.Fatalf("replay %s: %v", topic, err)
			}
			if diff := cmp.Diff(ids(want), got); diff != "" {
				t.Fatalf("%s: topic %s gap (-want +got):\n%s", r.id, topic, diff)
			}
		}
	}
	if len(r2.Events()) != 400 {
		t.Fatalf("expected r2 to receive 400 events on t1, got %d", len(r2.Events()))
	}
}

// TestSubscribeDuringPublishMissesNothing 验证发布持续进行时加入的订阅者，
// 从它收到的第一个事件起与总线历史连续，Subscribe 返回后发布的事件一定送达。
func TestSubscribeDuringPublishMissesNothing(t *testing.T) {
	b := newTestBus(100000)

	var (
		wg        sync.WaitGroup
		published atomic.Int64
		stop      = make(chan struct{})
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := b.Publish("t1", i); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
				published.Add(1)
			}
		}()
	}
	deadline := time.Now().Add(5 * time.Second)
	for published.Load() < 200 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	late := newRecorder("late")
	mustSubscribe(t, b, late, "t1")
	marker := mustPublish(t, b, "t1", "marker")
	close(stop)
	wg.Wait()

	got := late.Events()
	if len(got) == 0 {
		t.Fatal("late subscriber received nothing")
	}
	want, err := b.ReplaySince("t1", got[0].EventID-1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if diff := cmp.Diff(ids(want), ids(got)); diff != "" {
		t.Fatalf("late subscriber has a gap (-want +got):\n%s", diff)
	}
	for _, e := range got {
		if e.EventID == marker.EventID {
			return
		}
	}
	t.Fatalf("event %d published after Subscribe returned never arrived", marker.EventID)
}

// TestStoreOnlyDoesNotFanOut 验证 StoreOnly 不投递给任何订阅者，但晚到的订阅者可以拿到快照。
func TestStoreOnlyDoesNotFanOut(t *testing.T) {
	b := newTestBus(16)
	early := newRecorder("early")
	mustSubscribe(t, b, early, "servers")

	payload := json.RawMessage(`{"kind":"snapshot","servers":[]}`)
	stored, err := b.StoreOnly("servers", payload)
	if err != nil {
		t.Fatalf("store only: %v", err)
	}
	if n := len(early.Events()); n != 0 {
		t.Fatalf("expected no delivery on store only, got %d events", n)
	}

	late := newRecorder("late")
	mustSubscribe(t, b, late, "servers")
	if n := len(late.Events()); n != 0 {
		t.Fatalf("expected no implicit snapshot delivery, got %d events", n)
	}

	snap, ok := b.Snapshot("servers")
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if diff := cmp.Diff(stored, snap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if string(snap.Payload) != string(payload) {
		t.Fatalf("expected payload %s, got %s", payload, snap.Payload)
	}

	// 快照不进入回放历史。
	replay, err := b.ReplaySince("servers", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 0 {
		t.Fatalf("expected empty replay history, got %v", ids(replay))
	}
}

// TestSubscribeFromReplaysMissedEvents 验证断线续传：只回放 ID > 续传点且属于所订阅 topic 的事件，
// 按全局顺序、无重复无缺口，且回放先于之后的实时事件。
func TestSubscribeFromReplaysMissedEvents(t *testing.T) {
	b := newTestBus(64)

	first := newRecorder("first")
	mustSubscribe(t, b, first, "a", "b")
	mustPublish(t, b, "a", 1)
	mustPublish(t, b, "b", 2)
	lastSeen := first.Events()[1].EventID
	b.Unregister(first)

	// 断线期间发布。
	mustPublish(t, b, "a", 3)
	mustPublish(t, b, "c", 4)
	mustPublish(t, b, "b", 5)
	mustPublish(t, b, "a", 6)

	second := newRecorder("second")
	b.Register(second)
	replayed, topics, err := b.SubscribeFrom(second, []string{"b", "a"}, &Resume{FromEventID: lastSeen, Epoch: b.Epoch()})
	if err != nil {
		t.Fatalf("subscribe from: %v", err)
	}
	if replayed != 3 {
		t.Fatalf("expected 3 replayed events, got %d", replayed)
	}
	if diff := cmp.Diff([]string{"a", "b"}, topics); diff != "" {
		t.Fatalf("topics mismatch (-want +got):\n%s", diff)
	}

	mustPublish(t, b, "a", 7)

	if diff := cmp.Diff([]int64{3, 5, 6, 7}, ids(second.Events())); diff != "" {
		t.Fatalf("replay + live mismatch (-want +got):\n%s", diff)
	}
}

// TestSubscribeFromRefusesWhenWindowExceeded 验证续传点被淘汰时明确拒绝，而不是部分回放；
// 订阅本身依然生效。
func TestSubscribeFromRefusesWhenWindowExceeded(t *testing.T) {
	b := newTestBus(2)
	for i := 0; i < 5; i++ {
		mustPublish(t, b, "a", i)
	}

	sub := newRecorder("s")
	b.Register(sub)
	replayed, _, err := b.SubscribeFrom(sub, []string{"a"}, &Resume{FromEventID: 1})
	if !errors.Is(err, ErrWindowExceeded) {
		t.Fatalf("expected ErrWindowExceeded, got %v", err)
	}
	if replayed != 0 || len(sub.Events()) != 0 {
		t.Fatalf("expected no partial replay, got %v", ids(sub.Events()))
	}

	mustPublish(t, b, "a", "live")
	if got := ids(sub.Events()); len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected live event 6 after refusal, got %v", got)
	}

	// 窗口边界：此时 evictedThrough == 4，从 4 续传恰好可行。
	other := newRecorder("o")
	b.Register(other)
	if _, _, err := b.SubscribeFrom(other, []string{"a"}, &Resume{FromEventID: 4}); err != nil {
		t.Fatalf("expected resume from 4 to succeed, got %v", err)
	}
	if diff := cmp.Diff([]int64{5, 6}, ids(other.Events())); diff != "" {
		t.Fatalf("boundary replay mismatch (-want +got):\n%s", diff)
	}
}

// TestSubscribeFromRefusesForeignEpochAndFutureIDs 验证进程重启（epoch 变化）或续传点超前时拒绝续传。
func TestSubscribeFromRefusesForeignEpochAndFutureIDs(t *testing.T) {
	b := newTestBus(16)
	mustPublish(t, b, "a", 1)

	cases := []struct {
		name   string
		resume Resume
	}{
		{name: "foreign epoch", resume: Resume{FromEventID: 0, Epoch: "previous-process"}},
		{name: "future event", resume: Resume{FromEventID: 42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := newRecorder(tc.name)
			b.Register(sub)
			resume := tc.resume
			if _, _, err := b.SubscribeFrom(sub, []string{"a"}, &resume); !errors.Is(err, ErrWindowExceeded) {
				t.Fatalf("expected ErrWindowExceeded, got %v", err)
			}
		})
	}
}

// TestSubscribeFromRespectsMaxEvents 验证回放量超过上限时按窗口不足处理。
func TestSubscribeFromRespectsMaxEvents(t *testing.T) {
	b := newTestBus(100)
	for i := 0; i < 10; i++ {
		mustPublish(t, b, "a", i)
	}
	sub := newRecorder("s")
	b.Register(sub)
	_, _, err := b.SubscribeFrom(sub, []string{"a"}, &Resume{FromEventID: 0, MaxEvents: 5})
	if !errors.Is(err, ErrWindowExceeded) {
		t.Fatalf("expected ErrWindowExceeded, got %v", err)
	}
}

// TestUnsubscribeAndUnregister 验证取消订阅后不再投递，Unregister 幂等。
func TestUnsubscribeAndUnregister(t *testing.T) {
	b := newTestBus(16)
	sub := newRecorder("s")
	mustSubscribe(t, b, sub, "a", "b")

	remaining, err := b.Unsubscribe(sub, []string{"a", "not-subscribed"})
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if diff := cmp.Diff([]string{"b"}, remaining); diff != "" {
		t.Fatalf("remaining topics mismatch (-want +got):\n%s", diff)
	}

	mustPublish(t, b, "a", 1)
	mustPublish(t, b, "b", 2)
	if diff := cmp.Diff([]int64{2}, ids(sub.Events())); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}

	b.Unregister(sub)
	b.Unregister(sub)
	mustPublish(t, b, "b", 3)
	if n := len(sub.Events()); n != 1 {
		t.Fatalf("expected no delivery after unregister, got %d events", n)
	}
	if _, err := b.Subscribe(sub, []string{"a"}); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected NotFound for unregistered subscriber, got %v", err)
	}
	for _, info := range b.Topics() {
		if info.Subscribers != 0 {
			t.Fatalf("topic %s still has %d subscribers", info.Name, info.Subscribers)
		}
	}
}

// TestPublishRejectsEmptyTopic 验证空 topic 的参数校验。
func TestPublishRejectsEmptyTopic(t *testing.T) {
	b := newTestBus(16)
	if _, err := b.Publish("", 1); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid, got %v", err)
	}
	if _, err := b.StoreOnly("", 1); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid, got %v", err)
	}
	if _, err := b.Publish("a", func() {}); err == nil {
		t.Fatal("expected marshal error for func payload")
	}
}

// TestCollectGarbage 验证只回收无订阅者且空闲超时的 topic 历史，回收后续传按窗口不足处理。
func TestCollectGarbage(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	b := New(Config{ReplayWindow: 16, HistoryIdleTTL: time.Minute, Clock: clk})

	watched := newRecorder("w")
	mustSubscribe(t, b, watched, "busy")
	mustPublish(t, b, "busy", 1)
	mustPublish(t, b, "idle", 2)
	mustPublish(t, b, "idle", 3)
	if _, err := b.StoreOnly("idle", "snap"); err != nil {
		t.Fatalf("store only: %v", err)
	}

	if n := b.CollectGarbage(); n != 0 {
		t.Fatalf("expected nothing collected before ttl, got %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n := b.CollectGarbage(); n != 1 {
		t.Fatalf("expected 1 topic collected, got %d", n)
	}

	if _, err := b.ReplaySince("idle", 1); !errors.Is(err, ErrWindowExceeded) {
		t.Fatalf("expected ErrWindowExceeded after gc, got %v", err)
	}
	if events, err := b.ReplaySince("idle", 3); err != nil || len(events) != 0 {
		t.Fatalf("expected empty replay from latest id, got %v %v", events, err)
	}
	if _, ok := b.Snapshot("idle"); !ok {
		t.Fatal("expected snapshot to survive gc")
	}
	if events, err := b.ReplaySince("busy", 0); err != nil || len(events) != 1 {
		t.Fatalf("expected subscribed topic history kept, got %v %v", events, err)
	}
}

// TestRunStopsOnCancel 验证 GC 循环随 ctx 退出且不泄漏 goroutine。
func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := testclock.NewClock(time.Unix(1700000000, 0))
	b := New(Config{ReplayWindow: 4, HistoryIdleTTL: time.Second, GCInterval: time.Second, Clock: clk})
	mustPublish(t, b, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance clock: %v", err)
	}
	// 等待下一轮 After 注册，说明上一轮 GC 已执行完。
	if err := clk.WaitAdvance(0, time.Second, 1); err != nil {
		t.Fatalf("wait gc round: %v", err)
	}
	if infos := b.Topics(); infos[0].Retained != 0 {
		t.Fatalf("expected history collected by run loop, got %+v", infos[0])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func ExampleBus_Publish() {
	b := New(Config{ReplayWindow: 8})
	evt, _ := b.Publish("server:s1", map[string]string{"status": "running"})
	fmt.Println(evt.EventID, evt.Topic, string(evt.Payload))
	// Output: 1 server:s1 {"status":"running"}
}
