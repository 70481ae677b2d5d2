package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"go.uber.org/goleak"

	"consoled/server/internal/model"
)

func ok(v string) func(context.Context) *Result {
	return func(context.Context) *Result {
		return &Result{Value: json.RawMessage(v)}
	}
}

// TestLedgerDoReturnsSameResult 验证同一个键在 TTL 内每次都返回同一个结果对象，fn 只执行一次。
func TestLedgerDoReturnsSameResult(t *testing.T) {
	l := New(Config{TTL: time.Minute})
	defer l.Close()
	ctx := context.Background()

	var calls int32
	fn := func(context.Context) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Value: json.RawMessage(`{"revision":2}`)}
	}

	first, replayed, err := l.Do(ctx, "k1", "fp", fn)
	if err != nil {
		t.Fatalf("first do: %v", err)
	}
	if replayed {
		t.Fatal("expected first call to execute")
	}

	for i := 0; i < 3; i++ {
		again, replayed, err := l.Do(ctx, "k1", "fp", fn)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if !replayed {
			t.Fatalf("retry %d: expected replayed result", i)
		}
		if again != first {
			t.Fatalf("retry %d: expected identical result object", i)
		}
	}

	checked, found := l.Check("k1")
	if !found || checked != first {
		t.Fatalf("expected Check to return recorded result, got %v %v", checked, found)
	}
	if calls != 1 {
		t.Fatalf("expected fn executed once, got %d", calls)
	}
}

// TestLedgerConcurrentFirstCallers 验证并发的首次请求只产生一次副作用，其余请求共享结果。
func TestLedgerConcurrentFirstCallers(t *testing.T) {
	l := New(Config{TTL: time.Minute})
	defer l.Close()

	var effects int32
	release := make(chan struct{})
	fn := func(context.Context) *Result {
		atomic.AddInt32(&effects, 1)
		<-release
		return &Result{Value: json.RawMessage(`"started"`)}
	}

	const callers = 16
	results := make([]*Result, callers)
	replays := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, replayed, err := l.Do(context.Background(), "start-s1", "fp", fn)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = res
			replays[i] = replayed
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if effects != 1 {
		t.Fatalf("expected exactly one effect, got %d", effects)
	}
	executed := 0
	for i := range results {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different result object", i)
		}
		if !replays[i] {
			executed++
		}
	}
	if executed != 1 {
		t.Fatalf("expected exactly one caller to report execution, got %d", executed)
	}
}

// TestLedgerRejectsMismatchedInput 验证同键不同输入被拒绝（策略：冲突即报错）。
func TestLedgerRejectsMismatchedInput(t *testing.T) {
	l := New(Config{TTL: time.Minute})
	defer l.Close()
	ctx := context.Background()

	fpA := Fingerprint("server.save_properties", json.RawMessage(`{"id":"s1","properties":{"motd":"a"}}`))
	fpB := Fingerprint("server.save_properties", json.RawMessage(`{"id":"s1","properties":{"motd":"b"}}`))

	if _, _, err := l.Do(ctx, "k", fpA, ok(`1`)); err != nil {
		t.Fatalf("first do: %v", err)
	}
	_, _, err := l.Do(ctx, "k", fpB, ok(`2`))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// TestFingerprintIgnoresKeyOrderAndWhitespace 验证参数规范化。
func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := Fingerprint("server.input", json.RawMessage(`{"id":"s1","text":"say hi"}`))
	b := Fingerprint("server.input", json.RawMessage(`{ "text": "say hi", "id": "s1" }`))
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s vs %s", a, b)
	}
	c := Fingerprint("server.stop", json.RawMessage(`{"id":"s1","text":"say hi"}`))
	if a == c {
		t.Fatal("expected action to be part of the fingerprint")
	}
}

// TestLedgerDoesNotCacheInternalErrors 验证内部错误不入账，重试会再次执行。
func TestLedgerDoesNotCacheInternalErrors(t *testing.T) {
	l := New(Config{TTL: time.Minute})
	defer l.Close()
	ctx := context.Background()

	var calls int32
	fn := func(context.Context) *Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			return &Result{Err: &model.CommandError{Code: model.CodeInternal, Message: "boom"}}
		}
		return &Result{Err: &model.CommandError{Code: model.CodeRevisionConflict, Message: "stale"}}
	}

	res, _, err := l.Do(ctx, "k", "fp", fn)
	if err != nil || res.Err.Code != model.CodeInternal {
		t.Fatalf("expected internal error result, got %+v %v", res, err)
	}
	res, replayed, err := l.Do(ctx, "k", "fp", fn)
	if err != nil || replayed || res.Err.Code != model.CodeRevisionConflict {
		t.Fatalf("expected re-execution with typed error, got %+v replayed=%v %v", res, replayed, err)
	}
	res, replayed, err = l.Do(ctx, "k", "fp", fn)
	if err != nil || !replayed || res.Err.Code != model.CodeRevisionConflict {
		t.Fatalf("expected typed error to be recorded, got %+v replayed=%v %v", res, replayed, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 executions, got %d", calls)
	}
}

// TestLedgerExpiry 验证过期后键被当作新的逻辑操作，而之前拿到的结果不受影响。
func TestLedgerExpiry(t *testing.T) {
	l := New(Config{TTL: 30 * time.Millisecond})
	defer l.Close()
	ctx := context.Background()

	first, _, err := l.Do(ctx, "k", "fp", ok(`"v1"`))
	if err != nil {
		t.Fatalf("first do: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, found := l.Check("k"); found {
		t.Fatal("expected record to expire")
	}

	second, replayed, err := l.Do(ctx, "k", "fp", ok(`"v2"`))
	if err != nil {
		t.Fatalf("second do: %v", err)
	}
	if replayed || string(second.Value) != `"v2"` {
		t.Fatalf("expected fresh execution after expiry, got %s replayed=%v", second.Value, replayed)
	}
	if string(first.Value) != `"v1"` {
		t.Fatalf("expected earlier result untouched, got %s", first.Value)
	}
}

// TestLedgerWaiterContextCancel 验证等待进行中执行的调用方可以因 ctx 结束而返回，
// 执行本身不被打断，结果照常入账。
func TestLedgerWaiterContextCancel(t *testing.T) {
	l := New(Config{TTL: time.Minute})
	defer l.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = l.Do(context.Background(), "k", "fp", func(context.Context) *Result {
			close(started)
			<-release
			return &Result{Value: json.RawMessage(`true`)}
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := l.Do(ctx, "k", "fp", ok(`false`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	res, found := l.Check("k")
	if !found || string(res.Value) != "true" {
		t.Fatalf("expected in-flight result to be recorded, got %v %v", res, found)
	}
}

func TestLedgerRejectsEmptyKey(t *testing.T) {
	l := New(Config{})
	defer l.Close()
	if _, _, err := l.Do(context.Background(), "", "fp", ok(`1`)); !errors.Is(err, errors.NotValid) {
		t.Fatalf("expected NotValid, got %v", err)
	}
}

// TestLedgerCloseStopsCleaner 验证 Close 后后台清理 goroutine 退出。
func TestLedgerCloseStopsCleaner(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(Config{TTL: time.Second})
	l.Record("k", &Result{Value: json.RawMessage(`1`)}, 0)
	if l.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", l.Len())
	}
	l.Close()
}
