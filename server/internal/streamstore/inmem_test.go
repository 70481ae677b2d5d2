package streamstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"consoled/server/internal/model"
)

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// TestInMemoryStoreEvictsOldest 验证容量为 N 时追加 N+1 行恰好淘汰最旧的一行。
func TestInMemoryStoreEvictsOldest(t *testing.T) {
	store := NewInMemoryStore(3)
	key := model.ConsoleTopic("s1")

	for _, text := range []string{"A", "B", "C", "D"} {
		store.Append(key, model.StreamStdout, text)
	}

	if diff := cmp.Diff([]string{"B", "C", "D"}, texts(store.Tail(key, 0))); diff != "" {
		t.Fatalf("tail mismatch (-want +got):\n%s", diff)
	}
}

// TestInMemoryStoreTailLimit 验证 tail 不会返回超过 limit 行，且保持追加顺序（最新在最后）。
func TestInMemoryStoreTailLimit(t *testing.T) {
	store := NewInMemoryStore(5)
	key := "server:s1:console"
	for i := 1; i <= 8; i++ {
		store.Append(key, model.StreamStdout, fmt.Sprintf("line-%d", i))
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"limit smaller than size", 2, []string{"line-7", "line-8"}},
		{"limit equals capacity", 5, []string{"line-4", "line-5", "line-6", "line-7", "line-8"}},
		{"limit larger than size", 50, []string{"line-4", "line-5", "line-6", "line-7", "line-8"}},
		{"zero means everything retained", 0, []string{"line-4", "line-5", "line-6", "line-7", "line-8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.Tail(key, tt.limit)
			if diff := cmp.Diff(tt.want, texts(got)); diff != "" {
				t.Fatalf("tail mismatch (-want +got):\n%s", diff)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Seq != got[i-1].Seq+1 {
					t.Fatalf("expected consecutive seq, got %d after %d", got[i].Seq, got[i-1].Seq)
				}
			}
		})
	}
}

func TestInMemoryStoreSeqSurvivesEviction(t *testing.T) {
	store := NewInMemoryStore(2)
	var last Line
	for i := 0; i < 10; i++ {
		last = store.Append("k", model.StreamStderr, "x")
	}
	if last.Seq != 10 {
		t.Fatalf("expected seq 10, got %d", last.Seq)
	}
	if last.Stream != model.StreamStderr {
		t.Fatalf("expected stderr, got %s", last.Stream)
	}
}

func TestInMemoryStoreUnknownKey(t *testing.T) {
	store := NewInMemoryStore(2)
	if got := store.Tail("missing", 10); len(got) != 0 {
		t.Fatalf("expected no lines, got %d", len(got))
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("Tail must not create keys, got %v", keys)
	}
}

func TestInMemoryStoreKeysAndDrop(t *testing.T) {
	store := NewInMemoryStore(2)
	store.Append("b", model.StreamStdout, "1")
	store.Append("a", model.StreamStdout, "1")

	if diff := cmp.Diff([]string{"a", "b"}, store.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	store.Drop("a")
	if diff := cmp.Diff([]string{"b"}, store.Keys()); diff != "" {
		t.Fatalf("keys mismatch after drop (-want +got):\n%s", diff)
	}
}

// TestInMemoryStoreConcurrentAppend 验证 stdout/stderr 并发写同一个 key 时，
// seq 不重复、不缺号，且保留行按 seq 排列。
func TestInMemoryStoreConcurrentAppend(t *testing.T) {
	store := NewInMemoryStore(1000)
	key := "server:s1:console"

	var wg sync.WaitGroup
	for _, stream := range []model.OutputStream{model.StreamStdout, model.StreamStderr} {
		wg.Add(1)
		go func(stream model.OutputStream) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				store.Append(key, stream, "x")
			}
		}(stream)
	}
	wg.Wait()

	lines := store.Tail(key, 0)
	if len(lines) != 600 {
		t.Fatalf("expected 600 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if l.Seq != int64(i+1) {
			t.Fatalf("line %d has seq %d", i, l.Seq)
		}
	}
}
