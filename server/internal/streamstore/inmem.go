package streamstore

import (
	"sort"
	"sync"
	"time"

	"consoled/server/internal/model"
)

// InMemoryStore 是基于固定容量环形缓冲区的 Store 实现。
//
// 并发约定：map 锁只用于查找/创建 key，单个 key 的读写各自加锁，
// 不同实例的控制台输出互不争用。
type InMemoryStore struct {
	capacity int
	now      func() time.Time

	mu   sync.RWMutex
	bufs map[string]*ring
}

type ring struct {
	mu    sync.Mutex
	lines []Line
	start int
	size  int
	seq   int64
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	return &InMemoryStore{
		capacity: capacity,
		now:      time.Now,
		bufs:     make(map[string]*ring),
	}
}

func (s *InMemoryStore) buffer(key string, create bool) *ring {
	s.mu.RLock()
	r := s.bufs[key]
	s.mu.RUnlock()
	if r != nil || !create {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r = s.bufs[key]; r == nil {
		r = &ring{lines: make([]Line, s.capacity)}
		s.bufs[key] = r
	}
	return r
}

func (s *InMemoryStore) Append(key string, stream model.OutputStream, text string) Line {
	r := s.buffer(key, true)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	line := Line{Seq: r.seq, Stream: stream, Text: text, TS: s.now()}

	capacity := len(r.lines)
	if r.size < capacity {
		r.lines[(r.start+r.size)%capacity] = line
		r.size++
	} else {
		// 满了：覆盖最旧的一行
		r.lines[r.start] = line
		r.start = (r.start + 1) % capacity
	}
	return line
}

func (s *InMemoryStore) Tail(key string, limit int) []Line {
	r := s.buffer(key, false)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Line, n)
	capacity := len(r.lines)
	first := r.start + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(first+i)%capacity]
	}
	return out
}

func (s *InMemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.bufs))
	for k := range s.bufs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (s *InMemoryStore) Drop(key string) {
	s.mu.Lock()
	delete(s.bufs, key)
	s.mu.Unlock()
}
