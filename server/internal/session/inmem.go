package session

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// ErrNotFound 表示 Session 不存在（已断开或从未建立）。
const ErrNotFound = errors.ConstError("session not found")

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*Session
	byClient map[string]map[string]*Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data:     make(map[string]*Session),
		byClient: make(map[string]map[string]*Session),
	}
}

// Get 根据 SessionID 获取 Session。
func (s *InMemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[id]
	if !ok {
		return nil, errors.Annotatef(ErrNotFound, "session %q", id)
	}
	return sess, nil
}

// Save 保存 Session。
func (s *InMemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[sess.ID()] = sess
	if sess.ClientID() != "" {
		peers := s.byClient[sess.ClientID()]
		if peers == nil {
			peers = make(map[string]*Session)
			s.byClient[sess.ClientID()] = peers
		}
		peers[sess.ID()] = sess
	}
	return nil
}

// Delete 删除 Session，重复删除不报错。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.data[id]
	if !ok {
		return nil
	}
	delete(s.data, id)
	if peers := s.byClient[sess.ClientID()]; peers != nil {
		delete(peers, id)
		if len(peers) == 0 {
			delete(s.byClient, sess.ClientID())
		}
	}
	return nil
}

// List 返回全部在线 Session（按创建时间排序）。
func (s *InMemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.data))
	for _, sess := range s.data {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sortSessions(out)
	return out, nil
}

func (s *InMemoryStore) ByClient(_ context.Context, clientID string) ([]*Session, error) {
	s.mu.RLock()
	peers := s.byClient[clientID]
	out := make([]*Session, 0, len(peers))
	for _, sess := range peers {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sortSessions(out)
	return out, nil
}

func sortSessions(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].createdAt.Equal(list[j].createdAt) {
			return list[i].id < list[j].id
		}
		return list[i].createdAt.Before(list[j].createdAt)
	})
}
