package session

import (
	"context"
)

// Store 记录当前在线的 Session。Session 不会比连接活得更久，
// 所以这里只有内存实现。
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	// ByClient 按客户端自选的 client_id 关联（只用于关联，不用于鉴权）。
	ByClient(ctx context.Context, clientID string) ([]*Session, error)
}
