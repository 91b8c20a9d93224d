package registry

import (
	"errors"
	"sync"

	"github.com/Queens-Rocket-Engineering-Team/prop-teststand/internal/session"
)

// ErrDuplicateAddress 同一地址重复注册
var ErrDuplicateAddress = errors.New("地址已注册")

// Registry 设备地址到活动会话的并发映射。
// 全部变更串行化(单把锁), 读取得到一致快照。
// 不变式: 表中的会话其TCP连接打开且CONFIG已解析成功;
// Remove由会话在进入CLOSED之后调用。
type Registry struct {
	mu     sync.RWMutex
	byAddr map[string]*session.Session
}

// New 创建空注册表
func New() *Registry {
	return &Registry{byAddr: make(map[string]*session.Session)}
}

// Add 注册一个完成握手的会话
func (r *Registry) Add(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAddr[s.Addr()]; ok {
		return ErrDuplicateAddress
	}
	r.byAddr[s.Addr()] = s
	return nil
}

// Remove 注销会话。仅当槽内仍是该会话时移除
// (同地址的新会话不受旧会话迟到的注销影响)。
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	if cur, ok := r.byAddr[s.Addr()]; ok && cur == s {
		delete(r.byAddr, s.Addr())
	}
	r.mu.Unlock()
}

// GetByAddress 按对端地址查会话
func (r *Registry) GetByAddress(addr string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAddr[addr]
	return s, ok
}

// GetByName 按设备名查会话
func (r *Registry) GetByName(name string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byAddr {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Snapshot 返回当前全部会话的一致快照
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.byAddr))
	for _, s := range r.byAddr {
		out = append(out, s)
	}
	return out
}

// Len 当前注册设备数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}
