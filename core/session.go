package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionKey 会话键 (适配器, 会话 ID)
type SessionKey struct {
	Adapter      string
	Conversation string
}

func (k SessionKey) String() string {
	return k.Adapter + "/" + k.Conversation
}

// continuation 等待续接的处理函数
type continuation struct {
	matcher    *Matcher
	handler    Handler
	permission Permission
	deadline   time.Time
}

func (c *continuation) expired(now time.Time) bool {
	return !c.deadline.IsZero() && now.After(c.deadline)
}

// Session 会话上下文 (跨事件状态保持), 只在持有它的调度回合内可变
type Session struct {
	Key       SessionKey
	CreatedAt time.Time
	TouchedAt time.Time
	TTL       time.Duration

	values   map[string]any
	pending  *continuation
	finished bool
}

func newSession(key SessionKey, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Key:       key,
		CreatedAt: now,
		TouchedAt: now,
		TTL:       ttl,
		values:    make(map[string]any),
	}
}

func (s *Session) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Session) Set(key string, value any) {
	s.values[key] = value
}

func (s *Session) Delete(key string) {
	delete(s.values, key)
}

// GetString 读取字符串值
func (s *Session) GetString(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Awaiting 是否有等待续接的匹配器
func (s *Session) Awaiting() bool {
	return s.pending != nil
}

// AwaitingMatcher 等待续接的匹配器
func (s *Session) AwaitingMatcher() *Matcher {
	if s.pending == nil {
		return nil
	}
	return s.pending.matcher
}

// Finished 是否已被处理函数结束
func (s *Session) Finished() bool {
	return s.finished
}

// Lease 会话租约: 持有期间同一会话的其他回合被阻塞
type Lease struct {
	Session *Session
	// Stale 非空表示旧会话已过期并被重建 (*SessionExpiredError)
	Stale error

	release func()
	once    sync.Once
}

// Release 归还会话, 可重复调用
func (l *Lease) Release() {
	l.once.Do(l.release)
}

type sessionEntry struct {
	lock    chan struct{} // 容量为 1 的信号量, 支持 ctx 取消
	session *Session
	touched time.Time
	refs    int
}

// SessionStore 会话存储: 按键串行化访问, 惰性 TTL + 可选后台清理
type SessionStore struct {
	logger *slog.Logger

	ttl     time.Duration
	now     func() time.Time
	entries map[SessionKey]*sessionEntry
	mu      sync.Mutex

	onSizeChange func(n int)
}

func NewSessionStore(logger *slog.Logger, ttl time.Duration) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[SessionKey]*sessionEntry),
	}
}

// TTL 会话存活时长, 0 表示不过期
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

func (s *SessionStore) expired(e *sessionEntry, now time.Time) bool {
	return s.ttl > 0 && e.session != nil && now.Sub(e.touched) > s.ttl
}

func (s *SessionStore) sizeChangedLocked() {
	if s.onSizeChange != nil {
		s.onSizeChange(len(s.entries))
	}
}

// Acquire 获取或创建会话并加锁, 直到 Lease.Release
func (s *SessionStore) Acquire(ctx context.Context, key SessionKey) (*Lease, error) {
	s.mu.Lock()
	e, exists := s.entries[key]
	if !exists {
		e = &sessionEntry{lock: make(chan struct{}, 1)}
		s.entries[key] = e
		s.sizeChangedLocked()
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		e.refs--
		s.dropIfIdleLocked(key, e)
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	now := s.now()
	lease := &Lease{}
	switch {
	case e.session == nil:
		e.session = newSession(key, now, s.ttl)
	case e.session.Key != key:
		s.mu.Unlock()
		<-e.lock
		s.mu.Lock()
		e.refs--
		s.mu.Unlock()
		return nil, wrap(ErrCorruptedIndex, "SessionStore", "Acquire", "session key mismatch")
	case s.expired(e, now):
		lease.Stale = &SessionExpiredError{Key: key}
		s.logger.Debug("[session] session expired, recreated", "key", key.String())
		e.session = newSession(key, now, s.ttl)
	}
	e.touched = now
	e.session.TouchedAt = now
	s.mu.Unlock()

	lease.Session = e.session
	lease.release = func() {
		s.mu.Lock()
		if e.session != nil && e.session.finished {
			e.session = nil
		} else if e.session != nil {
			e.touched = s.now()
		}
		e.refs--
		s.dropIfIdleLocked(key, e)
		s.mu.Unlock()
		<-e.lock
	}
	return lease, nil
}

// dropIfIdleLocked 无人引用且无会话时删除条目
func (s *SessionStore) dropIfIdleLocked(key SessionKey, e *sessionEntry) {
	if e.refs == 0 && e.session == nil && s.entries[key] == e {
		delete(s.entries, key)
		s.sizeChangedLocked()
	}
}

// Touch 刷新会话活跃时间
func (s *SessionStore) Touch(key SessionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.session == nil {
		return false
	}
	e.touched = s.now()
	return true
}

// Sweep 清理已过期且空闲的会话, 返回清理数量
func (s *SessionStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.refs > 0 {
			continue
		}
		if e.session == nil || s.expired(e, now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.sizeChangedLocked()
	}
	return removed
}

// Run 后台定期清理, 直到 ctx 取消
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("[session] swept expired sessions", "count", n)
			}
		}
	}
}

// Len 当前会话数
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
