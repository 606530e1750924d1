package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// MatcherState 匹配器生命周期状态
type MatcherState int32

const (
	MatcherRegistered MatcherState = iota
	MatcherActive
	MatcherExpired
	MatcherConsumed // temp 匹配器已触发
	MatcherRemoved
)

func (s MatcherState) String() string {
	switch s {
	case MatcherRegistered:
		return "registered"
	case MatcherActive:
		return "active"
	case MatcherExpired:
		return "expired"
	case MatcherConsumed:
		return "consumed"
	case MatcherRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

var matcherValidate = validator.New()

// MatcherConfig 匹配器配置
type MatcherConfig struct {
	Name       string     `validate:"required"`
	Plugin     string     `validate:"omitempty"`
	Type       EventType  `validate:"omitempty,oneof=message notice request meta_event"`
	Priority   int        `validate:"gte=0"`
	Block      bool       `validate:"-"`
	Temp       bool       `validate:"-"`
	ExpireAt   time.Time  `validate:"-"`
	Rule       Rule       `validate:"-"`
	Permission Permission `validate:"-"`
	Commands   [][]string `validate:"dive,min=1,dive,required"`
}

// MatcherOption 匹配器配置选项
type MatcherOption func(*MatcherConfig)

// WithPriority 优先级, 越小越先执行
func WithPriority(p int) MatcherOption {
	return func(c *MatcherConfig) {
		c.Priority = p
	}
}

// WithBlock 命中后阻止低优先级组
func WithBlock() MatcherOption {
	return func(c *MatcherConfig) {
		c.Block = true
	}
}

// WithTemp 只触发一次
func WithTemp() MatcherOption {
	return func(c *MatcherConfig) {
		c.Temp = true
	}
}

// WithExpire 到期时间
func WithExpire(t time.Time) MatcherOption {
	return func(c *MatcherConfig) {
		c.ExpireAt = t
	}
}

// WithRule 追加规则 (与已有规则取与)
func WithRule(rules ...Rule) MatcherOption {
	return func(c *MatcherConfig) {
		c.Rule = And(append([]Rule{c.Rule}, rules...)...)
	}
}

// WithPermission 设置权限
func WithPermission(p Permission) MatcherOption {
	return func(c *MatcherConfig) {
		c.Permission = p
	}
}

// WithCommands 命令路径 (每个别名一条路径)
func WithCommands(paths ...[]string) MatcherOption {
	return func(c *MatcherConfig) {
		c.Commands = append(c.Commands, paths...)
	}
}

// WithType 只处理给定类型的事件
func WithType(t EventType) MatcherOption {
	return func(c *MatcherConfig) {
		c.Type = t
	}
}

// WithPlugin 所属插件
func WithPlugin(name string) MatcherOption {
	return func(c *MatcherConfig) {
		c.Plugin = name
	}
}

// Matcher 已注册的 优先级 + 规则 + 处理函数 组合
type Matcher struct {
	id          MatcherID
	cfg         MatcherConfig
	handler     Handler
	commandRule Rule

	matched atomic.Int64
	state   atomic.Int32
}

// NewMatcher 创建匹配器, 注册后才生效
func NewMatcher(name string, handler Handler, opts ...MatcherOption) (*Matcher, error) {
	cfg := MatcherConfig{Name: name}
	for _, opt := range opts {
		opt(&cfg)
	}

	if handler == nil {
		return nil, wrap(ErrInvalidMatcher, "Matcher", "New", "nil handler")
	}
	if err := matcherValidate.Struct(&cfg); err != nil {
		return nil, wrap(ErrInvalidMatcher, "Matcher", "New", err.Error())
	}

	m := &Matcher{cfg: cfg, handler: handler}
	if len(cfg.Commands) > 0 {
		m.commandRule = CommandRule(cfg.Commands...)
	}
	m.state.Store(int32(MatcherRegistered))
	return m, nil
}

func (m *Matcher) ID() MatcherID          { return m.id }
func (m *Matcher) Name() string           { return m.cfg.Name }
func (m *Matcher) Plugin() string         { return m.cfg.Plugin }
func (m *Matcher) Priority() int          { return m.cfg.Priority }
func (m *Matcher) Block() bool            { return m.cfg.Block }
func (m *Matcher) Temp() bool             { return m.cfg.Temp }
func (m *Matcher) ExpireAt() time.Time    { return m.cfg.ExpireAt }
func (m *Matcher) Commands() [][]string   { return m.cfg.Commands }
func (m *Matcher) Permission() Permission { return m.cfg.Permission }
func (m *Matcher) IsCommand() bool        { return len(m.cfg.Commands) > 0 }
func (m *Matcher) Handler() Handler       { return m.handler }

// Rule 完整规则: 合成的命令规则 ∧ 用户规则
func (m *Matcher) Rule() Rule {
	return And(m.commandRule, m.cfg.Rule)
}

// Matched 已执行次数
func (m *Matcher) Matched() int64 {
	return m.matched.Load()
}

func (m *Matcher) State() MatcherState {
	return MatcherState(m.state.Load())
}

func (m *Matcher) IsActive() bool {
	return m.State() == MatcherActive
}

func (m *Matcher) String() string {
	return fmt.Sprintf("Matcher(%s, id=%d, priority=%d)", m.cfg.Name, m.id, m.cfg.Priority)
}

// Expired 是否已过到期时间
func (m *Matcher) Expired(now time.Time) bool {
	return !m.cfg.ExpireAt.IsZero() && now.After(m.cfg.ExpireAt)
}

// Check 权限 ∧ 规则. viaTrie 为 true 时命令部分已由命令树保证.
func (m *Matcher) Check(ctx context.Context, ev *Event, view StateView, viaTrie bool) (bool, error) {
	if m.cfg.Type != "" && m.cfg.Type != ev.Type {
		return false, nil
	}

	ok, err := m.cfg.Permission.Check(ctx, ev)
	if err != nil || !ok {
		return false, err
	}

	if !viaTrie {
		if ok, err := m.commandRule.Check(ctx, ev, view); err != nil || !ok {
			return false, err
		}
	}
	return m.cfg.Rule.Check(ctx, ev, view)
}

func (m *Matcher) transition(from, to MatcherState) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}

// claim 执行前占用; temp 匹配器只有一个回合能占用成功
func (m *Matcher) claim() bool {
	if m.cfg.Temp {
		return m.transition(MatcherActive, MatcherConsumed)
	}
	return m.IsActive()
}

// retire 进入终止状态; 已终止 (含已消费) 时保持不变
func (m *Matcher) retire(to MatcherState) {
	for {
		cur := m.State()
		if cur == MatcherExpired || cur == MatcherConsumed || cur == MatcherRemoved {
			return
		}
		if m.transition(cur, to) {
			return
		}
	}
}
