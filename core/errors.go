package core

import (
	"errors"
	"fmt"
)

var (
	// ErrIgnored 预处理器丢弃事件
	ErrIgnored = errors.New("event ignored")

	ErrEngineStopped   = errors.New("engine stopped")
	ErrQueueFull       = errors.New("event queue full")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrInvalidMatcher  = errors.New("invalid matcher")
	ErrAdapterNotFound = errors.New("adapter not found")
	ErrNoConnection    = errors.New("no connection available")

	// ErrCorruptedIndex 命令树/会话存储内部不变量被破坏, 仅中止当前回合
	ErrCorruptedIndex = errors.New("corrupted index")
)

// wrap 统一错误格式 "component.method: action failed: %w"
func wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// RuleEvaluationError 规则或权限检查出错, 视为不匹配
type RuleEvaluationError struct {
	Matcher string
	Rule    string
	Err     error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q of matcher %q: %v", e.Rule, e.Matcher, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// HandlerError 处理函数出错, 其动作被丢弃
type HandlerError struct {
	Matcher string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler of matcher %q: %v", e.Matcher, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DeliveryError 动作投递失败, 返回给等待投递的调用方, 核心不重试
type DeliveryError struct {
	Adapter string
	Action  Action
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to adapter %q: %v", e.Adapter, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SessionExpiredError 会话或续接已过期, 当作缓存未命中
type SessionExpiredError struct {
	Key SessionKey
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired", e.Key)
}

// panicError 将 recover() 的值转换为错误
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
