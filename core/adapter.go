package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// EventSink 适配器提交事件的入口
type EventSink interface {
	Submit(ev Event) error
}

// 适配器抽象层
type Adapter interface {
	Name() string
	// Start 运行直到 ctx 取消, 事件通过 sink 提交
	Start(ctx context.Context, sink EventSink) error
	// Deliver 投递动作
	Deliver(ctx context.Context, action Action) error
}

// 实现Closer接口用于资源清理
type Closer interface {
	Close()
}

// 适配器注册管理
type AdapterManager struct {
	logger *slog.Logger

	adapters []Adapter
	byName   map[string]Adapter
	mu       sync.RWMutex
}

func NewManager(logger *slog.Logger) *AdapterManager {
	return &AdapterManager{
		logger: logger,

		adapters: make([]Adapter, 0),
		byName:   make(map[string]Adapter),
		mu:       sync.RWMutex{},
	}
}

// Register 注册适配器, 名称必须唯一
func (am *AdapterManager) Register(adapter Adapter) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.byName[adapter.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", adapter.Name())
	}
	am.adapters = append(am.adapters, adapter)
	am.byName[adapter.Name()] = adapter
	am.logger.Debug("[adapter] adapter registered", "adapter", adapter.Name())
	return nil
}

func (am *AdapterManager) Get(name string) (Adapter, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	a, ok := am.byName[name]
	return a, ok
}

func (am *AdapterManager) GetAll() []Adapter {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return append([]Adapter(nil), am.adapters...)
}

// Deliver 按 Action.Adapter 路由, 失败以 *DeliveryError 返回
func (am *AdapterManager) Deliver(ctx context.Context, action Action) error {
	a, ok := am.Get(action.Adapter)
	if !ok {
		return &DeliveryError{Adapter: action.Adapter, Action: action, Err: ErrAdapterNotFound}
	}
	if err := a.Deliver(ctx, action); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &DeliveryError{Adapter: action.Adapter, Action: action, Err: err}
	}
	return nil
}
