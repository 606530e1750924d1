package core

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// 插件接口 (业务逻辑单元)
type Plugin interface {
	Name() string
	Setup(r *Registrar) error
}

// Registrar 插件注册入口: 自动标记所属插件并套上插件中间件
type Registrar struct {
	plugin   string
	registry *Registry
	mws      []Middleware

	matchers []*Matcher
	mu       sync.Mutex
}

func (r *Registrar) Plugin() string {
	return r.plugin
}

// Registry 底层注册表 (查询命令等)
func (r *Registrar) Registry() *Registry {
	return r.registry
}

// Command 注册命令树
func (r *Registrar) Command(cmd *Command, opts ...MatcherOption) error {
	opts = append([]MatcherOption{WithPlugin(r.plugin)}, opts...)
	ms, err := r.registry.RegisterCommand(cmd, opts, r.mws...)
	if err != nil {
		return fmt.Errorf("plugin %s: register command %s: %w", r.plugin, cmd.Name, err)
	}
	r.track(ms...)
	return nil
}

// On 注册普通匹配器
func (r *Registrar) On(name string, h Handler, opts ...MatcherOption) (*Matcher, error) {
	opts = append([]MatcherOption{WithPlugin(r.plugin)}, opts...)
	m, err := NewMatcher(name, Chain(h, r.mws...), opts...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", r.plugin, err)
	}
	if _, err := r.registry.Register(m); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", r.plugin, err)
	}
	r.track(m)
	return m, nil
}

// track 记录新匹配器, 同时丢弃已移出注册表的 (触发过的 temp 匹配器等)
func (r *Registrar) track(ms ...*Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.matchers = append(r.matchers, ms...)
}

func (r *Registrar) pruneLocked() {
	alive := r.matchers[:0]
	for _, m := range r.matchers {
		if _, ok := r.registry.Get(m.ID()); ok {
			alive = append(alive, m)
		}
	}
	clear(r.matchers[len(alive):])
	r.matchers = alive
}

// Matchers 插件注册过且仍在注册表中的匹配器
func (r *Registrar) Matchers() []*Matcher {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return append([]*Matcher(nil), r.matchers...)
}

type PluginManager struct {
	logger   *slog.Logger
	plugins  map[string]*Registrar // 插件实例
	registry *Registry             // 匹配器注册表
	mu       sync.RWMutex
}

func NewPluginManager(logger *slog.Logger, registry *Registry) *PluginManager {
	return &PluginManager{
		logger:   logger,
		plugins:  make(map[string]*Registrar),
		registry: registry,
		mu:       sync.RWMutex{},
	}
}

func (pm *PluginManager) Register(plugin Plugin, mws ...Middleware) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	// 防止重复注册
	if _, exists := pm.plugins[plugin.Name()]; exists {
		return nil
	}

	pm.logger.Debug("[plugin] registering plugin", "name", plugin.Name())

	r := &Registrar{plugin: plugin.Name(), registry: pm.registry, mws: mws}
	if err := plugin.Setup(r); err != nil {
		for _, m := range r.matchers {
			pm.registry.Unregister(m.ID())
		}
		return err
	}

	// 注册插件
	pm.plugins[plugin.Name()] = r
	pm.logger.Info("[plugin] plugin registered", "name", plugin.Name(), "matchers", len(r.matchers))
	return nil
}

// Unload 移除插件的所有匹配器
func (pm *PluginManager) Unload(name string) bool {
	pm.mu.Lock()
	r, exists := pm.plugins[name]
	delete(pm.plugins, name)
	pm.mu.Unlock()

	if !exists {
		return false
	}
	for _, m := range r.Matchers() {
		pm.registry.Unregister(m.ID())
	}
	pm.logger.Info("[plugin] plugin unloaded", "name", name)
	return true
}

// Names 已注册的插件名 (排序)
func (pm *PluginManager) Names() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	names := make([]string, 0, len(pm.plugins))
	for name := range pm.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
