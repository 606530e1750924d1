package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine 核心引擎协调各组件工作
type Engine struct {
	logger *slog.Logger
	cfg    EngineConfig

	metrics    *Metrics
	adapters   *AdapterManager // 适配器管理
	plugins    *PluginManager  // 插件管理
	registry   *Registry       // 匹配器注册表
	sessions   *SessionStore   // 会话存储
	dispatcher *Dispatcher     // 事件调度器
	workerPool *WorkerPool     // 投递工作池

	queues      map[SessionKey]*convQueue // 会话事件队列
	pending     []SessionKey              // Run 之前到达的会话, 启动时开始处理
	queued      int
	running     bool
	stopped     bool
	turnCtx     context.Context
	cancelTurns context.CancelFunc
	closed      atomic.Bool // 适配器已停止, 不再投递
	inflight    sync.WaitGroup
	mu          sync.Mutex
}

// convQueue 同一会话的事件按到达顺序串行处理; 存在于 map 中即表示有协程在处理
type convQueue struct {
	events []Event
}

type EngineConfig struct {
	Logger             *slog.Logger
	QueueSize          int // 单个会话的排队上限
	WorkerPoolSize     int // 并发投递数
	TaskQueueSize      int // 投递任务排队上限
	SessionTTL         time.Duration
	ContinuationTTL    time.Duration
	ContinuationPolicy ContinuationPolicy
	SweepInterval      time.Duration
	ShutdownTimeout    time.Duration
	CommandStart       []string
	CommandSeparator   string
	Registerer         prometheus.Registerer
	Preprocessors      []Preprocessor
}

// EngineOption 引擎配置选项
type EngineOption func(*EngineConfig)

// WithLogger 配置日志记录器
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *EngineConfig) {
		e.Logger = logger
	}
}

// WithQueueSize 配置单个会话的事件队列大小
func WithQueueSize(size int) EngineOption {
	return func(e *EngineConfig) {
		e.QueueSize = size
	}
}

// WithWorkerPoolSize 配置投递工作池大小
func WithWorkerPoolSize(size int) EngineOption {
	return func(e *EngineConfig) {
		e.WorkerPoolSize = size
	}
}

// WithTaskQueueSize 配置投递任务队列大小
func WithTaskQueueSize(size int) EngineOption {
	return func(e *EngineConfig) {
		e.TaskQueueSize = size
	}
}

// WithSessionTTL 会话空闲超时, 0 表示不过期
func WithSessionTTL(ttl time.Duration) EngineOption {
	return func(e *EngineConfig) {
		e.SessionTTL = ttl
	}
}

// WithContinuationTTL 续接默认超时
func WithContinuationTTL(ttl time.Duration) EngineOption {
	return func(e *EngineConfig) {
		e.ContinuationTTL = ttl
	}
}

func WithContinuationPolicy(p ContinuationPolicy) EngineOption {
	return func(e *EngineConfig) {
		e.ContinuationPolicy = p
	}
}

// WithSweepInterval 会话与匹配器的后台清理间隔, 0 表示只做惰性过期
func WithSweepInterval(d time.Duration) EngineOption {
	return func(e *EngineConfig) {
		e.SweepInterval = d
	}
}

// WithShutdownTimeout 停止时等待进行中回合的时长
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(e *EngineConfig) {
		e.ShutdownTimeout = d
	}
}

// WithCommandStart 命令起始符
func WithCommandStart(starts ...string) EngineOption {
	return func(e *EngineConfig) {
		e.CommandStart = starts
	}
}

// WithCommandSeparator 命令词分隔符
func WithCommandSeparator(sep string) EngineOption {
	return func(e *EngineConfig) {
		e.CommandSeparator = sep
	}
}

// WithMetricsRegisterer 指标注册位置
func WithMetricsRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *EngineConfig) {
		e.Registerer = reg
	}
}

// WithPreprocessors 事件预处理器
func WithPreprocessors(pre ...Preprocessor) EngineOption {
	return func(e *EngineConfig) {
		e.Preprocessors = append(e.Preprocessors, pre...)
	}
}

// NewEngine 创建新引擎实例
func NewEngine(opts ...EngineOption) *Engine {
	// 默认配置
	ecfg := EngineConfig{
		Logger:             slog.Default(),
		QueueSize:          100,
		WorkerPoolSize:     100,
		TaskQueueSize:      1000,
		SessionTTL:         2 * time.Minute,
		ContinuationTTL:    2 * time.Minute,
		ContinuationPolicy: ContinuationBlock,
		SweepInterval:      time.Minute,
		ShutdownTimeout:    10 * time.Second,
		CommandStart:       []string{"/"},
		CommandSeparator:   ".",
	}

	// 应用配置
	for _, opt := range opts {
		opt(&ecfg)
	}

	e := &Engine{
		logger: ecfg.Logger,
		cfg:    ecfg,
		queues: make(map[SessionKey]*convQueue),
	}
	e.turnCtx, e.cancelTurns = context.WithCancel(context.Background())

	e.metrics = NewMetrics(ecfg.Registerer)
	e.adapters = NewManager(e.logger)
	e.registry = NewRegistry(e.logger)
	e.registry.onSizeChange = func(n int) { e.metrics.RegisteredMatchers.Set(float64(n)) }
	e.sessions = NewSessionStore(e.logger, ecfg.SessionTTL)
	e.sessions.onSizeChange = func(n int) { e.metrics.ActiveSessions.Set(float64(n)) }
	e.plugins = NewPluginManager(e.logger, e.registry)
	e.dispatcher = NewDispatcher(e.registry, e.sessions, DispatcherConfig{
		Logger:             e.logger,
		Metrics:            e.metrics,
		CommandStart:       ecfg.CommandStart,
		CommandSeparator:   ecfg.CommandSeparator,
		ContinuationTTL:    ecfg.ContinuationTTL,
		ContinuationPolicy: ecfg.ContinuationPolicy,
	})
	e.dispatcher.SetDeliverer(e)
	e.dispatcher.Use(ecfg.Preprocessors...)
	e.workerPool = NewWorkerPool(e.logger, ecfg.WorkerPoolSize, ecfg.TaskQueueSize)

	e.logger.Debug("[engine] engine created.",
		"workers", ecfg.WorkerPoolSize,
		"queue_size", ecfg.QueueSize,
		"session_ttl", ecfg.SessionTTL,
		"continuation_policy", ecfg.ContinuationPolicy,
	)
	return e
}

func (e *Engine) Registry() *Registry       { return e.registry }
func (e *Engine) Sessions() *SessionStore   { return e.sessions }
func (e *Engine) Plugins() *PluginManager   { return e.plugins }
func (e *Engine) Adapters() *AdapterManager { return e.adapters }
func (e *Engine) Metrics() *Metrics         { return e.metrics }
func (e *Engine) Dispatcher() *Dispatcher   { return e.dispatcher }
func (e *Engine) Config() EngineConfig      { return e.cfg }

func (e *Engine) RegisterAdapter(adapter Adapter) error {
	return e.adapters.Register(adapter)
}

func (e *Engine) RegisterPlugin(plugin Plugin, mws ...Middleware) error {
	return e.plugins.Register(plugin, mws...)
}

// Register 注册匹配器
func (e *Engine) Register(m *Matcher) (MatcherID, error) {
	return e.registry.Register(m)
}

// On 创建并注册匹配器
func (e *Engine) On(name string, h Handler, opts ...MatcherOption) (*Matcher, error) {
	m, err := NewMatcher(name, h, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) Unregister(id MatcherID) bool {
	return e.registry.Unregister(id)
}

// Use 追加事件预处理器
func (e *Engine) Use(pre ...Preprocessor) {
	e.dispatcher.Use(pre...)
}

func (e *Engine) prepare(ev *Event) error {
	ev.ensureDefaults()
	if err := ev.Validate(); err != nil {
		e.metrics.EventsTotal.WithLabelValues(ev.Adapter, string(ev.Type), "rejected").Inc()
		return err
	}
	return nil
}

// Submit 异步提交事件: 同一会话按到达顺序串行处理, 不同会话并行
func (e *Engine) Submit(ev Event) error {
	if err := e.prepare(&ev); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	key := ev.Key()
	if q, busy := e.queues[key]; busy {
		if len(q.events) >= e.cfg.QueueSize {
			e.metrics.EventsTotal.WithLabelValues(ev.Adapter, string(ev.Type), "rejected").Inc()
			return wrap(ErrQueueFull, "Engine", "Submit", "enqueue "+key.String())
		}
		q.events = append(q.events, ev)
		e.queuedChangedLocked(1)
		return nil
	}

	// 每个活跃会话一个处理协程, 阻塞的处理函数只影响自己的会话
	e.queues[key] = &convQueue{events: []Event{ev}}
	e.queuedChangedLocked(1)
	e.inflight.Add(1)
	if e.running {
		go e.drain(key)
	} else {
		e.pending = append(e.pending, key)
	}
	return nil
}

func (e *Engine) queuedChangedLocked(delta int) {
	e.queued += delta
	e.metrics.QueuedEvents.Set(float64(e.queued))
}

// drain 依次处理一个会话队列中的事件, 队列为空时退出
func (e *Engine) drain(key SessionKey) {
	defer e.inflight.Done()

	for {
		e.mu.Lock()
		q := e.queues[key]
		if q == nil || len(q.events) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events[0] = Event{}
		q.events = q.events[1:]
		e.queuedChangedLocked(-1)
		ctx := e.turnCtx
		e.mu.Unlock()

		if ctx.Err() != nil {
			e.metrics.EventsTotal.WithLabelValues(ev.Adapter, string(ev.Type), "failed").Inc()
			e.logger.Warn("[engine] engine stopped, queued event dropped", "event", ev.ID, "key", key.String())
			continue
		}
		e.processEvent(ctx, ev)
	}
}

// processEvent 处理单个事件并投递动作
func (e *Engine) processEvent(ctx context.Context, event Event) {
	e.logger.Debug("[engine] engine processing event.", "event", event.ID, "key", event.Key().String())

	res, err := e.dispatcher.Dispatch(ctx, event)
	if err != nil {
		e.metrics.EventsTotal.WithLabelValues(event.Adapter, string(event.Type), "failed").Inc()
		e.handleError(err)
	}
	if res == nil {
		return
	}
	if res.Ignored {
		e.metrics.EventsTotal.WithLabelValues(event.Adapter, string(event.Type), "ignored").Inc()
		return
	}
	if err == nil {
		e.metrics.EventsTotal.WithLabelValues(event.Adapter, string(event.Type), "dispatched").Inc()
	}

	// 回合被中断时已产生的动作仍需投递
	e.deliverAll(context.WithoutCancel(ctx), res.Actions)
}

// deliverAll 在投递池中按顺序投递一个回合的动作并等待完成
func (e *Engine) deliverAll(ctx context.Context, actions []Action) {
	if len(actions) == 0 {
		return
	}
	if e.closed.Load() {
		e.logger.Warn("[engine] adapters stopped, actions dropped", "count", len(actions))
		return
	}

	done := make(chan struct{})
	task := func() {
		defer close(done)
		for _, a := range actions {
			if err := e.Deliver(ctx, a); err != nil {
				e.logger.Error("[engine] send response failed!", "adapter", a.Adapter, "error", err)
			}
		}
	}

	switch err := e.workerPool.Submit(task); {
	case err == nil:
		<-done
	case errors.Is(err, ErrQueueFull):
		// 投递池繁忙, 在回合协程内直接投递
		task()
	default:
		e.logger.Warn("[engine] worker pool stopped, actions dropped", "count", len(actions), "error", err)
	}
}

// Dispatch 同步调度, 不投递动作
func (e *Engine) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	if err := e.prepare(&ev); err != nil {
		return nil, err
	}
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrEngineStopped
	}

	res, err := e.dispatcher.Dispatch(ctx, ev)
	result := "dispatched"
	switch {
	case err != nil:
		result = "failed"
	case res.Ignored:
		result = "ignored"
	}
	e.metrics.EventsTotal.WithLabelValues(ev.Adapter, string(ev.Type), result).Inc()
	return res, err
}

// Handle 同步调度并投递动作, 投递失败以 *DeliveryError 返回
func (e *Engine) Handle(ctx context.Context, ev Event) ([]Action, error) {
	res, err := e.Dispatch(ctx, ev)
	if res == nil {
		return nil, err
	}

	errs := []error{err}
	for _, a := range res.Actions {
		errs = append(errs, e.Deliver(ctx, a))
	}
	return res.Actions, errors.Join(errs...)
}

// Deliver 投递动作到 Action.Adapter 指定的适配器
func (e *Engine) Deliver(ctx context.Context, action Action) error {
	err := e.adapters.Deliver(ctx, action)
	if err != nil {
		e.metrics.DeliveryErrors.WithLabelValues(action.Adapter).Inc()
	}
	return err
}

// Run 启动引擎主循环, ctx 取消后排空进行中的回合再返回
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.logger.Debug("[engine] engine starting...")

	// 启动worker池
	e.workerPool.Start()
	e.logger.Debug("[engine] worker pool started.")

	e.running = true
	for _, key := range e.pending {
		go e.drain(key)
	}
	e.pending = nil
	e.mu.Unlock()

	// 适配器在排空期间仍需投递, 单独取消
	adapterCtx, stopAdapters := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAdapters()

	// 启动所有适配器
	var wg sync.WaitGroup
	for _, adapter := range e.adapters.GetAll() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			e.logger.Debug("[engine] adapter started.", "adapter", a.Name())
			if err := a.Start(adapterCtx, e); err != nil && !errors.Is(err, context.Canceled) {
				e.handleError(fmt.Errorf("adapter %s: %w", a.Name(), err))
			}
		}(adapter)
	}

	go e.sessions.Run(ctx, e.cfg.SweepInterval)
	go e.registry.Run(ctx, e.cfg.SweepInterval)

	<-ctx.Done()
	e.logger.Debug("[engine] engine stopping...")

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	drained := e.waitInflight(e.cfg.ShutdownTimeout)
	if !drained {
		// 中断仍在运行的回合, 处理函数在下一个等待点返回
		e.cancelTurns()
		drained = e.waitInflight(abortGrace)
	}
	e.closed.Store(true)
	e.cancelTurns()
	stopAdapters()
	wg.Wait()
	e.cleanup(drained)
	return ctx.Err()
}

// abortGrace 取消回合后等待其返回的时长
const abortGrace = time.Second

func (e *Engine) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		e.logger.Warn("[engine] shutdown timeout, in-flight turns still running", "timeout", timeout)
		return false
	}
}

// cleanup 资源清理
func (e *Engine) cleanup(drained bool) {
	e.logger.Debug("[engine] engine cleanup...")
	defer e.logger.Debug("[engine] engine cleanup done.")

	if drained {
		e.workerPool.Stop()
	} else {
		go e.workerPool.Stop()
	}

	for _, a := range e.adapters.GetAll() {
		if closer, ok := a.(Closer); ok {
			closer.Close()
		}
	}
}

// handleError 统一错误处理
func (e *Engine) handleError(err error) {
	e.logger.Error("[engine] error occurred", "error", err, "corrupted_index", errors.Is(err, ErrCorruptedIndex))
}
