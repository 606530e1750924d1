package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("shirocore.dispatch")

// ContinuationPolicy 续接命中后是否继续普通匹配
type ContinuationPolicy string

const (
	ContinuationBlock       ContinuationPolicy = "block"
	ContinuationFallThrough ContinuationPolicy = "fallthrough"
)

// DispatcherConfig 调度器配置
type DispatcherConfig struct {
	Logger             *slog.Logger
	Metrics            *Metrics
	CommandStart       []string
	CommandSeparator   string
	ContinuationTTL    time.Duration
	ContinuationPolicy ContinuationPolicy
}

// MatcherReport 单个匹配器在本回合的结果
type MatcherReport struct {
	ID           MatcherID
	Matcher      string
	Priority     int
	Continuation bool
	Err          error // *RuleEvaluationError 或 *HandlerError
	Action       bool
}

// Result 调度回合结果, Actions 按执行顺序排列
type Result struct {
	Event     Event
	Command   CommandMatch
	Actions   []Action
	Reports   []MatcherReport
	Ignored   bool
	Continued bool   // 由续接处理
	BlockedBy string // 阻断后续优先级组的匹配器
	Aborted   error  // 回合中途被取消
}

// Dispatcher 单个事件的调度: 预处理 -> 会话 -> 续接 -> 按优先级组匹配
type Dispatcher struct {
	logger   *slog.Logger
	metrics  *Metrics
	registry *Registry
	sessions *SessionStore
	parser   CommandParser

	continuationTTL time.Duration
	policy          ContinuationPolicy

	deliverer     Deliverer
	preprocessors []Preprocessor
	mu            sync.RWMutex

	now func() time.Time
}

func NewDispatcher(registry *Registry, sessions *SessionStore, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.ContinuationPolicy == "" {
		cfg.ContinuationPolicy = ContinuationBlock
	}
	return &Dispatcher{
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		registry:        registry,
		sessions:        sessions,
		parser:          NewCommandParser(cfg.CommandStart, cfg.CommandSeparator),
		continuationTTL: cfg.ContinuationTTL,
		policy:          cfg.ContinuationPolicy,
		now:             time.Now,
	}
}

// Use 追加预处理器, 按添加顺序执行
func (d *Dispatcher) Use(pre ...Preprocessor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preprocessors = append(d.preprocessors, pre...)
}

// SetDeliverer 处理函数 Context.Send 使用的投递通道
func (d *Dispatcher) SetDeliverer(dl Deliverer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverer = dl
}

func (d *Dispatcher) preprocess(ctx context.Context, ev Event) (Event, error) {
	d.mu.RLock()
	pres := d.preprocessors
	d.mu.RUnlock()

	for _, pre := range pres {
		var err error
		if ev, err = pre(ctx, ev); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// turnView 规则可见的只读视图
type turnView struct {
	session *Session
	command CommandMatch
}

func (v turnView) Get(key string) (any, bool) { return v.session.Get(key) }
func (v turnView) Command() CommandMatch      { return v.command }

// Dispatch 处理一个事件, 同一会话的回合互斥
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Turn",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", string(ev.Type)),
			attribute.String("event.adapter", ev.Adapter),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { d.metrics.TurnDuration.Observe(time.Since(start).Seconds()) }()

	ev, err := d.preprocess(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrIgnored) {
			d.logger.Debug("[dispatch] event ignored by preprocessor", "event", ev.ID, "reason", err)
			span.SetAttributes(attribute.Bool("event.ignored", true))
			return &Result{Event: ev, Ignored: true}, nil
		}
		d.logger.Error("[dispatch] preprocessor failed, event ignored", "event", ev.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &Result{Event: ev, Ignored: true}, wrap(err, "Dispatcher", "Dispatch", "preprocess")
	}

	lease, err := d.sessions.Acquire(ctx, ev.Key())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrap(err, "Dispatcher", "Dispatch", "acquire session")
	}
	defer lease.Release()
	if lease.Stale != nil {
		d.logger.Debug("[dispatch] stale session reset", "error", lease.Stale)
	}

	res, err := d.turn(ctx, &ev, lease.Session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int("dispatch.actions", len(res.Actions)),
		attribute.Int("dispatch.matchers", len(res.Reports)),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (d *Dispatcher) turn(ctx context.Context, ev *Event, sess *Session) (*Result, error) {
	now := d.now()
	res := &Result{Event: *ev}

	startTok, tokens, _ := d.parser.Parse(ev)
	depth, cands, expired, err := d.registry.resolve(tokens, ev.Type, now)
	if err != nil {
		d.logger.Error("[dispatch] command index corrupted, turn aborted", "event", ev.ID, "error", err)
		return res, wrap(err, "Dispatcher", "turn", "resolve candidates")
	}
	for _, m := range expired {
		d.registry.remove(m.ID(), MatcherExpired)
	}

	if len(tokens) > 0 {
		res.Command = CommandMatch{Start: startTok, Tokens: tokens, Args: tokens[depth:]}
		if depth > 0 {
			res.Command.Path = tokens[:depth]
		}
	}
	view := turnView{session: sess, command: res.Command}

	// 续接优先
	if handled := d.runContinuation(ctx, ev, sess, res, now); handled && d.policy == ContinuationBlock {
		return res, nil
	}

	for i := 0; i < len(cands); {
		j := i
		for j < len(cands) && cands[j].matcher.Priority() == cands[i].matcher.Priority() {
			j++
		}
		group := cands[i:j]
		i = j

		if err := ctx.Err(); err != nil {
			res.Aborted = err
			d.logger.Warn("[dispatch] turn interrupted", "event", ev.ID, "error", err)
			break
		}

		matched := d.evaluate(ctx, ev, view, group, res)
		blocked := false
		for k, c := range group {
			if !matched[k] {
				continue
			}
			m := c.matcher
			if !m.claim() {
				// temp 匹配器已被其他回合占用
				continue
			}
			m.matched.Add(1)

			hc := d.newContext(ev, sess, m, res.Command)
			err := d.runHandler(ctx, hc, m, m.Handler())
			if m.Temp() {
				d.registry.remove(m.ID(), MatcherConsumed)
			}
			d.collect(hc, sess, m, err, false, res)

			if m.Block() {
				blocked = true
				res.BlockedBy = m.Name()
			}
		}
		if blocked {
			break
		}
	}
	return res, nil
}

// runContinuation 会话中有等待续接的处理函数时先执行它, 返回是否命中
func (d *Dispatcher) runContinuation(ctx context.Context, ev *Event, sess *Session, res *Result, now time.Time) bool {
	p := sess.pending
	if p == nil {
		return false
	}
	if p.expired(now) {
		sess.pending = nil
		d.logger.Debug("[dispatch] continuation discarded",
			"matcher", p.matcher.Name(),
			"error", &SessionExpiredError{Key: sess.Key},
		)
		return false
	}
	// 匹配器已注销或到期, 续接随之失效
	if st := p.matcher.State(); st == MatcherRemoved || st == MatcherExpired || p.matcher.Expired(now) {
		sess.pending = nil
		d.logger.Debug("[dispatch] continuation discarded, matcher gone", "matcher", p.matcher.Name(), "state", st)
		return false
	}

	ok, err := p.permission.Check(ctx, ev)
	if err != nil {
		d.logRuleError(p.matcher, err)
		return false
	}
	if !ok {
		return false
	}

	sess.pending = nil
	res.Continued = true
	hc := d.newContext(ev, sess, p.matcher, res.Command)
	err = d.runHandler(ctx, hc, p.matcher, p.handler)
	d.collect(hc, sess, p.matcher, err, true, res)
	return true
}

// evaluate 并发求值同一优先级组的 权限 ∧ 规则, 出错视为不匹配
func (d *Dispatcher) evaluate(ctx context.Context, ev *Event, view StateView, group []candidate, res *Result) []bool {
	matched := make([]bool, len(group))
	errs := make([]error, len(group))

	if len(group) == 1 {
		matched[0], errs[0] = group[0].matcher.Check(ctx, ev, view, group[0].viaTrie)
	} else {
		g, gCtx := errgroup.WithContext(ctx)
		for i, c := range group {
			g.Go(func() error {
				matched[i], errs[i] = c.matcher.Check(gCtx, ev, view, c.viaTrie)
				return nil // 规则错误不影响同组其他匹配器
			})
		}
		_ = g.Wait()
	}

	for i, err := range errs {
		if err == nil {
			continue
		}
		matched[i] = false
		m := group[i].matcher
		err = d.logRuleError(m, err)
		res.Reports = append(res.Reports, MatcherReport{ID: m.ID(), Matcher: m.Name(), Priority: m.Priority(), Err: err})
	}
	return matched
}

func (d *Dispatcher) logRuleError(m *Matcher, err error) error {
	var re *RuleEvaluationError
	if errors.As(err, &re) && re.Matcher == "" {
		re.Matcher = m.Name()
	}
	d.metrics.RuleErrors.WithLabelValues(m.Name()).Inc()
	d.logger.Warn("[dispatch] rule evaluation failed, treated as no match", "matcher", m.Name(), "error", err)
	return err
}

func (d *Dispatcher) newContext(ev *Event, sess *Session, m *Matcher, cmd CommandMatch) *Context {
	d.mu.RLock()
	dl := d.deliverer
	d.mu.RUnlock()
	return &Context{
		Event:     ev,
		Session:   sess,
		Matcher:   m,
		Command:   cmd,
		deliverer: dl,
	}
}

// runHandler 执行处理函数; panic 与错误转换为 *HandlerError
func (d *Dispatcher) runHandler(ctx context.Context, c *Context, m *Matcher, h Handler) (err error) {
	ctx, span := tracer.Start(ctx, "dispatch.Matcher",
		trace.WithAttributes(
			attribute.String("matcher.name", m.Name()),
			attribute.Int64("matcher.id", int64(m.ID())),
			attribute.Int("matcher.priority", m.Priority()),
		),
	)
	defer span.End()
	c.Context = ctx

	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
		if err != nil {
			err = &HandlerError{Matcher: m.Name(), Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.metrics.MatcherRuns.WithLabelValues(m.Name(), "error").Inc()
			return
		}
		span.SetStatus(codes.Ok, "")
		d.metrics.MatcherRuns.WithLabelValues(m.Name(), "ok").Inc()
	}()

	return h(c)
}

// collect 收集动作并把处理函数对会话的请求 (续接/结束) 写回会话
func (d *Dispatcher) collect(c *Context, sess *Session, m *Matcher, err error, continued bool, res *Result) {
	report := MatcherReport{ID: m.ID(), Matcher: m.Name(), Priority: m.Priority(), Continuation: continued, Err: err}

	if err != nil {
		d.logger.Error("[dispatch] handler failed, action dropped", "matcher", m.Name(), "error", err)
	} else if a, ok := c.Action(); ok {
		res.Actions = append(res.Actions, a)
		report.Action = true
	}
	res.Reports = append(res.Reports, report)

	if c.finished {
		sess.finished = true
		sess.pending = nil
	}
	if c.await != nil {
		ttl := c.await.ttl
		if ttl <= 0 {
			ttl = d.continuationTTL
		}
		var deadline time.Time
		if ttl > 0 {
			deadline = d.now().Add(ttl)
		}
		sess.finished = false
		sess.pending = &continuation{
			matcher:    m,
			handler:    c.await.handler,
			permission: c.await.permission,
			deadline:   deadline,
		}
		d.logger.Debug("[dispatch] continuation registered", "matcher", m.Name(), "session", sess.Key.String(), "deadline", deadline)
	}
}
