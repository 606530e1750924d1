// Package httpapi accepts normalized events over HTTP and websocket and
// pushes actions back to connected websocket clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yizhixiaokong/shirocore/core"
)

const Name = "http"

// Dispatcher 同步调度入口 (core.Engine)
type Dispatcher interface {
	Dispatch(ctx context.Context, ev core.Event) (*core.Result, error)
}

// Frame websocket 出站帧
type Frame struct {
	Type   string       `json:"type"` // action | accepted | error
	Action *core.Action `json:"action,omitempty"`
	ID     string       `json:"id,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// DispatchResponse 同步调度结果
type DispatchResponse struct {
	ID        string        `json:"id"`
	Actions   []core.Action `json:"actions"`
	Ignored   bool          `json:"ignored,omitempty"`
	Continued bool          `json:"continued,omitempty"`
	BlockedBy string        `json:"blocked_by,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(v any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

type Adapter struct {
	logger     *slog.Logger
	listen     string
	dispatcher Dispatcher
	gatherer   prometheus.Gatherer

	router   *gin.Engine
	upgrader websocket.Upgrader

	sink    core.EventSink
	clients map[*client]struct{}
	mu      sync.RWMutex

	writeTimeout time.Duration
}

type Option func(*Adapter)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithGatherer /metrics 暴露的指标来源
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *Adapter) {
		a.gatherer = g
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.writeTimeout = d
	}
}

func New(listen string, dispatcher Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		logger:     slog.Default(),
		listen:     listen,
		dispatcher: dispatcher,
		gatherer:   prometheus.DefaultGatherer,
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *Adapter) Name() string {
	return Name
}

// Handler HTTP 处理器 (测试或挂载到已有服务)
func (a *Adapter) Handler() http.Handler {
	return a.router
}

func (a *Adapter) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.logRequests())

	v1 := r.Group("/v1")
	v1.POST("/events", a.handleSubmit)
	v1.POST("/events/dispatch", a.handleDispatch)
	v1.GET("/ws", a.handleWebSocket)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", a.handleHealth)
	return r
}

func (a *Adapter) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("[adapter] http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// attach 设置事件入口
func (a *Adapter) attach(sink core.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *Adapter) currentSink() core.EventSink {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sink
}

// Start 启动 HTTP 服务, ctx 取消后优雅关闭
func (a *Adapter) Start(ctx context.Context, sink core.EventSink) error {
	a.attach(sink)

	srv := &http.Server{
		Addr:              a.listen,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("[adapter] http adapter listening", "listen", a.listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http adapter: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("[adapter] http adapter shutdown failed", "error", err)
	}
	return nil
}

// Close 断开所有 websocket 客户端
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.clients {
		_ = c.conn.Close()
		delete(a.clients, c)
	}
}

func (a *Adapter) withDefaults(ev *core.Event) {
	if ev.Adapter == "" {
		ev.Adapter = Name
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *Adapter) handleSubmit(c *gin.Context) {
	sink := a.currentSink()
	if sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "adapter not started"})
		return
	}

	var ev core.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.withDefaults(&ev)

	if err := sink.Submit(ev); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID})
}

func (a *Adapter) handleDispatch(c *gin.Context) {
	var ev core.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.withDefaults(&ev)

	res, err := a.dispatcher.Dispatch(c.Request.Context(), ev)
	if err != nil && res == nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := DispatchResponse{
		ID:        ev.ID,
		Actions:   res.Actions,
		Ignored:   res.Ignored,
		Continued: res.Continued,
		BlockedBy: res.BlockedBy,
	}
	if resp.Actions == nil {
		resp.Actions = []core.Action{}
	}
	for _, r := range res.Reports {
		if r.Err != nil {
			resp.Errors = append(resp.Errors, r.Err.Error())
		}
	}
	if err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Adapter) handleHealth(c *gin.Context) {
	a.mu.RLock()
	n := len(a.clients)
	a.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": n})
}

func (a *Adapter) handleWebSocket(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Error("[adapter] failed to upgrade the websocket", "error", err)
		return
	}
	cl := &client{conn: conn}

	a.mu.Lock()
	a.clients[cl] = struct{}{}
	a.mu.Unlock()
	a.logger.Info("[adapter] websocket client connected", "remote", c.Request.RemoteAddr)

	defer func() {
		a.mu.Lock()
		delete(a.clients, cl)
		a.mu.Unlock()
		_ = conn.Close()
		a.logger.Info("[adapter] websocket client disconnected", "remote", c.Request.RemoteAddr)
	}()

	for {
		var ev core.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug("[adapter] websocket read failed", "error", err)
			}
			return
		}
		a.withDefaults(&ev)

		frame := Frame{Type: "accepted", ID: ev.ID}
		if sink := a.currentSink(); sink == nil {
			frame = Frame{Type: "error", ID: ev.ID, Error: "adapter not started"}
		} else if err := sink.Submit(ev); err != nil {
			frame = Frame{Type: "error", ID: ev.ID, Error: err.Error()}
		}
		if err := cl.write(frame, a.writeTimeout); err != nil {
			a.logger.Warn("[adapter] failed to write websocket frame", "error", err)
			return
		}
	}
}

// Deliver 推送动作到所有 websocket 客户端; 没有客户端时返回 core.ErrNoConnection
func (a *Adapter) Deliver(_ context.Context, action core.Action) error {
	a.mu.RLock()
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.RUnlock()

	if len(clients) == 0 {
		return core.ErrNoConnection
	}

	frame := Frame{Type: "action", Action: &action, ID: action.ReplyTo}
	var errs []error
	for _, c := range clients {
		if err := c.write(frame, a.writeTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(clients) {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		a.logger.Warn("[adapter] action not delivered to some clients", "failed", len(errs), "clients", len(clients))
	}
	return nil
}
