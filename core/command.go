package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Command struct {
	Name        string
	Parent      *Command // 父命令
	fullPath    string   // 完整路径
	Aliases     []string // 别名列表
	Description string
	Usage       string
	Handler     Handler

	commands        map[string]*Command // 子命令(可嵌套)
	commandsAliases map[string]string   // 子命令别名
	mu              sync.RWMutex        // 读写锁
}

func (c *Command) AddCommand(cmds ...*Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cmd := range cmds {
		cmd.Parent = c
		if c.commands == nil {
			c.commands = make(map[string]*Command)
		}

		// 键与命令树一致, 按归一化后的命令词存储
		name := NormalizeToken(cmd.Name)
		c.commands[name] = cmd
		for _, alias := range cmd.Aliases {
			if c.commandsAliases == nil {
				c.commandsAliases = make(map[string]string)
			}
			c.commandsAliases[NormalizeToken(alias)] = name
		}
	}
}

func (c *Command) SetFullPath() {
	if c.fullPath == "" {
		c.fullPath = c.Name
	}
	for _, subCmd := range c.Commands() {
		subCmd.fullPath = c.fullPath + " " + subCmd.Name
		subCmd.SetFullPath()
	}
}

func (c *Command) FullPath() string {
	if c.fullPath == "" {
		return c.Name
	}
	return c.fullPath
}

// Commands 子命令 (按名称排序)
func (c *Command) Commands() []*Command {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make([]*Command, 0, len(c.commands))
	for _, sub := range c.commands {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	return subs
}

// Paths 命令词路径: 祖先路径 × (名称 + 别名)
func (c *Command) Paths() [][]string {
	names := append([]string{c.Name}, c.Aliases...)
	if c.Parent == nil {
		paths := make([][]string, 0, len(names))
		for _, n := range names {
			paths = append(paths, []string{n})
		}
		return paths
	}

	var paths [][]string
	for _, prefix := range c.Parent.Paths() {
		for _, n := range names {
			path := append(append([]string{}, prefix...), n)
			paths = append(paths, path)
		}
	}
	return paths
}

func (c *Command) Find(args []string) (*Command, []string) {
	if len(args) == 0 {
		return c, nil
	}

	key := NormalizeToken(args[0])
	c.mu.RLock()
	subCmd, exists := c.commands[key]
	c.mu.RUnlock()

	if exists {
		return subCmd.Find(args[1:])
	}

	// 查找别名
	c.mu.RLock()
	name, exists := c.commandsAliases[key]
	c.mu.RUnlock()

	if exists {
		c.mu.RLock()
		sub := c.commands[name]
		c.mu.RUnlock()
		return sub.Find(args[1:])
	}

	return c, args
}

func (c *Command) GenerateHelp() string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("命令: %s\n", c.FullPath()))
	builder.WriteString(fmt.Sprintf("说明: %s\n", c.Description))
	if len(c.Aliases) > 0 {
		builder.WriteString(fmt.Sprintf("别名: %s\n", strings.Join(c.Aliases, ", ")))
	}
	if c.Usage != "" {
		builder.WriteString(fmt.Sprintf("用法: %s\n", c.Usage))
	}

	if subs := c.Commands(); len(subs) > 0 {
		builder.WriteString("子命令:\n")
		for _, sub := range subs {
			builder.WriteString(fmt.Sprintf("  %s\n", sub.Name))
		}
	}

	return builder.String()
}

type Middleware func(next Handler) Handler

// Handler 处理函数, 每次至多产生一个动作 (Context.Reply)
type Handler func(c *Context) error

// Chain 依次套上中间件, 第一个中间件在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Deliverer 动作投递
type Deliverer interface {
	Deliver(ctx context.Context, action Action) error
}

// Context 处理函数上下文, 仅在一个调度回合内有效
type Context struct {
	context.Context

	Event   *Event
	Session *Session
	Matcher *Matcher
	Command CommandMatch

	deliverer Deliverer
	action    *Action
	await     *continuationRequest
	finished  bool
}

type continuationRequest struct {
	handler    Handler
	permission Permission
	ttl        time.Duration
}

// Args 命令参数
func (c *Context) Args() []string {
	return c.Command.Args
}

// Reply 设置本回合的回复动作, 重复调用以最后一次为准
func (c *Context) Reply(msg Message) {
	a := ReplyTo(c.Event, msg)
	c.action = &a
}

func (c *Context) ReplyText(format string, args ...any) {
	if len(args) == 0 {
		c.Reply(NewMessage(format))
		return
	}
	c.Reply(NewMessage(fmt.Sprintf(format, args...)))
}

// Send 立即投递一条消息, 投递失败以 *DeliveryError 返回给调用方
func (c *Context) Send(msg Message) error {
	if c.deliverer == nil {
		return &DeliveryError{Adapter: c.Event.Adapter, Err: ErrNoConnection}
	}
	a := ReplyTo(c.Event, msg)
	a.Type = ActionSend
	return c.deliverer.Deliver(c, a)
}

// Action 本回合产生的动作
func (c *Context) Action() (Action, bool) {
	if c.action == nil {
		return Action{}, false
	}
	return *c.action, true
}

// Continue 下一条同会话事件优先交给本处理函数 (多轮对话)
func (c *Context) Continue() {
	c.ContinueWith(c.Matcher.Handler())
}

// ContinueWith 下一条同会话事件优先交给 h; 默认只接受同一用户
func (c *Context) ContinueWith(h Handler) {
	c.await = &continuationRequest{handler: h, permission: Users(c.Event.UserID)}
}

// ContinueFor 同 ContinueWith, 可指定权限与超时 (0 使用默认)
func (c *Context) ContinueFor(h Handler, perm Permission, ttl time.Duration) {
	c.await = &continuationRequest{handler: h, permission: perm, ttl: ttl}
}

// Finish 结束会话, 回合结束后删除会话状态
func (c *Context) Finish() {
	c.finished = true
	c.await = nil
}
