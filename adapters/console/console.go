// Package console adapts a line-oriented reader/writer pair (normally
// stdin/stdout) into private message events.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/yizhixiaokong/shirocore/core"
)

const Name = "console"

type Adapter struct {
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	selfID       string
	userID       string
	conversation string

	prompt lipgloss.Style
	errs   lipgloss.Style
	mu     sync.Mutex
}

// Option 控制台适配器选项
type Option func(*Adapter)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithUser 输入行所属的用户
func WithUser(userID string) Option {
	return func(a *Adapter) {
		a.userID = userID
		a.conversation = "console:" + userID
	}
}

// WithSelfID 机器人自身 ID (提及检测)
func WithSelfID(id string) Option {
	return func(a *Adapter) {
		a.selfID = id
	}
}

func New(in io.Reader, out io.Writer, opts ...Option) *Adapter {
	renderer := lipgloss.NewRenderer(out)
	a := &Adapter{
		logger:       slog.Default(),
		in:           in,
		out:          out,
		selfID:       "shiro",
		userID:       "console",
		conversation: "console:console",
		prompt: renderer.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}),
		errs: renderer.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D7263D", Dark: "#FF5F87"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return Name
}

// Start 逐行读取输入, 直到 EOF 或 ctx 取消
func (a *Adapter) Start(ctx context.Context, sink core.EventSink) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				a.logger.Debug("[adapter] console input closed")
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := sink.Submit(a.event(line)); err != nil {
				a.writeLine(a.errs.Render("! " + err.Error()))
			}
		}
	}
}

func (a *Adapter) event(line string) core.Event {
	return core.Event{
		Type:           core.EventTypeMessage,
		DetailType:     core.DetailPrivate,
		Adapter:        Name,
		SelfID:         a.selfID,
		ConversationID: a.conversation,
		UserID:         a.userID,
		Message:        core.ParseMessage(line),
	}
}

// Deliver 输出动作消息的规范文本形式
func (a *Adapter) Deliver(_ context.Context, action core.Action) error {
	return a.writeLine(a.prompt.Render(a.selfID+">") + " " + action.Message.String())
}

func (a *Adapter) writeLine(s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fmt.Fprintln(a.out, s); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}
