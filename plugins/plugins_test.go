package plugins

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yizhixiaokong/shirocore/core"
)

type bot struct {
	t      *testing.T
	engine *core.Engine
}

func newBot(t *testing.T) *bot {
	t.Helper()
	engine := core.NewEngine(core.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for _, p := range []core.Plugin{
		Ping{Superusers: []string{"admin"}, Sessions: engine.Sessions()},
		Echo{},
		Help{},
		Remind{AckWindow: time.Minute},
	} {
		require.NoError(t, engine.RegisterPlugin(p))
	}
	return &bot{t: t, engine: engine}
}

// say 以 user 身份在群 g1 中发送消息, 返回回复的纯文本
func (b *bot) say(user, text string) []string {
	b.t.Helper()
	res, err := b.engine.Dispatch(context.Background(), core.Event{
		Type:           core.EventTypeMessage,
		DetailType:     core.DetailGroup,
		Adapter:        "test",
		ConversationID: "g1",
		UserID:         user,
		Message:        core.NewMessage(text),
	})
	require.NoError(b.t, err)

	out := make([]string, 0, len(res.Actions))
	for _, a := range res.Actions {
		out = append(out, a.Message.PlainText())
	}
	return out
}

func TestEcho(t *testing.T) {
	b := newBot(t)

	assert.Equal(t, []string{"hello world"}, b.say("u1", "/echo hello  world"))
	assert.Equal(t, []string{"hi"}, b.say("u1", "/say hi"))
	assert.Equal(t, []string{"用法: /echo <text>"}, b.say("u1", "/echo"))

	res, err := b.engine.Dispatch(context.Background(), core.Event{
		Type: core.EventTypeMessage, Adapter: "test", UserID: "u1",
		Message: core.NewMessage("/echo [seg:face,id=1]"),
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.True(t, res.Actions[0].Message.Equal(core.Message{core.Face("1")}), "arguments are parsed as message text")
}

func TestHelp(t *testing.T) {
	b := newBot(t)

	list := b.say("u1", "/help")
	require.Len(t, list, 1)
	assert.Contains(t, list[0], "命令列表:")
	assert.Contains(t, list[0], "/echo - 复读参数")
	assert.Contains(t, list[0], "/ping - 连通性检查")
	assert.Contains(t, list[0], "/remind - 记下待提醒事项")

	detail := b.say("u1", "/h remind ls")
	require.Len(t, detail, 1)
	assert.Contains(t, detail[0], "命令: remind list")
	assert.Contains(t, detail[0], "别名: ls")

	upper := b.say("u1", "/help PING")
	require.Len(t, upper, 1)
	assert.Contains(t, upper[0], "命令: ping", "help lookup folds case like command routing")

	assert.Equal(t, []string{"未知命令: nope"}, b.say("u1", "/help nope"))
}

func TestPing(t *testing.T) {
	b := newBot(t)

	assert.Equal(t, []string{"pong"}, b.say("u1", "/ping"))
	assert.Equal(t, []string{"pong"}, b.say("u1", "／PING"), "full-width and case are normalized")

	assert.Empty(t, b.say("u1", "/ping stats"), "stats are restricted to superusers")
	assert.Equal(t, []string{"sessions=1 matchers=7"}, b.say("admin", "/ping stats"))
}

func TestRemind_ArgsAndAck(t *testing.T) {
	b := newBot(t)

	assert.Equal(t, []string{"好的, 我会提醒你: buy milk"}, b.say("u1", "/remind buy milk"))
	assert.Empty(t, b.say("u2", "ok"), "ack is only for the requester")
	assert.Equal(t, []string{"已确认 1 条提醒"}, b.say("u1", "ok"))
	assert.Empty(t, b.say("u1", "ok"), "ack fires once")

	assert.Equal(t, []string{"待提醒事项:\nbuy milk"}, b.say("u1", "/remind ls"))
}

func TestRemind_Conversation(t *testing.T) {
	b := newBot(t)

	assert.Equal(t, []string{"要提醒你什么?"}, b.say("u1", "/remind"))
	assert.Equal(t, []string{"好的, 我会提醒你: call mom"}, b.say("u1", "call mom"))
	assert.Equal(t, []string{"待提醒事项:\ncall mom"}, b.say("u1", "/remind list"))

	assert.Equal(t, []string{"要提醒你什么?"}, b.say("u1", "/remind"))
	assert.Equal(t, []string{"已取消"}, b.say("u1", "取消"))

	assert.Equal(t, []string{"已清空提醒"}, b.say("u1", "/remind.cancel"))
	assert.Zero(t, b.engine.Sessions().Len(), "cancel ends the session")
	assert.Equal(t, []string{"没有待提醒事项"}, b.say("u1", "/remind list"))
}
