package plugins

import (
	"fmt"
	"strings"
	"time"

	"github.com/yizhixiaokong/shirocore/core"
)

const remindKey = "remind.items"

// Remind 多轮对话示例: 在会话中记下待提醒事项
type Remind struct {
	// AckWindow 确认窗口, 记下事项后这段时间内回复 "ok" 会得到一次确认
	AckWindow time.Duration
}

func (Remind) Name() string {
	return "remind"
}

func remindItems(s *core.Session) []string {
	items, _ := s.Get(remindKey)
	list, _ := items.([]string)
	return list
}

func (p Remind) Setup(r *core.Registrar) error {
	window := p.AckWindow
	if window <= 0 {
		window = time.Minute
	}

	// save 记下事项, 并注册一次性的确认匹配器
	save := func(c *core.Context, item string) error {
		items := append(remindItems(c.Session), item)
		c.Session.Set(remindKey, items)
		c.ReplyText("好的, 我会提醒你: %s", item)

		_, err := r.On(fmt.Sprintf("remind.ack.%s", c.Event.ID), func(ac *core.Context) error {
			ac.ReplyText("已确认 %d 条提醒", len(remindItems(ac.Session)))
			return nil
		},
			core.WithTemp(),
			core.WithExpire(time.Now().Add(window)),
			core.WithRule(core.FullMatch("ok", "好")),
			core.WithPermission(core.AllOf(
				core.Users(c.Event.UserID),
				core.Conversations(c.Event.ConversationID),
			)),
			core.WithPriority(5),
		)
		return err
	}

	collect := func(c *core.Context) error {
		item := strings.TrimSpace(c.Event.PlainText())
		if item == "" || item == "取消" {
			c.ReplyText("已取消")
			c.Finish()
			return nil
		}
		return save(c, item)
	}

	remind := &core.Command{
		Name:        "remind",
		Description: "记下待提醒事项",
		Usage:       "/remind [text]",
		Handler: func(c *core.Context) error {
			if len(c.Args()) > 0 {
				return save(c, c.Command.ArgText())
			}
			c.ReplyText("要提醒你什么?")
			c.ContinueWith(collect)
			return nil
		},
	}
	remind.AddCommand(
		&core.Command{
			Name:        "list",
			Aliases:     []string{"ls"},
			Description: "列出已记下的事项",
			Handler: func(c *core.Context) error {
				items := remindItems(c.Session)
				if len(items) == 0 {
					c.ReplyText("没有待提醒事项")
					return nil
				}
				c.ReplyText("待提醒事项:\n%s", strings.Join(items, "\n"))
				return nil
			},
		},
		&core.Command{
			Name:        "cancel",
			Description: "清空事项并结束会话",
			Handler: func(c *core.Context) error {
				c.Session.Delete(remindKey)
				c.ReplyText("已清空提醒")
				c.Finish()
				return nil
			},
		},
	)

	return r.Command(remind, core.WithPriority(10))
}
