package plugins

import (
	"github.com/yizhixiaokong/shirocore/core"
)

// Ping 最高优先级的连通性检查, 命中后阻断其他匹配器
type Ping struct {
	Superusers []string
	// Sessions 活跃会话数来源 (core.SessionStore)
	Sessions interface{ Len() int }
}

func (Ping) Name() string {
	return "ping"
}

func (p Ping) Setup(r *core.Registrar) error {
	err := r.Command(&core.Command{
		Name:        "ping",
		Description: "连通性检查",
		Usage:       "/ping",
		Handler: func(c *core.Context) error {
			c.ReplyText("pong")
			return nil
		},
	}, core.WithPriority(0), core.WithBlock())
	if err != nil {
		return err
	}

	// 运行状态仅超级用户可见
	_, err = r.On("ping.stats", func(c *core.Context) error {
		sessions := 0
		if p.Sessions != nil {
			sessions = p.Sessions.Len()
		}
		c.ReplyText("sessions=%d matchers=%d", sessions, r.Registry().Len())
		return nil
	},
		core.WithCommands([]string{"ping", "stats"}),
		core.WithPermission(core.Superusers(p.Superusers...)),
		core.WithPriority(0),
		core.WithBlock(),
	)
	return err
}
