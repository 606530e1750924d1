// Package plugins holds the bundled plugins: echo, help, ping and remind.
package plugins

import (
	"github.com/yizhixiaokong/shirocore/core"
)

// Echo 复读插件
type Echo struct{}

func (Echo) Name() string {
	return "echo"
}

func (Echo) Setup(r *core.Registrar) error {
	return r.Command(&core.Command{
		Name:        "echo",
		Aliases:     []string{"say"},
		Description: "复读参数",
		Usage:       "/echo <text>",
		Handler: func(c *core.Context) error {
			if len(c.Args()) == 0 {
				c.ReplyText("用法: /echo <text>")
				return nil
			}
			c.Reply(core.ParseMessage(c.Command.ArgText()))
			return nil
		},
	})
}
