package plugins

import (
	"strings"

	"github.com/yizhixiaokong/shirocore/core"
)

// Help 命令帮助
type Help struct {
	// Prefix 展示用的命令起始符, 默认 "/"
	Prefix string
}

func (Help) Name() string {
	return "help"
}

func (h Help) Setup(r *core.Registrar) error {
	prefix := h.Prefix
	if prefix == "" {
		prefix = "/"
	}

	return r.Command(&core.Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "查看命令列表或某个命令的帮助",
		Usage:       "/help [command...]",
		Handler: func(c *core.Context) error {
			reg := r.Registry()
			if len(c.Args()) == 0 {
				var b strings.Builder
				b.WriteString("命令列表:\n")
				for _, cmd := range reg.Commands() {
					b.WriteString("  " + prefix + cmd.Name)
					if cmd.Description != "" {
						b.WriteString(" - " + cmd.Description)
					}
					b.WriteString("\n")
				}
				c.ReplyText("%s", strings.TrimRight(b.String(), "\n"))
				return nil
			}

			cmd, rest := reg.FindCommand(c.Args())
			if cmd == nil || len(rest) > 0 {
				c.ReplyText("未知命令: %s", strings.Join(c.Args(), " "))
				return nil
			}
			c.ReplyText("%s", strings.TrimRight(cmd.GenerateHelp(), "\n"))
			return nil
		},
	})
}
