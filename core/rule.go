package core

import (
	"context"
	"regexp"
	"slices"
	"strings"
)

// CommandMatch 本回合从消息中解析出的命令
type CommandMatch struct {
	Start  string   // 命中的命令起始符
	Tokens []string // 原始命令词序列
	Path   []string // 命令树中命中的路径 (原始大小写)
	Args   []string // 路径之后的参数
}

// Matched 是否命中了已注册的命令
func (c CommandMatch) Matched() bool {
	return len(c.Path) > 0
}

// ArgText 参数原文 (以空格连接)
func (c CommandMatch) ArgText() string {
	return strings.Join(c.Args, " ")
}

// StateView 规则可见的只读会话视图
type StateView interface {
	Get(key string) (any, bool)
	Command() CommandMatch
}

// Checker 规则判定函数, 必须无副作用且不阻塞
type Checker func(ctx context.Context, ev *Event, view StateView) (bool, error)

// Rule 具名规则, 零值恒为真
type Rule struct {
	name  string
	check Checker
}

func NewRule(name string, check Checker) Rule {
	return Rule{name: name, check: check}
}

func (r Rule) Name() string {
	if r.check == nil {
		return "always"
	}
	return r.name
}

func (r Rule) IsZero() bool {
	return r.check == nil
}

// Check 执行规则; panic 与错误都转换为 *RuleEvaluationError
func (r Rule) Check(ctx context.Context, ev *Event, view StateView) (ok bool, err error) {
	if r.check == nil {
		return true, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, &RuleEvaluationError{Rule: r.name, Err: panicError(rec)}
		}
	}()

	ok, err = r.check(ctx, ev, view)
	if err != nil {
		if _, typed := err.(*RuleEvaluationError); !typed {
			err = &RuleEvaluationError{Rule: r.name, Err: err}
		}
		return false, err
	}
	return ok, nil
}

func ruleNames(rules []Rule) string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name())
	}
	return strings.Join(names, ",")
}

// And 按顺序求值, 遇到 false 短路
func And(rules ...Rule) Rule {
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !r.IsZero() {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		return Rule{}
	case 1:
		return active[0]
	}

	return NewRule("and("+ruleNames(active)+")", func(ctx context.Context, ev *Event, view StateView) (bool, error) {
		for _, r := range active {
			ok, err := r.Check(ctx, ev, view)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Or 按顺序求值, 遇到 true 短路. 含零值规则时恒为真.
func Or(rules ...Rule) Rule {
	for _, r := range rules {
		if r.IsZero() {
			return Rule{}
		}
	}
	if len(rules) == 1 {
		return rules[0]
	}

	active := slices.Clone(rules)
	return NewRule("or("+ruleNames(active)+")", func(ctx context.Context, ev *Event, view StateView) (bool, error) {
		for _, r := range active {
			ok, err := r.Check(ctx, ev, view)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

func Not(r Rule) Rule {
	return NewRule("not("+r.Name()+")", func(ctx context.Context, ev *Event, view StateView) (bool, error) {
		ok, err := r.Check(ctx, ev, view)
		if err != nil {
			return false, err
		}
		return !ok, nil
	})
}

// And 链式组合
func (r Rule) And(o ...Rule) Rule {
	return And(append([]Rule{r}, o...)...)
}

// Or 链式组合
func (r Rule) Or(o ...Rule) Rule {
	return Or(append([]Rule{r}, o...)...)
}

// Always 恒真
func Always() Rule {
	return NewRule("always", func(context.Context, *Event, StateView) (bool, error) {
		return true, nil
	})
}

func textRule(name string, pred func(text string) bool) Rule {
	return NewRule(name, func(_ context.Context, ev *Event, _ StateView) (bool, error) {
		if ev.Type != EventTypeMessage {
			return false, nil
		}
		return pred(ev.PlainText()), nil
	})
}

// StartsWith 消息纯文本以任一前缀开头
func StartsWith(prefixes ...string) Rule {
	return textRule("startswith", func(text string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(text, p) {
				return true
			}
		}
		return false
	})
}

// EndsWith 消息纯文本以任一后缀结尾
func EndsWith(suffixes ...string) Rule {
	return textRule("endswith", func(text string) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(text, s) {
				return true
			}
		}
		return false
	})
}

// Keyword 消息纯文本包含任一关键词
func Keyword(keywords ...string) Rule {
	return textRule("keyword", func(text string) bool {
		for _, k := range keywords {
			if strings.Contains(text, k) {
				return true
			}
		}
		return false
	})
}

// FullMatch 消息纯文本 (去首尾空白) 完全等于任一文本
func FullMatch(texts ...string) Rule {
	return textRule("fullmatch", func(text string) bool {
		return slices.Contains(texts, strings.TrimSpace(text))
	})
}

// Regex 消息纯文本匹配正则
func Regex(re *regexp.Regexp) Rule {
	return textRule("regex", re.MatchString)
}

// ToMe 事件与机器人相关 (私聊/被提及/叫昵称)
func ToMe() Rule {
	return NewRule("to_me", func(_ context.Context, ev *Event, _ StateView) (bool, error) {
		return ev.ToMe, nil
	})
}

// EventTypeIs 事件类型属于给定集合
func EventTypeIs(types ...EventType) Rule {
	return NewRule("event_type", func(_ context.Context, ev *Event, _ StateView) (bool, error) {
		return slices.Contains(types, ev.Type), nil
	})
}

// CommandRule 本回合解析出的命令路径等于任一给定路径.
// 经命令树调度时已由树的键保证, 仅在通用扫描路径上求值.
func CommandRule(paths ...[]string) Rule {
	normalized := make([][]string, 0, len(paths))
	for _, p := range paths {
		normalized = append(normalized, normalizeTokens(p))
	}
	return NewRule("command", func(_ context.Context, _ *Event, view StateView) (bool, error) {
		if view == nil {
			return false, nil
		}
		cmd := view.Command()
		if !cmd.Matched() {
			return false, nil
		}
		got := normalizeTokens(cmd.Path)
		for _, p := range normalized {
			if slices.Equal(p, got) {
				return true, nil
			}
		}
		return false, nil
	})
}
