package core

import (
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// CommandParser 命令解析: 命令起始符 + 命令词 (首个词可按分隔符拆分)
type CommandParser struct {
	starts    []string // 按长度降序
	separator string
}

// NewCommandParser starts 为空时默认 "/"; 允许包含 "" (无需起始符)
func NewCommandParser(starts []string, separator string) CommandParser {
	if len(starts) == 0 {
		starts = []string{"/"}
	}
	sorted := make([]string, 0, len(starts))
	for _, s := range starts {
		sorted = append(sorted, width.Narrow.String(s))
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	return CommandParser{starts: sorted, separator: separator}
}

// ParseCommand 使用默认起始符 "/" 解析命令词
func ParseCommand(input string) (args []string) {
	_, args, _ = Tokenize(input, []string{"/"}, "")
	return args
}

// Tokenize 去掉命令起始符后按空白拆分, 首个词再按 sep 拆分
func Tokenize(text string, starts []string, sep string) (start string, tokens []string, ok bool) {
	return NewCommandParser(starts, sep).Tokenize(text)
}

func (p CommandParser) Tokenize(text string) (string, []string, bool) {
	text = strings.TrimLeft(text, " \t\r\n")
	for _, start := range p.starts {
		rest, ok := stripStart(text, start)
		if !ok {
			continue
		}
		if tokens := splitCommand(rest, p.separator); len(tokens) > 0 {
			return start, tokens, true
		}
	}
	return "", nil, false
}

// Parse 解析消息事件开头的文本段
func (p CommandParser) Parse(ev *Event) (string, []string, bool) {
	if ev.Type != EventTypeMessage || len(ev.Message) == 0 || !ev.Message[0].IsText() {
		return "", nil, false
	}
	return p.Tokenize(ev.Message[0].Get("text"))
}

// stripStart 按半角形式比较起始符, 返回原文剩余部分
func stripStart(text, start string) (string, bool) {
	if start == "" {
		return text, true
	}
	acc := ""
	for i, r := range text {
		acc += width.Narrow.String(string(r))
		if acc == start {
			return text[i+utf8.RuneLen(r):], true
		}
		if !strings.HasPrefix(start, acc) {
			return "", false
		}
	}
	return "", false
}

func splitCommand(input, sep string) []string {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	if sep == "" || !strings.Contains(parts[0], sep) {
		return parts
	}

	head := make([]string, 0, len(parts)+2)
	for _, tok := range strings.Split(parts[0], sep) {
		if tok != "" {
			head = append(head, tok)
		}
	}
	return append(head, parts[1:]...)
}
