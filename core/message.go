package core

import (
	"regexp"
	"sort"
	"strings"
)

// 消息段类型
const (
	SegmentText    = "text"
	SegmentMention = "mention"
	SegmentImage   = "image"
	SegmentRecord  = "record"
	SegmentReply   = "reply"
	SegmentFace    = "face"
)

// Segment 消息段 (类型 + 参数)
type Segment struct {
	Type string            `json:"type" validate:"required"`
	Data map[string]string `json:"data,omitempty" validate:"dive,keys,required,endkeys"`
}

func Text(text string) Segment {
	return Segment{Type: SegmentText, Data: map[string]string{"text": text}}
}

func Mention(userID string) Segment {
	return Segment{Type: SegmentMention, Data: map[string]string{"user_id": userID}}
}

func Image(file string) Segment {
	return Segment{Type: SegmentImage, Data: map[string]string{"file": file}}
}

func Record(file string) Segment {
	return Segment{Type: SegmentRecord, Data: map[string]string{"file": file}}
}

func Reply(messageID string) Segment {
	return Segment{Type: SegmentReply, Data: map[string]string{"id": messageID}}
}

func Face(id string) Segment {
	return Segment{Type: SegmentFace, Data: map[string]string{"id": id}}
}

// IsText 是否为文本段
func (s Segment) IsText() bool {
	return s.Type == SegmentText
}

// Get 读取参数, 缺省为空串
func (s Segment) Get(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

func (s Segment) Equal(o Segment) bool {
	if s.Type != o.Type || len(s.Data) != len(o.Data) {
		return false
	}
	for k, v := range s.Data {
		ov, ok := o.Data[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

func (s Segment) clone() Segment {
	c := Segment{Type: s.Type}
	if s.Data != nil {
		c.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return c
}

// String 规范字符串形式: 文本转义, 其他段为 [seg:type,k=v] (键有序, 类型/键/值均转义)
func (s Segment) String() string {
	if s.IsText() {
		return escape(s.Get("text"), false)
	}

	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[seg:")
	b.WriteString(escape(s.Type, true))
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(escapeKey(k))
		b.WriteByte('=')
		b.WriteString(escape(s.Data[k], true))
	}
	b.WriteByte(']')
	return b.String()
}

// Message 有序消息段序列
type Message []Segment

// NewMessage 由纯文本构造消息
func NewMessage(text string) Message {
	if text == "" {
		return Message{}
	}
	return Message{Text(text)}
}

// Append 追加消息段, 相邻文本段会合并
func (m Message) Append(segs ...Segment) Message {
	out := make(Message, len(m), len(m)+len(segs))
	copy(out, m)
	for _, seg := range segs {
		if seg.IsText() && len(out) > 0 && out[len(out)-1].IsText() {
			out[len(out)-1] = Text(out[len(out)-1].Get("text") + seg.Get("text"))
			continue
		}
		out = append(out, seg.clone())
	}
	return out
}

// Extend 追加另一条消息
func (m Message) Extend(o Message) Message {
	return m.Append(o...)
}

// Reduce 合并相邻文本段并丢弃空文本段
func (m Message) Reduce() Message {
	out := make(Message, 0, len(m))
	for _, seg := range m {
		if !seg.IsText() {
			out = append(out, seg.clone())
			continue
		}
		if seg.Get("text") == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1].IsText() {
			out[len(out)-1] = Text(out[len(out)-1].Get("text") + seg.Get("text"))
			continue
		}
		out = append(out, Text(seg.Get("text")))
	}
	return out
}

// PlainText 拼接所有文本段
func (m Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		if seg.IsText() {
			b.WriteString(seg.Get("text"))
		}
	}
	return b.String()
}

func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for i, seg := range m {
		out[i] = seg.clone()
	}
	return out
}

func (m Message) Equal(o Message) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if !m[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (m Message) String() string {
	var b strings.Builder
	for _, seg := range m {
		b.WriteString(seg.String())
	}
	return b.String()
}

var segmentPattern = regexp.MustCompile(`\[seg:([^,\[\]]+)((?:,[^,=\[\]]+=[^,\]]*)*),?\]`)

// ParseMessage 解析规范字符串形式, 结果已 Reduce
func ParseMessage(s string) Message {
	msg := Message{}
	begin := 0
	for _, loc := range segmentPattern.FindAllStringSubmatchIndex(s, -1) {
		if text := unescape(s[begin:loc[0]]); text != "" {
			msg = msg.Append(Text(text))
		}
		begin = loc[1]

		seg := Segment{Type: unescape(s[loc[2]:loc[3]])}
		if params := s[loc[4]:loc[5]]; params != "" {
			seg.Data = make(map[string]string)
			for _, kv := range strings.Split(strings.TrimPrefix(params, ","), ",") {
				k, v, _ := strings.Cut(kv, "=")
				seg.Data[unescape(k)] = unescape(v)
			}
		}
		msg = msg.Append(seg)
	}
	if text := unescape(s[begin:]); text != "" {
		msg = msg.Append(Text(text))
	}
	return msg
}

func escape(s string, escapeComma bool) string {
	s = strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;").Replace(s)
	if escapeComma {
		s = strings.ReplaceAll(s, ",", "&#44;")
	}
	return s
}

// escapeKey 参数名额外转义 '='
func escapeKey(k string) string {
	return strings.ReplaceAll(escape(k, true), "=", "&#61;")
}

func unescape(s string) string {
	return unescaper.Replace(s)
}

var unescaper = strings.NewReplacer("&#44;", ",", "&#61;", "=", "&#91;", "[", "&#93;", "]", "&amp;", "&")
