package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_AppendMergesText(t *testing.T) {
	base := NewMessage("hello")
	msg := base.Append(Text(", "), Text("world"), Mention("42"), Text("!"))

	require.Len(t, msg, 3)
	assert.Equal(t, "hello, world", msg[0].Get("text"))
	assert.Equal(t, SegmentMention, msg[1].Type)
	assert.Equal(t, "hello, world!", msg.PlainText())
	assert.Equal(t, "hello", base[0].Get("text"), "receiver is not modified")
}

func TestMessage_Reduce(t *testing.T) {
	msg := Message{Text(""), Text("a"), Text("b"), Face("1"), Text(""), Text("c")}
	assert.True(t, Message{Text("ab"), Face("1"), Text("c")}.Equal(msg.Reduce()))
	assert.Empty(t, Message{Text("")}.Reduce())
}

func TestMessage_String(t *testing.T) {
	msg := Message{
		Text("a[1] & b"),
		Segment{Type: "image", Data: map[string]string{"url": "http://x/?a=1,b=2", "file": "x.png"}},
	}
	assert.Equal(t, "a&#91;1&#93; &amp; b[seg:image,file=x.png,url=http://x/?a=1&#44;b=2]", msg.String())
}

func TestParseMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"plain", NewMessage("hello world")},
		{"escapes", NewMessage("[seg:not,a=segment] & more")},
		{"mention first", Message{Mention("10001"), Text(" /ping")}},
		{"adjacent text", Message{Text("a"), Text("b"), Reply("9")}},
		{"empty text dropped", Message{Text(""), Face("14"), Text("")}},
		{"comma in value", Message{Image("a,b]c")}},
		{"no data", Message{{Type: "shake"}}},
		{"space in key", Message{Text("hi"), {Type: SegmentImage, Data: map[string]string{"file url": "a.png"}}}},
		{"reserved chars in type and key", Message{{Type: "x,y]", Data: map[string]string{"a=b,c": "v=1", "&": "[]"}}}},
		{"empty", Message{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.msg.String()
			parsed := ParseMessage(s)
			assert.Equal(t, s, parsed.String())
			assert.True(t, tt.msg.Reduce().Equal(parsed), "got %v", parsed)
		})
	}
}

func TestParseMessage_Segments(t *testing.T) {
	msg := ParseMessage("[seg:mention,user_id=42] hi [seg:face,id=1]")
	require.Len(t, msg, 3)
	assert.True(t, msg[0].Equal(Mention("42")))
	assert.Equal(t, " hi ", msg[1].Get("text"))
	assert.True(t, msg[2].Equal(Face("1")))
}

func TestEvent_ValidateRejectsEmptySegmentKey(t *testing.T) {
	ev := Event{
		Type: EventTypeMessage, Adapter: "console", UserID: "u1",
		Message: Message{{Type: SegmentImage, Data: map[string]string{"": "a.png"}}},
	}
	assert.ErrorIs(t, ev.Validate(), ErrInvalidEvent)

	ev.Message = Message{{Data: map[string]string{"file": "a.png"}}}
	assert.ErrorIs(t, ev.Validate(), ErrInvalidEvent, "segment type is required")
}

func TestEvent_ValidateAndKey(t *testing.T) {
	ev := Event{Type: EventTypeMessage, Adapter: "console", UserID: "u1", Message: NewMessage("hi")}
	require.NoError(t, ev.Validate())
	assert.Equal(t, SessionKey{Adapter: "console", Conversation: "user:u1"}, ev.Key())

	ev.ConversationID = "g1"
	assert.Equal(t, "console/g1", ev.Key().String())

	bad := Event{Type: "bogus", Adapter: "console", UserID: "u1"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidEvent)

	missing := Event{Type: EventTypeNotice, Adapter: "console"}
	assert.ErrorIs(t, missing.Validate(), ErrInvalidEvent)
}

func TestEvent_Clone(t *testing.T) {
	ev := Event{Message: NewMessage("hi"), Meta: map[string]any{"k": 1}}
	c := ev.Clone()
	c.Message[0] = Text("changed")
	c.Meta["k"] = 2

	assert.Equal(t, "hi", ev.PlainText())
	assert.Equal(t, 1, ev.Meta["k"])
}
