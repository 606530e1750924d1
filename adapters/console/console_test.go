package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yizhixiaokong/shirocore/core"
)

type sinkFunc func(ev core.Event) error

func (f sinkFunc) Submit(ev core.Event) error { return f(ev) }

// syncBuffer 并发安全的输出缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdapter_StartSubmitsLines(t *testing.T) {
	in := strings.NewReader("/ping\n\n   \n[seg:mention,user_id=shiro] hi\n")
	a := New(in, io.Discard, WithUser("alice"))

	var events []core.Event
	err := a.Start(context.Background(), sinkFunc(func(ev core.Event) error {
		events = append(events, ev)
		return nil
	}))
	require.NoError(t, err, "EOF ends the adapter cleanly")
	require.Len(t, events, 2, "blank lines are skipped")

	first := events[0]
	assert.Equal(t, core.EventTypeMessage, first.Type)
	assert.Equal(t, core.DetailPrivate, first.DetailType)
	assert.Equal(t, Name, first.Adapter)
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, "console:alice", first.ConversationID)
	assert.Equal(t, "shiro", first.SelfID)
	assert.Equal(t, "/ping", first.PlainText())
	require.NoError(t, first.Validate())

	second := events[1]
	require.Len(t, second.Message, 2)
	assert.True(t, second.Message[0].Equal(core.Mention("shiro")))
}

func TestAdapter_SubmitErrorIsPrinted(t *testing.T) {
	out := &syncBuffer{}
	a := New(strings.NewReader("hello\n"), out)

	err := a.Start(context.Background(), sinkFunc(func(core.Event) error {
		return core.ErrQueueFull
	}))
	require.NoError(t, err)
	assert.Contains(t, out.String(), core.ErrQueueFull.Error())
}

func TestAdapter_StopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	a := New(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Start(ctx, sinkFunc(func(core.Event) error { return nil }))
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("adapter did not stop after cancel")
	}
}

func TestAdapter_Deliver(t *testing.T) {
	out := &syncBuffer{}
	a := New(strings.NewReader(""), out, WithSelfID("bot"))

	err := a.Deliver(context.Background(), core.Action{
		Type:    core.ActionReply,
		Adapter: Name,
		Message: core.Message{core.Text("pong "), core.Face("1")},
	})
	require.NoError(t, err)

	line := out.String()
	assert.Contains(t, line, "bot>")
	assert.True(t, strings.HasSuffix(line, "pong [seg:face,id=1]\n"), "got %q", line)
}
