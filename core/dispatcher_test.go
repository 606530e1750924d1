package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	actions []Action
	err     error
}

func (r *recordingDeliverer) Deliver(_ context.Context, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.actions = append(r.actions, a)
	return nil
}

func (r *recordingDeliverer) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, *Registry, *SessionStore) {
	t.Helper()
	cfg.Logger = quietLogger()
	registry := NewRegistry(cfg.Logger)
	sessions := NewSessionStore(cfg.Logger, 0)
	return NewDispatcher(registry, sessions, cfg), registry, sessions
}

func register(t *testing.T, r *Registry, name string, h Handler, opts ...MatcherOption) *Matcher {
	t.Helper()
	m := mustMatcher(t, name, h, opts...)
	_, err := r.Register(m)
	require.NoError(t, err)
	return m
}

func replier(text string) Handler {
	return func(c *Context) error {
		c.ReplyText("%s", text)
		return nil
	}
}

func replies(res *Result) []string {
	out := make([]string, 0, len(res.Actions))
	for _, a := range res.Actions {
		out = append(out, a.Message.PlainText())
	}
	return out
}

func dispatchText(t *testing.T, d *Dispatcher, text string) *Result {
	t.Helper()
	res, err := d.Dispatch(context.Background(), *textEvent(text))
	require.NoError(t, err)
	return res
}

func TestDispatcher_BlockStopsLowerPriority(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	register(t, r, "ping", replier("pong"), WithCommands([]string{"ping"}), WithPriority(0), WithBlock())
	register(t, r, "always", replier("b"), WithPriority(1))

	res := dispatchText(t, d, "/ping")
	assert.Equal(t, []string{"pong"}, replies(res))
	assert.Equal(t, "ping", res.BlockedBy)
	assert.Equal(t, []string{"ping"}, res.Command.Path)

	res = dispatchText(t, d, "hello")
	assert.Equal(t, []string{"b"}, replies(res))
	assert.Empty(t, res.BlockedBy)
	assert.False(t, res.Command.Matched())
}

func TestDispatcher_NonBlockingRunsAllGroups(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	register(t, r, "always", replier("b"), WithPriority(1))
	register(t, r, "ping", replier("pong"), WithCommands([]string{"ping"}), WithPriority(0))

	res := dispatchText(t, d, "/ping")
	assert.Equal(t, []string{"pong", "b"}, replies(res))
}

func TestDispatcher_TiesRunInRegistrationOrder(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	for i := 0; i < 5; i++ {
		register(t, r, fmt.Sprintf("m%d", i), replier(fmt.Sprintf("m%d", i)), WithPriority(1))
	}

	for i := 0; i < 20; i++ {
		res := dispatchText(t, d, "hello")
		require.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, replies(res))
	}
}

func TestDispatcher_BlockAppliesToWholeGroup(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	register(t, r, "blocker", replier("a"), WithPriority(1), WithBlock())
	register(t, r, "peer", replier("b"), WithPriority(1))
	register(t, r, "lower", replier("c"), WithPriority(2))

	res := dispatchText(t, d, "hello")
	assert.Equal(t, []string{"a", "b"}, replies(res), "same-priority peers still run")
	assert.Equal(t, "blocker", res.BlockedBy)
}

func TestDispatcher_TempMatcherFiresOnce(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	once := register(t, r, "once", replier("once"), WithTemp())

	assert.Equal(t, []string{"once"}, replies(dispatchText(t, d, "hi")))
	assert.Empty(t, replies(dispatchText(t, d, "hi")))

	_, ok := r.Get(once.ID())
	assert.False(t, ok)
	assert.Equal(t, MatcherConsumed, once.State())
	assert.EqualValues(t, 1, once.Matched())
}

func TestDispatcher_TempMatcherRemovedOnHandlerError(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	once := register(t, r, "once", func(*Context) error { return errors.New("boom") }, WithTemp())

	res := dispatchText(t, d, "hi")
	require.Len(t, res.Reports, 1)
	assert.Error(t, res.Reports[0].Err)
	_, ok := r.Get(once.ID())
	assert.False(t, ok)
}

func TestDispatcher_ExpiredMatcherIsRemoved(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	stale := register(t, r, "stale", replier("stale"), WithExpire(time.Now().Add(-time.Minute)))
	register(t, r, "fresh", replier("fresh"), WithExpire(time.Now().Add(time.Hour)))

	assert.Equal(t, []string{"fresh"}, replies(dispatchText(t, d, "hi")))
	_, ok := r.Get(stale.ID())
	assert.False(t, ok)
	assert.Equal(t, MatcherExpired, stale.State())
}

func TestDispatcher_RuleErrorIsNoMatch(t *testing.T) {
	metrics := NewMetrics(nil)
	d, r, _ := newTestDispatcher(t, DispatcherConfig{Metrics: metrics})

	broken := NewRule("broken", func(context.Context, *Event, StateView) (bool, error) {
		return false, errors.New("store unavailable")
	})
	register(t, r, "broken", replier("never"), WithRule(broken), WithPriority(1))
	register(t, r, "ok", replier("ok"), WithPriority(1))

	res := dispatchText(t, d, "hi")
	assert.Equal(t, []string{"ok"}, replies(res))

	var re *RuleEvaluationError
	var found bool
	for _, rep := range res.Reports {
		if rep.Err != nil && errors.As(rep.Err, &re) {
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, "broken", re.Matcher)
	assert.Equal(t, "broken", re.Rule)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RuleErrors.WithLabelValues("broken")))
}

func TestDispatcher_HandlerErrorDropsAction(t *testing.T) {
	metrics := NewMetrics(nil)
	d, r, _ := newTestDispatcher(t, DispatcherConfig{Metrics: metrics})

	register(t, r, "fails", func(c *Context) error {
		c.ReplyText("half done")
		return errors.New("backend down")
	}, WithPriority(0))
	register(t, r, "panics", func(*Context) error { panic("nil map") }, WithPriority(1))
	register(t, r, "works", replier("ok"), WithPriority(2))

	res := dispatchText(t, d, "hi")
	assert.Equal(t, []string{"ok"}, replies(res))
	require.Len(t, res.Reports, 3)

	for _, rep := range res.Reports[:2] {
		var he *HandlerError
		require.ErrorAs(t, rep.Err, &he)
		assert.Equal(t, rep.Matcher, he.Matcher)
		assert.False(t, rep.Action)
	}
	assert.True(t, res.Reports[2].Action)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MatcherRuns.WithLabelValues("fails", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MatcherRuns.WithLabelValues("works", "ok")))
}

func askMatchers(t *testing.T, r *Registry, opts ...MatcherOption) *Matcher {
	ask := register(t, r, "ask", func(c *Context) error {
		c.ReplyText("name?")
		c.ContinueWith(func(c *Context) error {
			c.ReplyText("hi %s", c.Event.PlainText())
			return nil
		})
		return nil
	}, append([]MatcherOption{WithCommands([]string{"ask"}), WithPriority(0)}, opts...)...)
	register(t, r, "always", replier("b"), WithPriority(1))
	return ask
}

func TestDispatcher_ContinuationRunsFirst(t *testing.T) {
	d, r, sessions := newTestDispatcher(t, DispatcherConfig{})
	askMatchers(t, r)

	assert.Equal(t, []string{"name?", "b"}, replies(dispatchText(t, d, "/ask")))

	res := dispatchText(t, d, "alice")
	assert.True(t, res.Continued)
	assert.Equal(t, []string{"hi alice"}, replies(res), "block policy skips normal matching")
	require.Len(t, res.Reports, 1)
	assert.True(t, res.Reports[0].Continuation)

	res = dispatchText(t, d, "again")
	assert.False(t, res.Continued)
	assert.Equal(t, []string{"b"}, replies(res))
	assert.Equal(t, 1, sessions.Len())
}

func TestDispatcher_ContinuationFallThrough(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{ContinuationPolicy: ContinuationFallThrough})
	askMatchers(t, r)

	dispatchText(t, d, "/ask")
	res := dispatchText(t, d, "alice")
	assert.True(t, res.Continued)
	assert.Equal(t, []string{"hi alice", "b"}, replies(res))
}

func TestDispatcher_ContinuationOnlyForSameUser(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	askMatchers(t, r)
	dispatchText(t, d, "/ask")

	other := textEvent("bob")
	other.UserID = "u2"
	res, err := d.Dispatch(context.Background(), *other)
	require.NoError(t, err)
	assert.False(t, res.Continued)
	assert.Equal(t, []string{"b"}, replies(res))

	res = dispatchText(t, d, "alice")
	assert.True(t, res.Continued, "continuation is still pending for the original user")
}

func TestDispatcher_ContinuationExpires(t *testing.T) {
	clock := newFakeClock()
	d, r, _ := newTestDispatcher(t, DispatcherConfig{ContinuationTTL: time.Minute})
	d.now = clock.Now
	askMatchers(t, r)

	dispatchText(t, d, "/ask")
	clock.Advance(2 * time.Minute)

	res := dispatchText(t, d, "alice")
	assert.False(t, res.Continued)
	assert.Equal(t, []string{"b"}, replies(res))
}

func TestDispatcher_ContinuationOfUnregisteredMatcherIsDropped(t *testing.T) {
	d, r, sessions := newTestDispatcher(t, DispatcherConfig{})
	ask := askMatchers(t, r)

	dispatchText(t, d, "/ask")
	require.True(t, r.Unregister(ask.ID()))

	res := dispatchText(t, d, "alice")
	assert.False(t, res.Continued)
	assert.Equal(t, []string{"b"}, replies(res))

	lease, err := sessions.Acquire(context.Background(), textEvent("x").Key())
	require.NoError(t, err)
	defer lease.Release()
	assert.False(t, lease.Session.Awaiting(), "pending continuation is discarded")
}

func TestDispatcher_ContinuationOfExpiredMatcherIsDropped(t *testing.T) {
	clock := newFakeClock()
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	d.now = clock.Now
	askMatchers(t, r, WithExpire(clock.Now().Add(time.Second)))

	assert.Equal(t, []string{"name?", "b"}, replies(dispatchText(t, d, "/ask")))
	clock.Advance(time.Minute)

	res := dispatchText(t, d, "alice")
	assert.False(t, res.Continued)
	assert.Equal(t, []string{"b"}, replies(res))
}

func TestDispatcher_ContinueForAnyone(t *testing.T) {
	clock := newFakeClock()
	d, r, _ := newTestDispatcher(t, DispatcherConfig{ContinuationTTL: time.Second})
	d.now = clock.Now
	register(t, r, "vote", func(c *Context) error {
		c.ContinueFor(replier("counted"), Everyone(), time.Hour)
		return nil
	}, WithCommands([]string{"vote"}))

	dispatchText(t, d, "/vote")
	clock.Advance(time.Minute)

	other := textEvent("yes")
	other.UserID = "u9"
	res, err := d.Dispatch(context.Background(), *other)
	require.NoError(t, err)
	assert.True(t, res.Continued, "explicit ttl overrides the default")
	assert.Equal(t, []string{"counted"}, replies(res))
}

func TestDispatcher_SessionStateAndFinish(t *testing.T) {
	d, r, sessions := newTestDispatcher(t, DispatcherConfig{})
	register(t, r, "count", func(c *Context) error {
		n, _ := c.Session.Get("n")
		count, _ := n.(int)
		c.Session.Set("n", count+1)
		c.ReplyText("%d", count+1)
		return nil
	}, WithCommands([]string{"count"}))
	register(t, r, "reset", func(c *Context) error {
		c.Finish()
		return nil
	}, WithCommands([]string{"reset"}))

	dispatchText(t, d, "/count")
	assert.Equal(t, []string{"2"}, replies(dispatchText(t, d, "/count")))

	dispatchText(t, d, "/reset")
	assert.Zero(t, sessions.Len(), "finished session is deleted")
	assert.Equal(t, []string{"1"}, replies(dispatchText(t, d, "/count")))
}

func TestDispatcher_Preprocessors(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	ran := 0
	register(t, r, "any", func(*Context) error { ran++; return nil })

	d.Use(func(_ context.Context, ev Event) (Event, error) {
		if ev.PlainText() == "spam" {
			return ev, fmt.Errorf("blocked word: %w", ErrIgnored)
		}
		if ev.PlainText() == "broken" {
			return ev, errors.New("preprocessor crashed")
		}
		return ev, nil
	})

	res, err := d.Dispatch(context.Background(), *textEvent("spam"))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	res, err = d.Dispatch(context.Background(), *textEvent("broken"))
	assert.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Ignored)
	assert.Zero(t, ran)

	dispatchText(t, d, "fine")
	assert.Equal(t, 1, ran)
}

func TestDispatcher_MentionThenCommand(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	d.Use(MentionPreprocessor())
	register(t, r, "ping", replier("pong"), WithCommands([]string{"ping"}), WithRule(ToMe()))

	ev := textEvent("")
	ev.SelfID = "bot"
	ev.Message = Message{Mention("bot"), Text(" /ping")}
	res, err := d.Dispatch(context.Background(), *ev)
	require.NoError(t, err)
	assert.True(t, res.Event.ToMe)
	assert.Equal(t, []string{"pong"}, replies(res))
}

func TestDispatcher_CommandSeparatorAndArgs(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{CommandSeparator: "."})
	var got CommandMatch
	register(t, r, "remind list", func(c *Context) error {
		got = c.Command
		return nil
	}, WithCommands([]string{"remind", "list"}))

	dispatchText(t, d, "/remind.list all")
	assert.Equal(t, "/", got.Start)
	assert.Equal(t, []string{"remind", "list"}, got.Path)
	assert.Equal(t, []string{"all"}, got.Args)
	assert.Equal(t, "all", got.ArgText())
}

func TestDispatcher_CancelledTurnStopsBetweenGroups(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	register(t, r, "first", func(c *Context) error {
		cancel()
		c.ReplyText("first")
		return nil
	}, WithPriority(0))
	register(t, r, "second", replier("second"), WithPriority(1))

	res, err := d.Dispatch(ctx, *textEvent("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, replies(res))
	assert.ErrorIs(t, res.Aborted, context.Canceled)
}

func TestDispatcher_SendUsesDeliverer(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	rec := &recordingDeliverer{}
	d.SetDeliverer(rec)

	register(t, r, "typing", func(c *Context) error {
		if err := c.Send(NewMessage("typing...")); err != nil {
			return err
		}
		c.ReplyText("done")
		return nil
	})

	res := dispatchText(t, d, "hi")
	assert.Equal(t, []string{"done"}, replies(res))
	sent := rec.Actions()
	require.Len(t, sent, 1)
	assert.Equal(t, ActionSend, sent[0].Type)
	assert.Equal(t, "typing...", sent[0].Message.PlainText())
}

func TestDispatcher_EventTypeFilter(t *testing.T) {
	d, r, _ := newTestDispatcher(t, DispatcherConfig{})
	register(t, r, "notices", replier("notice"), WithType(EventTypeNotice))
	register(t, r, "messages", replier("message"), WithType(EventTypeMessage))

	ev := textEvent("")
	ev.Type = EventTypeNotice
	ev.Message = nil
	res, err := d.Dispatch(context.Background(), *ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"notice"}, replies(res))
}
