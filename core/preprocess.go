package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Preprocessor 事件预处理器, 返回 ErrIgnored 丢弃事件.
// 修改事件前需先 Clone, 不得改动传入事件共享的消息.
type Preprocessor func(ctx context.Context, ev Event) (Event, error)

// MentionPreprocessor 私聊或开头/结尾提及机器人时设置 ToMe, 并去掉该提及
func MentionPreprocessor() Preprocessor {
	return func(_ context.Context, ev Event) (Event, error) {
		if ev.Type != EventTypeMessage {
			return ev, nil
		}
		if ev.IsPrivate() {
			ev.ToMe = true
		}
		if ev.SelfID == "" || len(ev.Message) == 0 {
			return ev, nil
		}

		isMe := func(s Segment) bool {
			return s.Type == SegmentMention && s.Get("user_id") == ev.SelfID
		}

		msg := ev.Message
		stripped := false
		if isMe(msg[0]) {
			msg = msg[1:]
			if len(msg) > 0 && msg[0].IsText() {
				msg = append(Message{Text(strings.TrimLeft(msg[0].Get("text"), " \t"))}, msg[1:]...)
			}
			stripped = true
		}
		if n := len(msg); n > 0 && isMe(msg[n-1]) {
			msg = msg[:n-1]
			if n := len(msg); n > 0 && msg[n-1].IsText() {
				msg = append(msg[:n-1:n-1], Text(strings.TrimRight(msg[n-1].Get("text"), " \t")))
			}
			stripped = true
		}
		if !stripped {
			return ev, nil
		}

		ev = ev.Clone()
		ev.ToMe = true
		ev.Message = msg.Clone().Reduce()
		return ev, nil
	}
}

// NicknamePreprocessor 以昵称开头 (大小写不敏感) 时设置 ToMe, 并去掉昵称与分隔符
func NicknamePreprocessor(names ...string) Preprocessor {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			quoted = append(quoted, regexp.QuoteMeta(n))
		}
	}
	if len(quoted) == 0 {
		return func(_ context.Context, ev Event) (Event, error) { return ev, nil }
	}
	pattern := regexp.MustCompile(`(?i)^(` + strings.Join(quoted, "|") + `)([\s,，]*|$)`)

	return func(_ context.Context, ev Event) (Event, error) {
		if ev.Type != EventTypeMessage || len(ev.Message) == 0 || !ev.Message[0].IsText() {
			return ev, nil
		}
		text := ev.Message[0].Get("text")
		loc := pattern.FindStringIndex(text)
		if loc == nil {
			return ev, nil
		}

		ev = ev.Clone()
		ev.ToMe = true
		ev.Message[0] = Text(text[loc[1]:])
		return ev, nil
	}
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimitPreprocessor 按 (适配器, 用户) 限流, 超出的消息事件被丢弃
func RateLimitPreprocessor(r rate.Limit, burst int) Preprocessor {
	const (
		pruneAbove = 4096
		idleAfter  = 10 * time.Minute
	)
	var (
		mu       sync.Mutex
		limiters = make(map[string]*limiterEntry)
	)

	return func(_ context.Context, ev Event) (Event, error) {
		if ev.Type != EventTypeMessage || ev.UserID == "" {
			return ev, nil
		}
		key := ev.Adapter + "/" + ev.UserID
		now := time.Now()

		mu.Lock()
		entry, ok := limiters[key]
		if !ok {
			if len(limiters) >= pruneAbove {
				for k, e := range limiters {
					if now.Sub(e.seen) > idleAfter {
						delete(limiters, k)
					}
				}
			}
			entry = &limiterEntry{limiter: rate.NewLimiter(r, burst)}
			limiters[key] = entry
		}
		entry.seen = now
		allowed := entry.limiter.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			return ev, fmt.Errorf("user %s rate limited: %w", ev.UserID, ErrIgnored)
		}
		return ev, nil
	}
}
