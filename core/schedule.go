package core

import (
	"context"
	"time"
)

// Every 定时构造事件并提交 (定时任务入口), 直到 ctx 取消.
// build 返回 false 时跳过本次.
func (e *Engine) Every(ctx context.Context, interval time.Duration, build func(now time.Time) (Event, bool)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ev, ok := build(now)
			if !ok {
				continue
			}
			if ev.Type == "" {
				ev.Type = EventTypeMeta
			}
			if err := e.Submit(ev); err != nil {
				e.logger.Warn("[engine] scheduled event rejected", "error", err)
			}
		}
	}
}
