package infra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qftrade.com/internal/constants"
	"qftrade.com/internal/event"
)

// 默认转发给外部看板的事件面
var defaultForwardPatterns = []string{
	"order.",
	"risk.",
	"strategy.",
	"position.",
	"account.",
	"gateway.",
	"engine.",
}

// Forwarder 把总线事件转发到 redis pub/sub，供看板等外部进程消费。
// 行情原始 tick 量太大，默认不转发。
type Forwarder struct {
	log    *zap.Logger
	client *redis.Client
	subs   []*event.Subscription
	bus    *event.Bus
}

// NewForwarder 在总线上挂异步订阅，事件序列化成 JSON 发往
// "engine.<事件类型>" 频道
func NewForwarder(bus *event.Bus, client *redis.Client, patterns []string, log *zap.Logger) *Forwarder {
	if len(patterns) == 0 {
		patterns = defaultForwardPatterns
	}
	f := &Forwarder{log: log.Named("forwarder"), client: client, bus: bus}
	for _, pattern := range patterns {
		f.subs = append(f.subs, bus.Subscribe(pattern, f.forward, event.Async()))
	}
	return f
}

func (f *Forwarder) forward(ev event.Event) {
	payload, err := json.Marshal(map[string]any{
		"type":      ev.Type,
		"source":    ev.Source,
		"data":      ev.Data,
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		f.log.Warn("marshal event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.client.Publish(ctx, constants.RedisChannelPrefix+ev.Type, payload).Err(); err != nil {
		f.log.Warn("publish to redis failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// Close 摘掉总线订阅
func (f *Forwarder) Close() {
	for _, sub := range f.subs {
		f.bus.Unsubscribe(sub)
	}
}
