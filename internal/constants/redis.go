package constants

// Redis Pub/Sub 频道
const (
	// RedisChannelPrefix 引擎事件转发频道前缀，完整频道为 prefix + 事件类型，
	// 如 "engine.order.filled"。外部看板订阅 "engine.*"。
	RedisChannelPrefix = "engine."
)
