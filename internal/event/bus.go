package event

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"qftrade.com/internal/constants"
	"qftrade.com/internal/domain"
)

// 事件优先级桶
const (
	PriorityNormal = 0
	PriorityTimer  = 1

	numPriorities = 2
)

// Event 表示系统中的一个事件，发布后不可变
type Event struct {
	Type      string      // 事件类型，层级式字符串，如 "order.filled"
	Source    string      // 事件来源
	Data      interface{} // 事件数据
	Priority  int         // 异步投递所用的优先级桶
	Timestamp time.Time   // 时间戳
}

// Handler 事件处理函数
type Handler func(Event)

// Subscription 一次订阅的句柄，用于退订
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
	async   bool
}

// SubscribeOption 订阅选项
type SubscribeOption func(*Subscription)

// Async 将处理器注册到异步通道：由工作协程池在发布者调用栈之外执行
func Async() SubscribeOption {
	return func(s *Subscription) { s.async = true }
}

// Config 总线配置
type Config struct {
	QueueSize      int           `mapstructure:"queue_size"`       // normal 桶队列容量
	TimerQueueSize int           `mapstructure:"timer_queue_size"` // timer 桶队列容量
	Workers        int           `mapstructure:"workers"`          // 异步工作协程数
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`  // 队列满时发布方最长阻塞时间
	TimerInterval  time.Duration `mapstructure:"timer_interval"`   // 定时事件间隔，<=0 关闭
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 10000
	}
	if out.TimerQueueSize <= 0 {
		out.TimerQueueSize = 16
	}
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 100 * time.Millisecond
	}
	return out
}

// Stats 总线运行计数快照
type Stats struct {
	Published     map[string]uint64 `json:"published"`
	Dispatched    map[string]uint64 `json:"dispatched"`
	Dropped       map[string]uint64 `json:"dropped"`
	HandlerErrors map[string]uint64 `json:"handler_errors"`
	QueueDepth    []int             `json:"queue_depth"`
	Subscriptions int               `json:"subscriptions"`
}

// Bus 事件总线，同步/异步双通道
//
// 同步处理器在发布者调用栈上内联执行，用于低延迟的信号链。
// 异步处理器由固定大小的工作协程池消费执行：每个优先级桶按工作协程
// 分片，事件按类型哈希固定落到一个分片，单个事件类型始终由同一个
// 协程串行分发，保证同类型事件按发布顺序送达（单合约 tick 不乱序）。
// 订阅支持精确类型或以 '.' 结尾的前缀匹配；同一事件对多个订阅者的
// 分发顺序为注册顺序。
type Bus struct {
	log *zap.Logger

	subMu  sync.RWMutex
	subs   []*Subscription
	nextID uint64

	queues [numPriorities][]chan Event

	cfg    Config
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu       sync.Mutex
	published     map[string]uint64
	dispatched    map[string]uint64
	dropped       map[string]uint64
	handlerErrors map[string]uint64
}

// NewBus 创建事件总线，需调用 Start 后才会消费异步队列
func NewBus(cfg Config, log *zap.Logger) *Bus {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:           log.Named("bus"),
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		published:     make(map[string]uint64),
		dispatched:    make(map[string]uint64),
		dropped:       make(map[string]uint64),
		handlerErrors: make(map[string]uint64),
	}
	shardCap := (cfg.QueueSize + cfg.Workers - 1) / cfg.Workers
	for i := 0; i < cfg.Workers; i++ {
		b.queues[PriorityNormal] = append(b.queues[PriorityNormal], make(chan Event, shardCap))
		b.queues[PriorityTimer] = append(b.queues[PriorityTimer], make(chan Event, cfg.TimerQueueSize))
	}
	return b
}

// Start 启动异步工作协程池和内置定时器
func (b *Bus) Start() {
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	if b.cfg.TimerInterval > 0 {
		b.wg.Add(1)
		go b.runTimer()
	}
	b.log.Info("event bus started",
		zap.Int("workers", b.cfg.Workers),
		zap.Int("queue_size", b.cfg.QueueSize))
}

// Subscribe 订阅事件。pattern 为精确类型或以 '.' 结尾的前缀。
// 默认注册为同步处理器，传入 Async() 注册到异步通道。
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{pattern: pattern, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}

	b.subMu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()

	b.log.Debug("subscribed", zap.String("pattern", pattern), zap.Bool("async", sub.async))
	return sub
}

// Unsubscribe 退订
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish 发布事件。
// 匹配的同步处理器在返回前内联执行；存在匹配的异步处理器时，事件进入
// 其优先级桶的有界队列。队列满时最多阻塞 PublishTimeout，随后返回
// ErrQueueFull——tick 场景的调用方应把它当作丢弃加计数，而非致命错误。
func (b *Bus) Publish(ev Event) error {
	if b.closed.Load() {
		return domain.ErrBusClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.count(b.published, ev.Type)

	syncHandlers, hasAsync := b.matchSplit(ev.Type)
	for _, h := range syncHandlers {
		b.invoke(h, ev)
	}
	if !hasAsync {
		return nil
	}

	q := b.queue(ev)
	select {
	case q <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case q <- ev:
		return nil
	case <-timer.C:
		b.count(b.dropped, ev.Type)
		return fmt.Errorf("%w: %s", domain.ErrQueueFull, ev.Type)
	}
}

// Stop 停止总线：不再接受新发布，在 drainTimeout 内排空异步队列，
// 超时后取消剩余任务。进行中的同步分发本就在发布者栈上完成。
func (b *Bus) Stop(drainTimeout time.Duration) {
	if b.closed.Swap(true) {
		return
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if b.pending() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	remaining := b.pending()
	b.cancel()
	b.wg.Wait()
	if remaining > 0 {
		b.log.Warn("event bus stopped with undrained events", zap.Int("remaining", remaining))
	} else {
		b.log.Info("event bus stopped")
	}
}

// Stats 返回计数快照
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.subMu.RLock()
	subCount := len(b.subs)
	b.subMu.RUnlock()

	return Stats{
		Published:     copyCounts(b.published),
		Dispatched:    copyCounts(b.dispatched),
		Dropped:       copyCounts(b.dropped),
		HandlerErrors: copyCounts(b.handlerErrors),
		QueueDepth:    []int{b.depth(PriorityNormal), b.depth(PriorityTimer)},
		Subscriptions: subCount,
	}
}

// worker 只消费自己的分片，分片内按入队顺序串行分发
func (b *Bus) worker(shard int) {
	defer b.wg.Done()
	timerQ := b.queues[PriorityTimer][shard]
	normalQ := b.queues[PriorityNormal][shard]
	for {
		// timer 桶优先，避免被行情洪峰饿死
		select {
		case <-b.ctx.Done():
			return
		case ev := <-timerQ:
			b.dispatchAsync(ev)
			continue
		default:
		}

		select {
		case <-b.ctx.Done():
			return
		case ev := <-timerQ:
			b.dispatchAsync(ev)
		case ev := <-normalQ:
			b.dispatchAsync(ev)
		}
	}
}

func (b *Bus) runTimer() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-ticker.C:
			// 定时事件丢了就丢了，下一跳会补上
			_ = b.Publish(Event{
				Type:      constants.EventTimer,
				Source:    "bus",
				Priority:  PriorityTimer,
				Timestamp: now,
			})
		}
	}
}

func (b *Bus) dispatchAsync(ev Event) {
	b.subMu.RLock()
	var handlers []Handler
	for _, s := range b.subs {
		if s.async && matches(s.pattern, ev.Type) {
			handlers = append(handlers, s.handler)
		}
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

// matchSplit 返回匹配的同步处理器（注册顺序）及是否存在异步订阅者
func (b *Bus) matchSplit(eventType string) ([]Handler, bool) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var syncHandlers []Handler
	hasAsync := false
	for _, s := range b.subs {
		if !matches(s.pattern, eventType) {
			continue
		}
		if s.async {
			hasAsync = true
		} else {
			syncHandlers = append(syncHandlers, s.handler)
		}
	}
	return syncHandlers, hasAsync
}

// invoke 调用处理器并吸收 panic：处理器故障不得影响发布者或其他订阅者
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.count(b.handlerErrors, ev.Type)
			b.log.Error("event handler panic",
				zap.String("type", ev.Type),
				zap.Any("panic", r))
		}
	}()
	h(ev)
	b.count(b.dispatched, ev.Type)
}

// queue 按事件类型哈希选分片，同类型事件永远进同一条队列
func (b *Bus) queue(ev Event) chan Event {
	p := ev.Priority
	if p < 0 || p >= numPriorities {
		p = PriorityNormal
	}
	h := fnv.New32a()
	h.Write([]byte(ev.Type))
	return b.queues[p][int(h.Sum32())%b.cfg.Workers]
}

func (b *Bus) depth(priority int) int {
	n := 0
	for _, q := range b.queues[priority] {
		n += len(q)
	}
	return n
}

func (b *Bus) pending() int {
	return b.depth(PriorityNormal) + b.depth(PriorityTimer)
}

func (b *Bus) count(m map[string]uint64, eventType string) {
	b.statsMu.Lock()
	m[eventType]++
	b.statsMu.Unlock()
}

func matches(pattern, eventType string) bool {
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(eventType, pattern)
	}
	return pattern == eventType
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
