package data

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"qftrade.com/internal/model"
)

const flushAttempts = 3

// Persister 行情批量落库。
// tick 和 bar 先进内存缓冲，按时间间隔或数量阈值整批写库，
// 写失败退避重试，缓冲超限丢最旧并计数。单笔写库永远不阻塞行情路径。
type Persister struct {
	db  *gorm.DB
	log *zap.Logger

	flushInterval time.Duration
	batchSize     int
	maxPending    int

	mu      sync.Mutex
	ticks   []model.Tick
	bars    []model.Bar
	dropped uint64

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	bo   *backoff.Backoff
}

func NewPersister(db *gorm.DB, flushInterval time.Duration, batchSize, maxPending int, log *zap.Logger) *Persister {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxPending <= 0 {
		maxPending = 50000
	}
	return &Persister{
		db:            db,
		log:           log.Named("persist"),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		maxPending:    maxPending,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		bo: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
		},
	}
}

func (p *Persister) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop 停止后台协程并做最后一次刷写
func (p *Persister) Stop() {
	close(p.done)
	p.wg.Wait()
	p.flush()
}

// AddTick 缓冲一条 tick，达到批量阈值时唤醒刷写
func (p *Persister) AddTick(tick model.Tick) {
	p.mu.Lock()
	if len(p.ticks) >= p.maxPending {
		p.ticks = p.ticks[1:]
		p.dropped++
	}
	p.ticks = append(p.ticks, tick)
	full := len(p.ticks) >= p.batchSize
	p.mu.Unlock()

	if full {
		p.wake()
	}
}

// AddBar 缓冲一条 K 线
func (p *Persister) AddBar(bar model.Bar) {
	p.mu.Lock()
	if len(p.bars) >= p.maxPending {
		p.bars = p.bars[1:]
		p.dropped++
	}
	p.bars = append(p.bars, bar)
	full := len(p.bars) >= p.batchSize
	p.mu.Unlock()

	if full {
		p.wake()
	}
}

// Dropped 返回因缓冲超限被丢弃的记录数
func (p *Persister) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Persister) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Persister) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.flush()
		case <-p.kick:
			p.flush()
		}
	}
}

// flush 换出当前缓冲并整批写库，失败退避重试
func (p *Persister) flush() {
	p.mu.Lock()
	ticks := p.ticks
	bars := p.bars
	p.ticks = nil
	p.bars = nil
	p.mu.Unlock()

	if len(ticks) == 0 && len(bars) == 0 {
		return
	}

	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		err = p.db.Transaction(func(tx *gorm.DB) error {
			if len(ticks) > 0 {
				if err := tx.CreateInBatches(ticks, p.batchSize).Error; err != nil {
					return err
				}
			}
			if len(bars) > 0 {
				if err := tx.CreateInBatches(bars, p.batchSize).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			p.bo.Reset()
			p.log.Debug("flushed market data",
				zap.Int("ticks", len(ticks)), zap.Int("bars", len(bars)))
			return
		}
		if attempt < flushAttempts {
			time.Sleep(p.bo.Duration())
		}
	}

	// 重试耗尽，这批数据作废。行情数据可以容忍缺口，订单数据另有通道。
	p.mu.Lock()
	p.dropped += uint64(len(ticks) + len(bars))
	p.mu.Unlock()
	p.log.Error("flush market data failed, batch dropped",
		zap.Int("ticks", len(ticks)), zap.Int("bars", len(bars)), zap.Error(err))
}
