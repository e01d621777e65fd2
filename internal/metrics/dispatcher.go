// Package metrics 收集送出訊息的統計並保存房間結果。
//
// 房間管線在每次送出訊息後呼叫 Dispatcher.Notify；Notify 永遠不會阻塞，
// 緩衝區滿時事件被丟棄並計數。背景 worker 以批次把事件交給各個 Recorder
// （NATS、Redis），房間結束時的結果交給 ResultStore（PostgreSQL）。
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event 一則送出訊息的統計
type Event struct {
	Type     string `json:"type"`
	Size     int    `json:"size"`
	PlayerID int64  `json:"player_id"`
	RoomID   int64  `json:"room_id"`
}

// Score 玩家最終分數
type Score struct {
	PlayerID int64  `json:"player_id"`
	Name     string `json:"name"`
	Rule     string `json:"rule"`
	Points   int64  `json:"points"`
}

// RoomResult 房間結束時的結果
type RoomResult struct {
	RoomID    int64     `json:"room_id"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Ticks     uint64    `json:"ticks"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Scores    []Score   `json:"scores"`
}

// Recorder 接收一批訊息事件
type Recorder interface {
	Record(ctx context.Context, events []Event) error
}

// ResultStore 保存房間結果
type ResultStore interface {
	SaveResult(ctx context.Context, result RoomResult) error
}

// DispatcherConfig 分派器參數
type DispatcherConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultDispatcherConfig 預設參數
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:    4096,
		BatchSize:     256,
		FlushInterval: time.Second,
		WriteTimeout:  3 * time.Second,
	}
}

// DispatcherStats 分派器統計
type DispatcherStats struct {
	Queued   int    `json:"queued"`
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Results  uint64 `json:"results"`
	Failures uint64 `json:"failures"`
}

// Dispatcher 非阻塞的事件分派器
type Dispatcher struct {
	cfg       DispatcherConfig
	events    chan Event
	results   chan RoomResult
	recorders []Recorder
	stores    []ResultStore
	logger    *slog.Logger

	recorded atomic.Uint64
	dropped  atomic.Uint64
	saved    atomic.Uint64
	failures atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher 建立分派器並啟動背景 worker
func NewDispatcher(cfg DispatcherConfig, recorders []Recorder, stores []ResultStore, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	d := &Dispatcher{
		cfg:       cfg,
		events:    make(chan Event, cfg.BufferSize),
		results:   make(chan RoomResult, 64),
		recorders: recorders,
		stores:    stores,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.worker()
	return d
}

// Notify 加入事件，緩衝區滿或已停止時丟棄
func (d *Dispatcher) Notify(event Event) {
	select {
	case <-d.stopCh:
		d.dropped.Add(1)
		return
	default:
	}

	select {
	case d.events <- event:
	default:
		d.dropped.Add(1)
	}
}

// RecordResult 加入房間結果，緩衝區滿時丟棄並記錄
func (d *Dispatcher) RecordResult(result RoomResult) {
	select {
	case <-d.stopCh:
		return
	default:
	}

	select {
	case d.results <- result:
	default:
		d.failures.Add(1)
		d.logger.Warn("房間結果緩衝區已滿，丟棄", "room_id", result.RoomID)
	}
}

// Stats 返回統計
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:   len(d.events),
		Recorded: d.recorded.Load(),
		Dropped:  d.dropped.Load(),
		Results:  d.saved.Load(),
		Failures: d.failures.Load(),
	}
}

// Stop 停止 worker，剩餘的事件會在退出前寫出
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// worker 批次寫出事件：達到批次大小或定時器觸發時刷新
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.record(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-d.events:
			batch = append(batch, event)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}

		case result := <-d.results:
			d.save(result)

		case <-ticker.C:
			flush()

		case <-d.stopCh:
			// 取出剩餘內容後退出
			for {
				select {
				case event := <-d.events:
					batch = append(batch, event)
				case result := <-d.results:
					d.save(result)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) record(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	for _, r := range d.recorders {
		if err := r.Record(ctx, batch); err != nil {
			d.failures.Add(1)
			d.logger.Error("寫出訊息統計失敗", "events", len(batch), "error", err)
		}
	}
	d.recorded.Add(uint64(len(batch)))
}

func (d *Dispatcher) save(result RoomResult) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	saved := false
	for _, s := range d.stores {
		if err := s.SaveResult(ctx, result); err != nil {
			d.failures.Add(1)
			d.logger.Error("保存房間結果失敗", "room_id", result.RoomID, "error", err)
			continue
		}
		saved = true
	}
	// 至少一個儲存成功才計入
	if saved {
		d.saved.Add(1)
	}
}
