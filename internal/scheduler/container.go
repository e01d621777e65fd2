package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Container 一個 goroutine 與它擁有的房間
//
// 房間一旦放入就不會移動到其他 Container。goroutine 在擁有零個房間時自行結束，
// 之後 tryAdd 一律拒絕，由 Scheduler 建立新的 Container。
type Container struct {
	id       int
	capacity int
	interval time.Duration
	logger   *slog.Logger
	onEvict  func(Room)

	mu      sync.Mutex
	rooms   []Room
	stopped bool

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newContainer(id, capacity int, interval time.Duration, onEvict func(Room), logger *slog.Logger) *Container {
	return &Container{
		id:       id,
		capacity: capacity,
		interval: interval,
		logger:   logger.With("container", id),
		onEvict:  onEvict,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID 返回 Container 編號
func (c *Container) ID() int { return c.id }

// Done 在 goroutine 結束後關閉
func (c *Container) Done() <-chan struct{} { return c.done }

// RoomCount 返回目前擁有的房間數
func (c *Container) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Stopped 檢查 goroutine 是否已經（或正在）結束
func (c *Container) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// tryAdd 在容量允許且尚未停止時加入房間
func (c *Container) tryAdd(r Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || len(c.rooms) >= c.capacity {
		return false
	}
	c.rooms = append(c.rooms, r)
	return true
}

func (c *Container) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// run Container 主迴圈
//
// 每一輪：
//  1. 斷開已到期房間的玩家並把房間標記為 Removed
//  2. 驅逐所有 Removed 房間，沒有房間時結束
//  3. 推進每個房間（單一房間的失敗不影響其他房間）
//  4. 睡到下一個 tick 邊界
func (c *Container) run() {
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		start := time.Now()

		rooms, alive := c.evict()
		if !alive {
			c.logger.Debug("Container 已無房間，結束")
			return
		}

		for _, r := range rooms {
			if r.State() != game.StateActive {
				continue
			}
			if err := c.tick(ctx, r); err != nil {
				c.logger.Error("房間推進失敗，強制移除", "room_id", r.ID(), "error", err)
				r.ForceRemove()
			}
		}

		wait := c.interval - time.Since(start)
		if wait <= 0 {
			c.logger.Warn("tick 超時", "elapsed", time.Since(start), "rooms", len(rooms))
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

// evict 結束到期房間並移除 Removed 房間，返回剩餘房間；沒有房間時把 Container 標記為停止
func (c *Container) evict() ([]Room, bool) {
	c.mu.Lock()
	rooms := append([]Room(nil), c.rooms...)
	c.mu.Unlock()

	evicted := make(map[int64]Room)
	for _, r := range rooms {
		if r.State() == game.StateExpiredPendingRemoval {
			c.finalize(r, ReasonExpired)
		}
		if r.State() == game.StateRemoved {
			evicted[r.ID()] = r
		}
	}

	c.mu.Lock()
	if len(evicted) > 0 {
		kept := c.rooms[:0]
		for _, r := range c.rooms {
			if _, gone := evicted[r.ID()]; !gone {
				kept = append(kept, r)
			}
		}
		clear(c.rooms[len(kept):])
		c.rooms = kept
	}
	remaining := append([]Room(nil), c.rooms...)
	if len(remaining) == 0 {
		c.stopped = true
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if _, gone := evicted[r.ID()]; gone {
			c.release(r)
		}
	}
	return remaining, len(remaining) > 0
}

// shutdown 結束所有房間後停止
func (c *Container) shutdown() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = nil
	c.stopped = true
	c.mu.Unlock()

	for _, r := range rooms {
		if r.State() != game.StateRemoved {
			c.finalize(r, ReasonShutdown)
		}
		c.release(r)
	}
}

func (c *Container) release(r Room) {
	c.logger.Info("驅逐房間", "room_id", r.ID())
	if c.onEvict != nil {
		c.onEvict(r)
	}
}

// finalize 斷開玩家，失敗時仍強制移除
func (c *Container) finalize(r Room, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("結束房間時發生 panic", "room_id", r.ID(), "panic", rec)
			r.ForceRemove()
		}
	}()
	r.Finalize(reason)
}

func (c *Container) tick(ctx context.Context, r Room) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.ErrRoomFault.WithDetails(fmt.Sprint(rec))
		}
	}()
	return r.Tick(ctx)
}
