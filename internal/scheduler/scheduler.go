// Package scheduler 把房間分配到有限數量的 Container goroutine。
//
// 分配策略是 first-fit：依建立順序找第一個房間數低於容量的 Container，
// 都滿了就建立新的 Container。房間不會在 Container 之間移動。
//
// 連線 goroutine 透過 Route* 方法把輸入、加入與離開請求交給房間所屬的管線；
// 房間 → Container 的索引與 Container 列表由同一把鎖保護。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// 房間結束原因
const (
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Room Container 推進的房間（由 game.Pipeline 實現）
type Room interface {
	ID() int64
	State() game.State
	Tick(ctx context.Context) error
	Finalize(reason string)
	ForceRemove()
	PushInput(playerID int64, cmd codec.Command) error
	PushJoin(player game.Player) error
	PushLeave(playerID int64) error
}

// Config 排程器參數
type Config struct {
	Capacity      int           // 每個 Container 最多擁有的房間數
	TickInterval  time.Duration // 每個 Container 的推進週期
	SweepInterval time.Duration // 回收已停止 Container 的週期
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		Capacity:      16,
		TickInterval:  100 * time.Millisecond,
		SweepInterval: 30 * time.Second,
	}
}

type entry struct {
	room      Room
	container *Container
}

// Scheduler 房間排程器
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	onEvict func(Room)

	mu         sync.Mutex
	containers []*Container
	index      map[int64]entry
	nextID     int
	stopped    bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 建立排程器並啟動回收迴圈，onEvict 在房間被驅逐後於其 Container goroutine 上呼叫
func New(cfg Config, onEvict func(Room), logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	s := &Scheduler{
		cfg:     cfg,
		logger:  logger,
		onEvict: onEvict,
		index:   make(map[int64]entry),
		stopCh:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// AddRoom 把房間放入第一個有空位的 Container，重複加入同一房間返回 false
func (s *Scheduler) AddRoom(r Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, exists := s.index[r.ID()]; exists {
		return false
	}

	for _, c := range s.containers {
		if c.tryAdd(r) {
			s.index[r.ID()] = entry{room: r, container: c}
			return true
		}
	}

	s.nextID++
	c := newContainer(s.nextID, s.cfg.Capacity, s.cfg.TickInterval, s.evicted, s.logger)
	c.tryAdd(r)
	s.containers = append(s.containers, c)
	s.index[r.ID()] = entry{room: r, container: c}
	go c.run()

	s.logger.Debug("建立 Container", "container", c.ID(), "room_id", r.ID())
	return true
}

// Room 查找房間
func (s *Scheduler) Room(roomID int64) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[roomID]
	return e.room, ok
}

// RouteInput 把命令交給房間的輸入佇列
func (s *Scheduler) RouteInput(cmd codec.Command, playerID, roomID int64) error {
	r, err := s.route(roomID)
	if err != nil {
		s.logger.Debug("丟棄輸入", "room_id", roomID, "player_id", playerID, "error", err)
		return err
	}
	return r.PushInput(playerID, cmd)
}

// RouteJoin 把入座請求交給房間
func (s *Scheduler) RouteJoin(player game.Player, roomID int64) error {
	r, err := s.route(roomID)
	if err != nil {
		s.logger.Warn("無法加入房間", "room_id", roomID, "player_id", player.ID, "error", err)
		return err
	}
	return r.PushJoin(player)
}

// RouteLeave 把離開請求交給房間
func (s *Scheduler) RouteLeave(playerID, roomID int64) error {
	r, err := s.route(roomID)
	if err != nil {
		s.logger.Debug("丟棄離開請求", "room_id", roomID, "player_id", playerID, "error", err)
		return err
	}
	return r.PushLeave(playerID)
}

func (s *Scheduler) route(roomID int64) (Room, error) {
	s.mu.Lock()
	e, ok := s.index[roomID]
	s.mu.Unlock()

	if !ok {
		return nil, errors.ErrRoomNotFound
	}
	if e.container.Stopped() {
		return nil, errors.ErrContainerStopped
	}
	return e.room, nil
}

// evicted Container 驅逐房間後的回呼（不持有 Container 的鎖）
func (s *Scheduler) evicted(r Room) {
	s.mu.Lock()
	delete(s.index, r.ID())
	s.mu.Unlock()

	if s.onEvict != nil {
		s.onEvict(r)
	}
}

// Sweep 移除已停止的 Container，返回移除數量
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.containers[:0]
	removed := 0
	for _, c := range s.containers {
		if c.Stopped() {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	clear(s.containers[len(kept):])
	s.containers = kept

	if removed > 0 {
		s.logger.Debug("回收 Container", "removed", removed, "remaining", len(kept))
	}
	return removed
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// ContainerStats 單一 Container 的統計
type ContainerStats struct {
	ID      int  `json:"id"`
	Rooms   int  `json:"rooms"`
	Stopped bool `json:"stopped"`
}

// Stats 排程器統計
type Stats struct {
	Rooms      int              `json:"rooms"`
	Containers []ContainerStats `json:"containers"`
	Capacity   int              `json:"capacity"`
	TickMS     int64            `json:"tick_ms"`
}

// Stats 返回每個 Container 的房間數（依建立順序）
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Rooms:      len(s.index),
		Containers: make([]ContainerStats, 0, len(s.containers)),
		Capacity:   s.cfg.Capacity,
		TickMS:     s.cfg.TickInterval.Milliseconds(),
	}
	for _, c := range s.containers {
		stats.Containers = append(stats.Containers, ContainerStats{
			ID:      c.ID(),
			Rooms:   c.RoomCount(),
			Stopped: c.Stopped(),
		})
	}
	return stats
}

// Containers 返回目前的 Container（依建立順序）
func (s *Scheduler) Containers() []*Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Container(nil), s.containers...)
}

// Stop 停止所有 Container（結束其房間）與回收迴圈
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		containers := append([]*Container(nil), s.containers...)
		s.mu.Unlock()

		close(s.stopCh)
		for _, c := range containers {
			c.stop()
		}
		for _, c := range containers {
			<-c.Done()
		}
		s.wg.Wait()
	})
}
