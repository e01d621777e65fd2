// Package lobby 負責配對：把玩家放進有空位的房間，並提供房間查詢的 HTTP API。
package lobby

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/internal/scheduler"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// IDGenerator 產生單調遞增的 ID
type IDGenerator interface {
	Next() (int64, error)
}

// ResultRecorder 接收房間結束時的結果
type ResultRecorder interface {
	RecordResult(result metrics.RoomResult)
}

const maxNameLength = 32

// Manager 房間配對管理器
type Manager struct {
	cfg       game.Config
	scheduler *scheduler.Scheduler
	ids       IDGenerator
	sink      game.Sink
	notifier  game.Notifier
	results   ResultRecorder
	logger    *slog.Logger

	mu      sync.RWMutex
	rooms   map[int64]*game.Pipeline
	order   []int64         // 建立順序
	players map[int64]int64 // playerID → roomID
}

// NewManager 建立管理器與其排程器
//
// notifier 與 results 可以為 nil。
func NewManager(
	cfg game.Config,
	schedCfg scheduler.Config,
	ids IDGenerator,
	sink game.Sink,
	notifier game.Notifier,
	results ResultRecorder,
	logger *slog.Logger,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		ids:      ids,
		sink:     sink,
		notifier: notifier,
		results:  results,
		logger:   logger,
		rooms:    make(map[int64]*game.Pipeline),
		players:  make(map[int64]int64),
	}
	m.scheduler = scheduler.New(schedCfg, m.evicted, logger)
	return m, nil
}

// Scheduler 返回排程器
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

// Join 讓玩家加入最新一個有空位的房間，沒有空位時建立新房間
func (m *Manager) Join(ctx context.Context, playerID int64, name, ruleName string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "player-" + strconv.FormatInt(playerID, 10)
	}
	if len(name) > maxNameLength {
		return 0, errors.New(errors.ErrCodeInvalidInput, "name too long")
	}
	if strings.TrimSpace(ruleName) == "" {
		ruleName = rule.Default
	}
	rl, err := rule.Lookup(ruleName)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if _, seated := m.players[playerID]; seated {
		m.mu.Unlock()
		return 0, errors.ErrPlayerExists
	}

	p := m.openRoom()
	if p == nil {
		p, err = m.createRoom()
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	roomID := p.ID()
	m.players[playerID] = roomID
	m.mu.Unlock()

	player := game.Player{ID: playerID, Name: name, Rule: rl.Name(), JoinedAt: time.Now()}
	if err := m.scheduler.RouteJoin(player, roomID); err != nil {
		p.Room().Release()
		m.mu.Lock()
		delete(m.players, playerID)
		m.mu.Unlock()
		return 0, err
	}

	m.logger.InfoContext(ctx, "玩家配對完成", "player_id", playerID, "room_id", roomID, "rule", rl.Name())
	return roomID, nil
}

// openRoom 從最新的房間開始找可保留座位的房間（呼叫者持有 m.mu）
func (m *Manager) openRoom() *game.Pipeline {
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.rooms[m.order[i]]
		if p != nil && p.Room().Reserve() {
			return p
		}
	}
	return nil
}

// createRoom 建立房間、保留一個座位並交給排程器（呼叫者持有 m.mu）
func (m *Manager) createRoom() (*game.Pipeline, error) {
	id, err := m.ids.Next()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "generate room id")
	}

	p, err := game.NewPipeline(id, m.cfg, m.sink, m.notifier, m.logger)
	if err != nil {
		return nil, err
	}
	p.Room().Reserve()

	if !m.scheduler.AddRoom(p) {
		return nil, errors.New(errors.ErrCodeUnavailable, "scheduler is not accepting rooms")
	}
	m.rooms[id] = p
	m.order = append(m.order, id)

	m.logger.Info("建立房間", "room_id", id)
	return p, nil
}

// Leave 讓玩家離開所在房間
func (m *Manager) Leave(playerID int64) error {
	m.mu.Lock()
	roomID, ok := m.players[playerID]
	delete(m.players, playerID)
	m.mu.Unlock()

	if !ok {
		return errors.ErrPlayerNotFound
	}
	// 房間已結束或 Container 已停止時不需要離開請求
	err := m.scheduler.RouteLeave(playerID, roomID)
	switch {
	case err == nil, errors.IsNotFound(err), errors.Is(err, errors.ErrContainerStopped):
		return nil
	default:
		m.logger.Error("離開請求遺失", "player_id", playerID, "room_id", roomID, "error", err)
		return err
	}
}

// RouteInput 把玩家命令交給其房間
func (m *Manager) RouteInput(playerID int64, cmd codec.Command) error {
	m.mu.RLock()
	roomID, ok := m.players[playerID]
	m.mu.RUnlock()

	if !ok {
		return errors.ErrPlayerNotFound
	}
	return m.scheduler.RouteInput(cmd, playerID, roomID)
}

// PlayerRoom 返回玩家所在的房間
func (m *Manager) PlayerRoom(playerID int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID, ok := m.players[playerID]
	return roomID, ok
}

// EndRoom 提前結束房間，房間會在下一輪被所屬 Container 結束並移除
func (m *Manager) EndRoom(roomID int64) error {
	m.mu.RLock()
	p, ok := m.rooms[roomID]
	m.mu.RUnlock()

	if !ok {
		return errors.ErrRoomNotFound
	}
	if !p.End() {
		m.logger.Debug("房間已在結束中", "room_id", roomID)
	}
	return nil
}

// Room 返回房間快照
func (m *Manager) Room(roomID int64) (game.Info, error) {
	m.mu.RLock()
	p, ok := m.rooms[roomID]
	m.mu.RUnlock()

	if !ok {
		return game.Info{}, errors.ErrRoomNotFound
	}
	return p.Room().Snapshot(), nil
}

// Rooms 返回所有房間快照（依 ID 排序）
func (m *Manager) Rooms() []game.Info {
	m.mu.RLock()
	pipelines := make([]*game.Pipeline, 0, len(m.rooms))
	for _, p := range m.rooms {
		pipelines = append(pipelines, p)
	}
	m.mu.RUnlock()

	infos := make([]game.Info, 0, len(pipelines))
	for _, p := range pipelines {
		infos = append(infos, p.Room().Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// evicted 房間被 Container 驅逐後移除並記錄結果
func (m *Manager) evicted(r scheduler.Room) {
	m.mu.Lock()
	p, ok := m.rooms[r.ID()]
	delete(m.rooms, r.ID())
	for i, id := range m.order {
		if id == r.ID() {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	var orphans []int64
	for playerID, roomID := range m.players {
		if roomID == r.ID() {
			delete(m.players, playerID)
			orphans = append(orphans, playerID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	result := resultOf(p.Room())
	// 在房間結束後才送達的加入請求不會被 Finalize 斷開
	for _, id := range orphans {
		m.sink.Disconnect(id, result.Reason)
	}
	m.logger.Info("房間結束", "room_id", result.RoomID, "reason", result.Reason, "ticks", result.Ticks)
	if m.results != nil {
		m.results.RecordResult(result)
	}
}

func resultOf(room *game.Room) metrics.RoomResult {
	info := room.Snapshot()
	scores := make([]metrics.Score, 0, len(info.Players))
	for _, p := range info.Players {
		if p.ID == game.BackgroundID {
			continue
		}
		scores = append(scores, metrics.Score{
			PlayerID: p.ID,
			Name:     p.Name,
			Rule:     p.Rule,
			Points:   p.Points,
		})
	}
	return metrics.RoomResult{
		RoomID:    info.ID,
		Width:     info.Width,
		Height:    info.Height,
		Ticks:     info.Tick,
		Reason:    room.CloseReason(),
		StartedAt: info.CreatedAt,
		EndedAt:   time.Now(),
		Scores:    scores,
	}
}

// Stats 返回統計
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	totalRooms := len(m.rooms)
	totalPlayers := len(m.players)
	m.mu.RUnlock()

	return map[string]any{
		"total_rooms":   totalRooms,
		"total_players": totalPlayers,
		"scheduler":     m.scheduler.Stats(),
	}
}

// Stop 停止排程器，所有房間會被結束並記錄結果
func (m *Manager) Stop() {
	m.scheduler.Stop()
}
