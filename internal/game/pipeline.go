// Package game 實作單一房間的模擬管線。
//
// 每個 tick 依固定順序執行四個階段：
//
//	input  → 取出輸入佇列，轉交點擊與心跳
//	roster → 先處理離開再處理加入，名單變動時對所有玩家重新同步
//	advance→ 提交點擊、推進一代（名單為空時網格凍結）
//	output → 對每位玩家送出細胞、tick、剩餘時間與計分板
//
// 連線 goroutine 只會呼叫 Push* 系列方法；其他方法都在所屬 Container 的 goroutine 上執行。
package game

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/grid"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/queue"
)

// Sink 把訊息送往玩家連線
type Sink interface {
	Send(playerID int64, frame codec.Frame) error
	Disconnect(playerID int64, reason string)
}

// Notifier 接收每則送出訊息的統計事件，不得阻塞
type Notifier interface {
	Notify(event metrics.Event)
}

// Input 帶有來源玩家的命令
type Input struct {
	PlayerID int64
	Command  codec.Command
}

// Stage 管線中的一個階段
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline 房間與其輸入佇列、階段列表
type Pipeline struct {
	room     *Room
	input    *queue.Queue[Input]
	joins    *queue.Queue[Player]
	leaves   *queue.Queue[int64]
	stages   []Stage
	sink     Sink
	notifier Notifier
	logger   *slog.Logger

	rosterChanged bool
	changed       []grid.Cell
}

// NewPipeline 建立房間與管線，配置錯誤時房間不會被建立
func NewPipeline(id int64, cfg Config, sink Sink, notifier Notifier, log *slog.Logger) (*Pipeline, error) {
	room, err := NewRoom(id, cfg, rand.New(rand.NewSource(id)))
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		room:     room,
		input:    queue.New[Input](cfg.QueueCapacity),
		// 加入與離開受座位數限制，不設上限以免遺失斷線通知
		joins:    queue.New[Player](0),
		leaves:   queue.New[int64](0),
		sink:     sink,
		notifier: notifier,
		logger:   log.With("room_id", id),
	}
	p.stages = []Stage{
		{Name: "input", Run: p.inputStage},
		{Name: "roster", Run: p.rosterStage},
		{Name: "advance", Run: p.advanceStage},
		{Name: "output", Run: p.outputStage},
	}
	return p, nil
}

// ID 返回房間 ID
func (p *Pipeline) ID() int64 { return p.room.ID() }

// Room 返回房間
func (p *Pipeline) Room() *Room { return p.room }

// State 返回房間狀態
func (p *Pipeline) State() State { return p.room.State() }

// End 標記房間到期，返回是否由本次呼叫轉換狀態
func (p *Pipeline) End() bool { return p.room.End() }

// ForceRemove 強制把房間標記為 Removed
func (p *Pipeline) ForceRemove() { p.room.ForceRemove() }

// Stages 返回階段名稱（依執行順序）
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// PushInput 加入玩家命令
func (p *Pipeline) PushInput(playerID int64, cmd codec.Command) error {
	return p.input.Push(Input{PlayerID: playerID, Command: cmd})
}

// PushJoin 加入入座請求，呼叫者必須先以 Room.Reserve 取得座位
func (p *Pipeline) PushJoin(player Player) error {
	return p.joins.Push(player)
}

// PushLeave 加入離開請求
func (p *Pipeline) PushLeave(playerID int64) error {
	return p.leaves.Push(playerID)
}

// Tick 依序執行所有階段，任何階段返回錯誤即中止本 tick
func (p *Pipeline) Tick(ctx context.Context) error {
	for _, stage := range p.stages {
		if err := stage.Run(ctx); err != nil {
			p.logger.ErrorContext(ctx, "管線階段失敗", "stage", stage.Name, "error", err)
			return err
		}
	}

	if p.room.elapse(p.room.cfg.TickInterval) {
		p.logger.InfoContext(ctx, "房間到期", "tick", p.room.Tick())
	}
	return nil
}

// Finalize 通知並斷開所有玩家，之後房間為 Removed
func (p *Pipeline) Finalize(reason string) {
	frame, err := codec.EventFrame(codec.EventRoomClosed, codec.RoomClosedData{
		RoomID: p.room.ID(),
		Reason: reason,
	})
	if err != nil {
		p.logger.Error("編碼 room_closed 失敗", "error", err)
	}

	p.room.setReason(reason)
	p.room.ForceRemove()

	// 尚未入座的玩家也要斷開
	pending := p.joins.Drain()
	targets := make([]int64, 0, len(pending)+p.room.Occupancy())
	for _, player := range p.room.Players() {
		targets = append(targets, player.ID)
	}
	for _, player := range pending {
		targets = append(targets, player.ID)
	}

	for _, id := range targets {
		if err == nil {
			p.send(id, frame)
		}
		p.sink.Disconnect(id, reason)
	}
	p.logger.Info("房間已移除", "reason", reason, "players", len(targets))
}

// inputStage 取出輸入佇列，未入座玩家的命令被丟棄
func (p *Pipeline) inputStage(ctx context.Context) error {
	for _, in := range p.input.Drain() {
		if !p.room.Seated(in.PlayerID) {
			p.logger.WarnContext(ctx, "丟棄未入座玩家的輸入", "player_id", in.PlayerID)
			continue
		}

		switch cmd := in.Command.(type) {
		case codec.Click:
			if !p.room.click(in.PlayerID, cmd.Points(p.room.grid)) {
				p.logger.DebugContext(ctx, "點擊批次被拒絕", "player_id", in.PlayerID)
			}
		case codec.Ping:
			p.sendEvent(in.PlayerID, codec.EventPong, codec.PongData{ServerTime: time.Now().UnixMilli()})
		default:
			p.logger.WarnContext(ctx, "未知命令", "player_id", in.PlayerID)
		}
	}
	return nil
}

// rosterStage 先處理離開再處理加入，名單變動時重新同步所有玩家
func (p *Pipeline) rosterStage(ctx context.Context) error {
	p.rosterChanged = false

	departed := make(map[int64]struct{})
	for _, id := range p.leaves.Drain() {
		if p.room.unseat(id) {
			p.room.Release()
			p.rosterChanged = true
			p.logger.InfoContext(ctx, "玩家離開", "player_id", id)
			continue
		}
		// 加入請求可能還在同一批佇列中
		departed[id] = struct{}{}
	}
	if p.rosterChanged {
		p.room.commitRoster()
	}

	for _, player := range p.joins.Drain() {
		if _, gone := departed[player.ID]; gone {
			p.room.Release()
			continue
		}
		if err := p.room.seat(player); err != nil {
			p.room.Release()
			p.logger.WarnContext(ctx, "玩家入座失敗", "player_id", player.ID, "error", err)
			continue
		}
		p.rosterChanged = true
		p.logger.InfoContext(ctx, "玩家加入", "player_id", player.ID, "name", player.Name, "rule", player.Rule)
	}

	if p.rosterChanged {
		p.resync()
	}
	return nil
}

// resync 對所有入座玩家送出完整狀態
func (p *Pipeline) resync() {
	cells := codec.CellsFrame(p.room.aliveCells())
	for _, player := range p.room.Players() {
		p.sendEvent(player.ID, codec.EventMap, p.room.mapData())
		p.sendEvent(player.ID, codec.EventPlayers, p.room.scoreboard())
		p.send(player.ID, cells)
	}
}

// advanceStage 提交點擊並推進一代
func (p *Pipeline) advanceStage(ctx context.Context) error {
	p.changed = p.room.advance()
	return nil
}

// outputStage 每位玩家固定收到四則訊息
func (p *Pipeline) outputStage(ctx context.Context) error {
	players := p.room.Players()
	if len(players) == 0 {
		return nil
	}

	cells := codec.CellsFrame(p.changed)
	tick, err := codec.EventFrame(codec.EventTick, codec.TickData{Tick: p.room.Tick()})
	if err != nil {
		return err
	}
	remaining, err := codec.EventFrame(codec.EventTime, codec.TimeData{RemainingMS: p.room.Remaining().Milliseconds()})
	if err != nil {
		return err
	}
	board, err := codec.EventFrame(codec.EventPlayers, p.room.scoreboard())
	if err != nil {
		return err
	}

	for _, player := range players {
		p.send(player.ID, cells)
		p.send(player.ID, tick)
		p.send(player.ID, remaining)
		p.send(player.ID, board)
	}
	p.changed = nil
	return nil
}

func (p *Pipeline) sendEvent(playerID int64, event string, data any) {
	frame, err := codec.EventFrame(event, data)
	if err != nil {
		p.logger.Error("編碼訊息失敗", "event", event, "error", err)
		return
	}
	p.send(playerID, frame)
}

func (p *Pipeline) send(playerID int64, frame codec.Frame) {
	if err := p.sink.Send(playerID, frame); err != nil {
		// 連線已關閉但離開請求尚未處理
		p.logger.Debug("送出訊息失敗", "player_id", playerID, "event", frame.Event, "error", err)
		return
	}
	if p.notifier != nil {
		p.notifier.Notify(metrics.Event{
			Type:     frame.Event,
			Size:     frame.Size(),
			PlayerID: playerID,
			RoomID:   p.room.ID(),
		})
	}
}
