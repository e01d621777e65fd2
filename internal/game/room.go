package game

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/grid"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// State 房間狀態
//
// 狀態只能前進：
//
//	Active → ExpiredPendingRemoval → Removed
//	Active → Removed（推進失敗時強制移除）
type State int32

const (
	StateActive                State = iota // 正常推進中
	StateExpiredPendingRemoval              // 已到期，等待所屬 Container 斷開玩家
	StateRemoved                            // 已移除，下一輪被 Container 驅逐
)

// String 實現 fmt.Stringer
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpiredPendingRemoval:
		return "expired"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// BackgroundID 背景自動機的擁有者 ID
const BackgroundID int64 = 0

// Config 房間參數
type Config struct {
	Width           int
	Height          int
	Duration        time.Duration
	TickInterval    time.Duration
	MaxPlayers      int
	EmptyTimeout    time.Duration // 0 表示空房間不會提前到期
	BackgroundRule  string
	BackgroundColor string
	Palette         []string
	SeedDensity     float64
	QueueCapacity   int // 玩家命令佇列的上限，加入與離開佇列不設上限
}

// Validate 檢查參數，任何錯誤都是配置錯誤，房間不會被建立
func (c Config) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return errors.ErrInvalidDimensions
	case c.TickInterval <= 0:
		return errors.ErrInvalidConfig.WithDetails("tick interval must be positive")
	case c.Duration <= 0:
		return errors.ErrInvalidConfig.WithDetails("duration must be positive")
	case c.MaxPlayers <= 0:
		return errors.ErrInvalidConfig.WithDetails("max players must be positive")
	case len(c.Palette) == 0:
		return errors.ErrInvalidConfig.WithDetails("palette is empty")
	case c.SeedDensity < 0 || c.SeedDensity > 1:
		return errors.ErrInvalidConfig.WithDetails("seed density must be within [0, 1]")
	}
	if _, err := rule.Lookup(c.BackgroundRule); err != nil {
		return err
	}
	return nil
}

// Player 房間內的玩家
type Player struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Rule     string    `json:"rule"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
}

// Room 單一遊戲房間：網格、名單、規則與分數
//
// 除了 state、occupancy 與 Snapshot 之外，所有方法只能由所屬 Container 的 goroutine 呼叫。
// mu 只用來讓 Snapshot 在其他 goroutine 讀到一致的名單與分數。
type Room struct {
	id        int64
	cfg       Config
	createdAt time.Time

	state     atomic.Int32
	occupancy atomic.Int32 // 已保留的座位（含尚未入座的加入請求）

	mu         sync.RWMutex
	grid       *grid.Grid
	players    []*Player // 加入順序
	seats      map[int64]*Player
	rules      map[int64]*rule.Rule
	points     map[int64]int64
	colorIndex int
	reason     string
	elapsed    time.Duration
	idle       time.Duration
	tick       uint64

	// 本 tick 的點擊緩衝，推進階段結束後清空
	batches map[int64][]grid.Point
	claims  map[int]int64
}

// NewRoom 建立房間並以背景規則播種
func NewRoom(id int64, cfg Config, rng *rand.Rand) (*Room, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	background, err := rule.Lookup(cfg.BackgroundRule)
	if err != nil {
		return nil, err
	}

	r := &Room{
		id:        id,
		cfg:       cfg,
		createdAt: time.Now(),
		seats:     make(map[int64]*Player),
		rules:     map[int64]*rule.Rule{BackgroundID: background},
		points:    map[int64]int64{BackgroundID: 0},
		batches:   make(map[int64][]grid.Point),
		claims:    make(map[int]int64),
	}

	g, err := grid.New(cfg.Width, cfg.Height, r, r)
	if err != nil {
		return nil, err
	}
	r.grid = g

	if rng != nil && cfg.SeedDensity > 0 {
		g.Seed(rng, cfg.SeedDensity, BackgroundID)
		g.Commit()
	}
	return r, nil
}

// ID 返回房間 ID
func (r *Room) ID() int64 { return r.id }

// Config 返回房間參數
func (r *Room) Config() Config { return r.cfg }

// Grid 返回房間網格
func (r *Room) Grid() *grid.Grid { return r.grid }

// State 返回目前狀態（任何 goroutine 可呼叫）
func (r *Room) State() State {
	return State(r.state.Load())
}

// End 標記房間到期（任何 goroutine 可呼叫），已非 Active 時返回 false
func (r *Room) End() bool {
	return r.state.CompareAndSwap(int32(StateActive), int32(StateExpiredPendingRemoval))
}

// ForceRemove 直接把房間標記為 Removed
func (r *Room) ForceRemove() {
	r.state.Store(int32(StateRemoved))
}

// CloseReason 返回房間結束的原因，推進失敗而被強制移除時為 "fault"
func (r *Room) CloseReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reason == "" && r.State() == StateRemoved {
		return "fault"
	}
	return r.reason
}

func (r *Room) setReason(reason string) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
}

// Reserve 原子地保留一個座位，房間已滿或不再 Active 時返回 false
func (r *Room) Reserve() bool {
	for {
		if r.State() != StateActive {
			return false
		}
		n := r.occupancy.Load()
		if int(n) >= r.cfg.MaxPlayers {
			return false
		}
		if r.occupancy.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release 釋放一個保留的座位
func (r *Room) Release() {
	r.occupancy.Add(-1)
}

// Occupancy 返回已保留的座位數
func (r *Room) Occupancy() int {
	return int(r.occupancy.Load())
}

// RuleFor 實現 grid.RuleSet，未知擁有者使用背景規則
func (r *Room) RuleFor(owner int64) *rule.Rule {
	if rl, ok := r.rules[owner]; ok {
		return rl
	}
	return r.rules[BackgroundID]
}

// CellBorn 實現 grid.Observer：新擁有者 +1，被取代的玩家 -1
func (r *Room) CellBorn(cell grid.Cell, previousOwner int64) {
	r.points[cell.Owner]++
	if previousOwner != BackgroundID && previousOwner != cell.Owner {
		r.points[previousOwner]--
	}
}

// CellDied 實現 grid.Observer：造成死亡的多數擁有者 +1
func (r *Room) CellDied(cell grid.Cell, majorityOwner int64) {
	if majorityOwner != cell.Owner {
		r.points[majorityOwner]++
	}
}

// Seated 檢查玩家是否已入座
func (r *Room) Seated(playerID int64) bool {
	_, ok := r.seats[playerID]
	return ok
}

// Players 返回入座玩家（加入順序）
func (r *Room) Players() []*Player {
	return r.players
}

// Points 返回擁有者目前的分數
func (r *Room) Points(owner int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.points[owner]
}

// Tick 返回已推進的次數
func (r *Room) Tick() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tick
}

// Remaining 返回剩餘時間
func (r *Room) Remaining() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remaining()
}

func (r *Room) remaining() time.Duration {
	if left := r.cfg.Duration - r.elapsed; left > 0 {
		return left
	}
	return 0
}

// seat 讓玩家入座並分配顏色
func (r *Room) seat(p Player) error {
	if _, ok := r.seats[p.ID]; ok {
		return errors.ErrPlayerExists
	}
	rl, err := rule.Lookup(p.Rule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p.Rule = rl.Name()
	p.Color = r.cfg.Palette[r.colorIndex%len(r.cfg.Palette)]
	r.colorIndex++
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	seated := &p
	r.players = append(r.players, seated)
	r.seats[p.ID] = seated
	r.rules[p.ID] = rl
	if _, ok := r.points[p.ID]; !ok {
		r.points[p.ID] = 0
	}
	return nil
}

// unseat 移除玩家並暫存其所有細胞的死亡
func (r *Room) unseat(playerID int64) bool {
	if _, ok := r.seats[playerID]; !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.seats, playerID)
	delete(r.rules, playerID)
	delete(r.batches, playerID)
	for i, p := range r.players {
		if p.ID == playerID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			break
		}
	}
	r.grid.KillOwner(playerID)
	return true
}

// commitRoster 提交離開玩家的細胞死亡
func (r *Room) commitRoster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grid.Commit()
}

// aliveCells 返回所有活細胞（重新同步用）
func (r *Room) aliveCells() []grid.Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grid.AliveCells()
}

// click 接受玩家本 tick 的點擊批次
//
// 每位玩家每 tick 只接受第一個批次；已存活的座標被過濾；
// 任何座標已被其他玩家在本 tick 認領時整批丟棄。
func (r *Room) click(playerID int64, points []grid.Point) bool {
	if _, done := r.batches[playerID]; done {
		return false
	}

	clickable := r.grid.Clickable(points)
	for _, p := range clickable {
		if owner, ok := r.claims[r.index(p)]; ok && owner != playerID {
			return false
		}
	}

	for _, p := range clickable {
		r.claims[r.index(p)] = playerID
	}
	r.batches[playerID] = clickable
	return true
}

// advance 提交本 tick 的點擊並推進一代，返回所有改變的細胞
//
// 名單為空時網格凍結；點擊緩衝不論如何都會清空。
func (r *Room) advance() []grid.Cell {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		clear(r.batches)
		clear(r.claims)
	}()

	if len(r.players) == 0 {
		return nil
	}

	for _, p := range r.players {
		if batch, ok := r.batches[p.ID]; ok && len(batch) > 0 {
			r.grid.Click(batch, p.ID)
		}
	}
	clicked := r.grid.Commit()

	r.grid.Advance()
	stepped := r.grid.Commit()
	r.tick++

	return mergeChanges(clicked, stepped)
}

// elapse 累加經過時間並在到期時轉換狀態，返回是否到期
func (r *Room) elapse(d time.Duration) bool {
	r.mu.Lock()
	r.elapsed += d
	expired := r.elapsed > r.cfg.Duration
	if len(r.players) == 0 {
		r.idle += d
		if r.cfg.EmptyTimeout > 0 && r.idle > r.cfg.EmptyTimeout {
			expired = true
		}
	} else {
		r.idle = 0
	}
	r.mu.Unlock()

	if expired {
		r.End()
	}
	return expired
}

func (r *Room) index(p grid.Point) int {
	return p.X + p.Y*r.grid.Width()
}

// mapData 地圖尺寸與所有擁有者的顏色
func (r *Room) mapData() codec.MapData {
	colors := make([]codec.OwnerColor, 0, len(r.players)+1)
	colors = append(colors, codec.OwnerColor{ID: BackgroundID, Color: r.cfg.BackgroundColor})
	for _, p := range r.players {
		colors = append(colors, codec.OwnerColor{ID: p.ID, Color: p.Color})
	}
	return codec.MapData{Width: r.cfg.Width, Height: r.cfg.Height, Colors: colors}
}

// scoreboard 包含背景（ID 0）的計分板
func (r *Room) scoreboard() []codec.PlayerData {
	board := make([]codec.PlayerData, 0, len(r.players)+1)
	board = append(board, codec.PlayerData{
		ID:     BackgroundID,
		Name:   "background",
		Color:  r.cfg.BackgroundColor,
		Rule:   r.rules[BackgroundID].Name(),
		Points: r.points[BackgroundID],
	})
	for _, p := range r.players {
		board = append(board, codec.PlayerData{
			ID:     p.ID,
			Name:   p.Name,
			Color:  p.Color,
			Rule:   p.Rule,
			Points: r.points[p.ID],
		})
	}
	return board
}

// Info 房間快照
type Info struct {
	ID          int64              `json:"room_id"`
	State       string             `json:"state"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	MaxPlayers  int                `json:"max_players"`
	Occupancy   int                `json:"occupancy"`
	Tick        uint64             `json:"tick"`
	AliveCells  int                `json:"alive_cells"`
	ElapsedMS   int64              `json:"elapsed_ms"`
	RemainingMS int64              `json:"remaining_ms"`
	CreatedAt   time.Time          `json:"created_at"`
	Players     []codec.PlayerData `json:"players"`
}

// Snapshot 返回房間快照（任何 goroutine 可呼叫）
func (r *Room) Snapshot() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Info{
		ID:          r.id,
		State:       r.State().String(),
		Width:       r.cfg.Width,
		Height:      r.cfg.Height,
		MaxPlayers:  r.cfg.MaxPlayers,
		Occupancy:   r.Occupancy(),
		Tick:        r.tick,
		AliveCells:  r.grid.AliveCount(),
		ElapsedMS:   r.elapsed.Milliseconds(),
		RemainingMS: r.remaining().Milliseconds(),
		CreatedAt:   r.createdAt,
		Players:     r.scoreboard(),
	}
}

// mergeChanges 合併兩次提交的變更，同一座標以後者為準
func mergeChanges(first, second []grid.Cell) []grid.Cell {
	if len(first) == 0 {
		return second
	}
	if len(second) == 0 {
		return first
	}

	seen := make(map[grid.Point]int, len(first)+len(second))
	out := make([]grid.Cell, 0, len(first)+len(second))
	for _, cells := range [][]grid.Cell{first, second} {
		for _, c := range cells {
			if i, ok := seen[c.Point()]; ok {
				out[i] = c
				continue
			}
			seen[c.Point()] = len(out)
			out = append(out, c)
		}
	}
	return out
}
