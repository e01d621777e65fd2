// Package grid 保存單一房間的所有細胞狀態並推進細胞自動機。
//
// 網格是環面（toroidal）：所有座標都對 (width, height) 取模，不存在越界。
//
// 推進採兩階段：
//   - Advance 只讀取已提交的狀態，把變化暫存到 pending
//   - Commit 把 pending 寫回細胞並更新 active 集合
//
// 因此同一 tick 內的鄰居計數永遠反映上一個 tick 的結果。
//
// active 集合（frontier）只包含上次提交後有寫入的細胞及其 8 個鄰居，
// Advance 只評估這些細胞，避免每個 tick 掃描整個網格。
package grid

import (
	"math/rand"
	"sort"

	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Point 網格座標
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Cell 細胞狀態
type Cell struct {
	X     int   `json:"x"`
	Y     int   `json:"y"`
	Alive bool  `json:"alive"`
	Owner int64 `json:"owner"`
}

// Point 返回細胞座標
func (c Cell) Point() Point {
	return Point{X: c.X, Y: c.Y}
}

// RuleSet 依擁有者取得規則
type RuleSet interface {
	RuleFor(owner int64) *rule.Rule
}

// Observer 接收出生/死亡通知（計分用），不得修改網格
type Observer interface {
	// CellBorn 細胞出生，cell 為新狀態，previousOwner 為出生前的擁有者
	CellBorn(cell Cell, previousOwner int64)
	// CellDied 細胞死亡，cell 為新狀態，majorityOwner 為活鄰居中的多數擁有者
	CellDied(cell Cell, majorityOwner int64)
}

// neighborOffsets 固定的鄰居掃描順序，多數決的平手結果依賴此順序
var neighborOffsets = [8]Point{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// Grid 單一房間的細胞網格，非並發安全（只由所屬 Container 的 goroutine 使用）
type Grid struct {
	width, height int
	cells         []Cell
	active        map[int]struct{}
	pending       map[int]Cell
	rules         RuleSet
	observer      Observer
}

// New 建立網格，所有細胞預先配置為死亡且無擁有者
func New(width, height int, rules RuleSet, observer Observer) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.ErrInvalidDimensions
	}
	if rules == nil {
		return nil, errors.ErrInvalidConfig.WithDetails("nil rule set")
	}

	cells := make([]Cell, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			cells[x+y*width] = Cell{X: x, Y: y}
		}
	}

	return &Grid{
		width:    width,
		height:   height,
		cells:    cells,
		active:   make(map[int]struct{}),
		pending:  make(map[int]Cell),
		rules:    rules,
		observer: observer,
	}, nil
}

// Width 返回寬度
func (g *Grid) Width() int { return g.width }

// Height 返回高度
func (g *Grid) Height() int { return g.height }

// Wrap 把任意座標折回網格範圍
func (g *Grid) Wrap(x, y int) Point {
	return Point{X: wrap(x, g.width), Y: wrap(y, g.height)}
}

// PointAt 把一維索引（x + y*width）轉成座標，索引同樣環繞
func (g *Grid) PointAt(index int) Point {
	i := wrap(index, g.width*g.height)
	return Point{X: i % g.width, Y: i / g.width}
}

// Cell 返回已提交的細胞狀態
func (g *Grid) Cell(x, y int) Cell {
	return g.cells[g.index(x, y)]
}

// AliveCells 返回所有活細胞（列優先順序）
func (g *Grid) AliveCells() []Cell {
	alive := make([]Cell, 0)
	for _, c := range g.cells {
		if c.Alive {
			alive = append(alive, c)
		}
	}
	return alive
}

// AliveCount 返回活細胞數量
func (g *Grid) AliveCount() int {
	n := 0
	for _, c := range g.cells {
		if c.Alive {
			n++
		}
	}
	return n
}

// ActiveCount 返回下一次 Advance 會評估的細胞數
func (g *Grid) ActiveCount() int {
	return len(g.active)
}

// PendingCount 返回暫存中的變更數
func (g *Grid) PendingCount() int {
	return len(g.pending)
}

// ChangeState 暫存一個細胞變更，Commit 之前不生效
func (g *Grid) ChangeState(x, y int, alive bool, owner int64) {
	idx := g.index(x, y)
	c := g.cells[idx]
	c.Alive = alive
	c.Owner = owner
	g.pending[idx] = c
}

// Clickable 返回目前為死亡狀態的座標（已環繞、去重）
func (g *Grid) Clickable(points []Point) []Point {
	seen := make(map[int]struct{}, len(points))
	out := make([]Point, 0, len(points))
	for _, p := range points {
		idx := g.index(p.X, p.Y)
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		if g.cells[idx].Alive {
			continue
		}
		out = append(out, Point{X: idx % g.width, Y: idx / g.width})
	}
	return out
}

// Click 把目前死亡的座標暫存為 owner 的活細胞，已存活的座標直接略過
func (g *Grid) Click(points []Point, owner int64) []Point {
	staged := g.Clickable(points)
	for _, p := range staged {
		g.ChangeState(p.X, p.Y, true, owner)
	}
	return staged
}

// KillOwner 暫存 owner 所有活細胞的死亡，並把擁有者重設為 0
func (g *Grid) KillOwner(owner int64) int {
	n := 0
	for _, c := range g.cells {
		if c.Alive && c.Owner == owner {
			g.ChangeState(c.X, c.Y, false, 0)
			n++
		}
	}
	return n
}

// Seed 以指定密度隨機暫存 owner 的活細胞
func (g *Grid) Seed(rng *rand.Rand, density float64, owner int64) int {
	if density <= 0 {
		return 0
	}
	n := 0
	for _, c := range g.cells {
		if !c.Alive && rng.Float64() < density {
			g.ChangeState(c.X, c.Y, true, owner)
			n++
		}
	}
	return n
}

// Advance 評估 active 集合中的每個細胞，結果暫存到 pending
//
// 評估只讀取 cells（已提交狀態），寫入只進入 pending。
// 評估結束後 active 集合被清空，由下一次 Commit 重新填充。
func (g *Grid) Advance() {
	active := g.active
	g.active = make(map[int]struct{}, len(active))

	owners := make([]int64, 0, len(neighborOffsets))
	for idx := range active {
		c := g.cells[idx]

		owners = owners[:0]
		for _, off := range neighborOffsets {
			n := g.cells[g.index(c.X+off.X, c.Y+off.Y)]
			if n.Alive {
				owners = append(owners, n.Owner)
			}
		}

		r := g.rules.RuleFor(c.Owner)
		if r == nil {
			continue
		}

		switch r.Apply(len(owners), c.Alive) {
		case rule.Born:
			next := c
			next.Alive = true
			next.Owner = MajorityOwner(owners, c.Owner)
			g.pending[idx] = next
			if g.observer != nil {
				g.observer.CellBorn(next, c.Owner)
			}
		case rule.Dies:
			next := c
			next.Alive = false
			g.pending[idx] = next
			if g.observer != nil {
				g.observer.CellDied(next, MajorityOwner(owners, c.Owner))
			}
		}
	}
}

// Commit 把 pending 寫回細胞，返回實際改變狀態的細胞（列優先排序）
//
// 每個寫入的細胞及其 8 個鄰居都會加入 active 集合。
func (g *Grid) Commit() []Cell {
	if len(g.pending) == 0 {
		return nil
	}

	changed := make([]Cell, 0, len(g.pending))
	for idx, next := range g.pending {
		if g.cells[idx] != next {
			changed = append(changed, next)
		}
		g.cells[idx] = next

		g.active[idx] = struct{}{}
		for _, off := range neighborOffsets {
			g.active[g.index(next.X+off.X, next.Y+off.Y)] = struct{}{}
		}
	}
	clear(g.pending)

	sort.Slice(changed, func(i, j int) bool {
		if changed[i].Y != changed[j].Y {
			return changed[i].Y < changed[j].Y
		}
		return changed[i].X < changed[j].X
	})
	return changed
}

// MajorityOwner 返回 owners 中出現次數最多的擁有者
//
// 平手時取掃描順序中最先出現的最大值；owners 為空時返回 fallback。
// 鄰居最多 8 個，直接兩兩比較。
func MajorityOwner(owners []int64, fallback int64) int64 {
	if len(owners) == 0 {
		return fallback
	}

	best, bestCount := owners[0], 0
	for i := range owners {
		count := 0
		for j := range owners {
			if owners[j] == owners[i] {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = owners[i], count
		}
	}
	return best
}

func (g *Grid) index(x, y int) int {
	return wrap(x, g.width) + wrap(y, g.height)*g.width
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}
