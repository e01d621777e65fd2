package grid_test

import (
	"math/rand"
	"testing"

	"github.com/koopa0/system-design/14-cellular-arena/internal/grid"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lifeRules 所有擁有者都使用標準生命遊戲規則
type lifeRules struct{}

func (lifeRules) RuleFor(int64) *rule.Rule {
	r, _ := rule.Lookup(rule.Default)
	return r
}

type born struct {
	cell     grid.Cell
	previous int64
}

type died struct {
	cell     grid.Cell
	majority int64
}

// recorder 記錄觀察者回呼
type recorder struct {
	born []born
	died []died
}

func (r *recorder) CellBorn(cell grid.Cell, previousOwner int64) {
	r.born = append(r.born, born{cell, previousOwner})
}

func (r *recorder) CellDied(cell grid.Cell, majorityOwner int64) {
	r.died = append(r.died, died{cell, majorityOwner})
}

func newGrid(t *testing.T, w, h int) (*grid.Grid, *recorder) {
	t.Helper()
	rec := &recorder{}
	g, err := grid.New(w, h, lifeRules{}, rec)
	require.NoError(t, err)
	return g, rec
}

func place(g *grid.Grid, owner int64, points ...grid.Point) {
	for _, p := range points {
		g.ChangeState(p.X, p.Y, true, owner)
	}
	g.Commit()
}

func step(g *grid.Grid) []grid.Cell {
	g.Advance()
	return g.Commit()
}

func alivePoints(g *grid.Grid) []grid.Point {
	cells := g.AliveCells()
	points := make([]grid.Point, 0, len(cells))
	for _, c := range cells {
		points = append(points, c.Point())
	}
	return points
}

// TestNew_InvalidDimensions 測試非法尺寸
func TestNew_InvalidDimensions(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"zero width", 0, 10},
		{"zero height", 10, 0},
		{"negative", -1, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := grid.New(tt.w, tt.h, lifeRules{}, nil)
			assert.Nil(t, g)
			assert.ErrorIs(t, err, errors.ErrInvalidDimensions)
		})
	}

	_, err := grid.New(3, 3, nil, nil)
	assert.True(t, errors.IsConfig(err))
}

// TestGrid_Wraparound 測試環面鄰居
func TestGrid_Wraparound(t *testing.T) {
	g, _ := newGrid(t, 10, 10)

	// (0,0) 的鄰居包含三個對角/邊界外的細胞
	place(g, 7, grid.Point{X: 9, Y: 9}, grid.Point{X: 9, Y: 0}, grid.Point{X: 0, Y: 9})
	step(g)

	c := g.Cell(0, 0)
	assert.True(t, c.Alive, "corner should be born from wrapped neighbours")
	assert.Equal(t, int64(7), c.Owner)

	assert.Equal(t, grid.Point{X: 9, Y: 0}, g.Wrap(-1, 10))
	assert.Equal(t, g.Cell(-1, -1), g.Cell(9, 9))
}

// TestGrid_PointAt 測試一維索引轉換
func TestGrid_PointAt(t *testing.T) {
	g, _ := newGrid(t, 4, 3)

	assert.Equal(t, grid.Point{X: 0, Y: 0}, g.PointAt(0))
	assert.Equal(t, grid.Point{X: 1, Y: 2}, g.PointAt(9))
	assert.Equal(t, grid.Point{X: 3, Y: 2}, g.PointAt(-1))
	assert.Equal(t, grid.Point{X: 1, Y: 0}, g.PointAt(13))
}

// TestGrid_Blinker 測試雙緩衝：閃爍子在兩種方向間振盪
func TestGrid_Blinker(t *testing.T) {
	g, _ := newGrid(t, 10, 10)

	vertical := []grid.Point{{X: 5, Y: 5}, {X: 5, Y: 6}, {X: 5, Y: 7}}
	horizontal := []grid.Point{{X: 4, Y: 6}, {X: 5, Y: 6}, {X: 6, Y: 6}}

	place(g, 1, vertical...)
	assert.ElementsMatch(t, vertical, alivePoints(g))

	changed := step(g)
	assert.ElementsMatch(t, horizontal, alivePoints(g))
	// 兩端死亡、兩側出生，中心不變
	assert.Len(t, changed, 4)

	step(g)
	assert.ElementsMatch(t, vertical, alivePoints(g))

	step(g)
	assert.ElementsMatch(t, horizontal, alivePoints(g))
}

// TestGrid_FullGridDies 測試全活網格一步後全滅
func TestGrid_FullGridDies(t *testing.T) {
	g, _ := newGrid(t, 10, 10)

	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			g.ChangeState(x, y, true, 1)
		}
	}
	g.Commit()
	require.Equal(t, 100, g.AliveCount())

	changed := step(g)
	assert.Len(t, changed, 100)
	assert.Equal(t, 0, g.AliveCount())
}

// TestGrid_AdvanceReadsCommittedState 測試 Advance 不會讀到本 tick 的暫存變更
func TestGrid_AdvanceReadsCommittedState(t *testing.T) {
	g, _ := newGrid(t, 10, 10)
	place(g, 1, grid.Point{X: 5, Y: 5}, grid.Point{X: 5, Y: 6}, grid.Point{X: 5, Y: 7})

	g.Advance()
	// Commit 之前網格仍是垂直方向
	assert.True(t, g.Cell(5, 5).Alive)
	assert.False(t, g.Cell(4, 6).Alive)
	assert.Equal(t, 4, g.PendingCount())

	g.Commit()
	assert.Equal(t, 0, g.PendingCount())
	assert.False(t, g.Cell(5, 5).Alive)
	assert.True(t, g.Cell(4, 6).Alive)
}

// TestGrid_ActiveSet 測試 active 集合在 Commit 時累積、在 Advance 時消耗
func TestGrid_ActiveSet(t *testing.T) {
	g, _ := newGrid(t, 10, 10)
	assert.Equal(t, 0, g.ActiveCount())

	place(g, 1, grid.Point{X: 2, Y: 2})
	assert.Equal(t, 9, g.ActiveCount())

	place(g, 1, grid.Point{X: 7, Y: 7})
	assert.Equal(t, 18, g.ActiveCount())

	// 孤立細胞死亡：兩個 3x3 區域重新進入 active
	step(g)
	assert.Equal(t, 18, g.ActiveCount())
	assert.Equal(t, 0, g.AliveCount())

	// 沒有任何變更：active 被消耗且不再填充
	assert.Nil(t, step(g))
	assert.Equal(t, 0, g.ActiveCount())
}

// TestGrid_Click 測試點擊只會讓死細胞出生
func TestGrid_Click(t *testing.T) {
	g, _ := newGrid(t, 10, 10)
	place(g, 1, grid.Point{X: 1, Y: 1})

	staged := g.Click([]grid.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 12, Y: 12}, {X: 3, Y: 3}}, 2)
	// (12,12) 環繞後與 (2,2) 重複
	assert.Equal(t, []grid.Point{{X: 2, Y: 2}, {X: 3, Y: 3}}, staged)

	changed := g.Commit()
	require.Len(t, changed, 2)
	assert.Equal(t, int64(1), g.Cell(1, 1).Owner)
	assert.Equal(t, int64(2), g.Cell(2, 2).Owner)
	assert.True(t, g.Cell(3, 3).Alive)
}

// TestGrid_KillOwner 測試移除玩家的所有細胞
func TestGrid_KillOwner(t *testing.T) {
	g, _ := newGrid(t, 10, 10)
	place(g, 1, grid.Point{X: 1, Y: 1}, grid.Point{X: 8, Y: 8})
	place(g, 2, grid.Point{X: 4, Y: 4})

	assert.Equal(t, 2, g.KillOwner(1))
	changed := g.Commit()
	require.Len(t, changed, 2)
	for _, c := range changed {
		assert.False(t, c.Alive)
		assert.Equal(t, int64(0), c.Owner)
	}
	assert.Equal(t, []grid.Point{{X: 4, Y: 4}}, alivePoints(g))
	assert.Equal(t, 0, g.KillOwner(99))
}

// TestGrid_Observer 測試出生與死亡回呼
func TestGrid_Observer(t *testing.T) {
	g, rec := newGrid(t, 10, 10)

	// 兩個玩家各兩顆，(5,5) 被 3 個鄰居包圍：玩家 1 兩顆、玩家 2 一顆
	place(g, 1, grid.Point{X: 4, Y: 4}, grid.Point{X: 5, Y: 4})
	place(g, 2, grid.Point{X: 6, Y: 6})
	step(g)

	var center *born
	for i := range rec.born {
		if rec.born[i].cell.Point() == (grid.Point{X: 5, Y: 5}) {
			center = &rec.born[i]
		}
	}
	require.NotNil(t, center)
	assert.Equal(t, int64(1), center.cell.Owner)
	assert.Equal(t, int64(0), center.previous)

	// 三顆原始細胞都只有不足兩個鄰居而死亡
	assert.Len(t, rec.died, 3)
	for _, d := range rec.died {
		assert.False(t, d.cell.Alive)
	}
}

// TestGrid_Seed 測試隨機播種
func TestGrid_Seed(t *testing.T) {
	g, _ := newGrid(t, 20, 20)
	rng := rand.New(rand.NewSource(42))

	n := g.Seed(rng, 0.5, 0)
	assert.Greater(t, n, 0)
	assert.Less(t, n, 400)
	assert.Equal(t, n, g.PendingCount())

	g.Commit()
	assert.Equal(t, n, g.AliveCount())
	assert.Equal(t, 0, g.Seed(rng, 0, 0))
}

// TestMajorityOwner 測試多數決與平手規則
func TestMajorityOwner(t *testing.T) {
	tests := []struct {
		name     string
		owners   []int64
		fallback int64
		expected int64
	}{
		{"tie goes to first maximal", []int64{1, 1, 2, 2}, 9, 1},
		{"tie reversed", []int64{2, 2, 1, 1}, 9, 2},
		{"clear majority", []int64{1, 2, 2, 3, 2}, 9, 2},
		{"single", []int64{4}, 9, 4},
		{"empty falls back to acting owner", nil, 9, 9},
		{"background counts", []int64{0, 0, 5}, 9, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				assert.Equal(t, tt.expected, grid.MajorityOwner(tt.owners, tt.fallback))
			}
		})
	}
}
