// Package rule 定義生命遊戲類型的細胞自動機規則。
//
// 規則以出生集合（birth）與存活集合（survive）描述：
//   - 死細胞的活鄰居數在出生集合內 → 出生
//   - 活細胞的活鄰居數不在存活集合內 → 死亡
//   - 其他情況不變
//
// 規則不可變，以指標在房間之間共享；同一個網格內不同玩家可以跑不同規則。
package rule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Apply 的返回值
const (
	Dies      = -1
	Unchanged = 0
	Born      = 1
)

// Default 背景自動機（owner 0）使用的規則名稱
const Default = "life"

// Rule 具名的出生/存活規則
type Rule struct {
	name    string
	birth   [9]bool
	survive [9]bool
}

// New 建立規則，超出 0-8 的鄰居數會被忽略
func New(name string, birth, survive []int) *Rule {
	r := &Rule{name: strings.ToLower(name)}
	for _, n := range birth {
		if n >= 0 && n <= 8 {
			r.birth[n] = true
		}
	}
	for _, n := range survive {
		if n >= 0 && n <= 8 {
			r.survive[n] = true
		}
	}
	return r
}

// Name 返回規則名稱
func (r *Rule) Name() string {
	return r.name
}

// Apply 計算細胞下一代的變化：-1 死亡、0 不變、+1 出生
func (r *Rule) Apply(aliveNeighbors int, alive bool) int {
	if aliveNeighbors < 0 || aliveNeighbors > 8 {
		if alive {
			return Dies
		}
		return Unchanged
	}
	if alive {
		if r.survive[aliveNeighbors] {
			return Unchanged
		}
		return Dies
	}
	if r.birth[aliveNeighbors] {
		return Born
	}
	return Unchanged
}

// Notation 返回 B/S 表示法，例如 B3/S23
func (r *Rule) Notation() string {
	var b strings.Builder
	b.WriteByte('B')
	for n, ok := range r.birth {
		if ok {
			b.WriteByte(byte('0' + n))
		}
	}
	b.WriteString("/S")
	for n, ok := range r.survive {
		if ok {
			b.WriteByte(byte('0' + n))
		}
	}
	return b.String()
}

// String 實現 fmt.Stringer
func (r *Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.name, r.Notation())
}

// Parse 解析 B/S 表示法（大小寫不敏感，如 "B36/S23"）
func Parse(name, notation string) (*Rule, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(notation)), "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[0], "B") || !strings.HasPrefix(parts[1], "S") {
		return nil, errors.ErrUnknownRule.WithDetails(notation)
	}

	birth, err := parseCounts(parts[0][1:])
	if err != nil {
		return nil, errors.ErrUnknownRule.WithDetails(notation)
	}
	survive, err := parseCounts(parts[1][1:])
	if err != nil {
		return nil, errors.ErrUnknownRule.WithDetails(notation)
	}
	return New(name, birth, survive), nil
}

func parseCounts(s string) ([]int, error) {
	counts := make([]int, 0, len(s))
	for _, c := range s {
		if c < '0' || c > '8' {
			return nil, fmt.Errorf("invalid neighbor count %q", c)
		}
		counts = append(counts, int(c-'0'))
	}
	return counts, nil
}

// catalog 固定規則目錄，啟動後唯讀
var catalog = map[string]*Rule{}

func register(name, notation string) {
	r, err := Parse(name, notation)
	if err != nil {
		panic(err)
	}
	catalog[r.name] = r
}

func init() {
	register("life", "B3/S23")
	register("highlife", "B36/S23")
	register("seeds", "B2/S")
	register("daynight", "B3678/S34678")
	register("maze", "B3/S12345")
	register("lifewithoutdeath", "B3/S012345678")
	register("2x2", "B36/S125")
	register("diamoeba", "B35678/S5678")
	register("replicator", "B1357/S1357")
	register("morley", "B368/S245")
}

// Lookup 以名稱查找規則（大小寫不敏感）
func Lookup(name string) (*Rule, error) {
	r, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.ErrUnknownRule.WithDetails(name)
	}
	return r, nil
}

// Names 返回排序後的規則名稱
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
