// Package snowflake 產生單調遞增的 64-bit ID，用於房間與玩家編號。
//
// 結構：[1-bit 符號][41-bit 毫秒時間戳][10-bit 節點][12-bit 序列號]
//
// 房間 ID 必須單調遞增，玩家 ID 在連線生命週期內唯一，兩者都由同一個產生器提供。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

var (
	// ErrInvalidNode 節點 ID 超出範圍
	ErrInvalidNode = errors.New("node ID must be between 0 and 1023")
)

// Generator Snowflake ID 產生器
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	lastMS   int64
	now      func() int64
}

// New 建立產生器
func New(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNode, node)
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 產生下一個 ID
//
// 時鐘回撥時沿用上次的時間戳繼續遞增序列號，保證輸出嚴格遞增。
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastMS {
		ts = g.lastMS
	}

	if ts == g.lastMS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列號用盡，借用下一毫秒
			ts = g.lastMS + 1
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = ts

	return ((ts - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence, nil
}

// Info ID 解析結果
type Info struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Node     int64     `json:"node"`
	Sequence int64     `json:"sequence"`
}

// Parse 解析 ID
func Parse(id int64) Info {
	return Info{
		ID:       id,
		Time:     time.UnixMilli((id >> timestampShift) + epoch),
		Node:     (id >> nodeShift) & maxNode,
		Sequence: id & maxSequence,
	}
}
