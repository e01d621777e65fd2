// Package transport 把 WebSocket 連線接到房間管線。
//
// 每個連線一個讀 goroutine 與一個寫 goroutine；Container 透過 Registry
// 把訊息放進連線的緩衝 channel，不會被慢客戶端阻塞。
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Connection 一個玩家的 WebSocket 連線
type Connection struct {
	SessionID   string
	PlayerID    int64
	Name        string
	Rule        string
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan codec.Frame
	closeOnce sync.Once
	reason    atomic.Value // 斷線原因，寫入 close frame
}

func (c *Connection) closeSend(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.send)
	})
}

func (c *Connection) closeReason() string {
	reason, _ := c.reason.Load().(string)
	return reason
}

// Registry 玩家 ID → 連線，實現 game.Sink
//
// send channel 只在持有寫鎖並從 map 移除後才關閉，
// 因此持有讀鎖的 Send 不會寫入已關閉的 channel。
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[int64]*Connection

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewRegistry 創建連線註冊表
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		conns:  make(map[int64]*Connection),
	}
}

// register 註冊連線，同一玩家的舊連線會被關閉
func (r *Registry) register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.conns[c.PlayerID]; exists && old != c {
		old.closeSend("replaced")
	}
	r.conns[c.PlayerID] = c
}

// unregister 取消註冊（只移除同一個連線）
func (r *Registry) unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actual, exists := r.conns[c.PlayerID]; exists && actual == c {
		delete(r.conns, c.PlayerID)
	}
	c.closeSend("")
}

// Send 非阻塞地把訊息放入玩家的緩衝區，緩衝區滿時丟棄
func (r *Registry) Send(playerID int64, frame codec.Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[playerID]
	if !ok {
		return errors.ErrPlayerNotFound
	}

	select {
	case c.send <- frame:
		r.sent.Add(1)
		return nil
	default:
		r.dropped.Add(1)
		r.logger.Warn("連接緩衝區滿", "player_id", playerID, "event", frame.Event)
		return errors.ErrQueueFull
	}
}

// Disconnect 關閉玩家的連線，寫 goroutine 會送出帶原因的 close frame
func (r *Registry) Disconnect(playerID int64, reason string) {
	r.mu.Lock()
	c, ok := r.conns[playerID]
	if ok {
		delete(r.conns, playerID)
		c.closeSend(reason)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("斷開玩家連接", "player_id", playerID, "reason", reason)
	}
}

// CloseAll 關閉所有連線，返回關閉數量
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.conns)
	for id, c := range r.conns {
		c.closeSend(reason)
		delete(r.conns, id)
	}
	return n
}

// Connected 檢查玩家是否有連線
func (r *Registry) Connected(playerID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[playerID]
	return ok
}

// Count 返回連線數
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RegistryStats 連線統計
type RegistryStats struct {
	Connections int   `json:"connections"`
	Sent        int64 `json:"sent"`
	Dropped     int64 `json:"dropped"`
}

// Stats 返回統計
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Connections: r.Count(),
		Sent:        r.sent.Load(),
		Dropped:     r.dropped.Load(),
	}
}
