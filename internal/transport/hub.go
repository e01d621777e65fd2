package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 必須小於 pongWait
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Lobby 配對與輸入路由
type Lobby interface {
	Join(ctx context.Context, playerID int64, name, rule string) (int64, error)
	Leave(playerID int64) error
	RouteInput(playerID int64, cmd codec.Command) error
}

// IDGenerator 產生玩家 ID
type IDGenerator interface {
	Next() (int64, error)
}

// Hub WebSocket 連接中心
type Hub struct {
	registry *Registry
	lobby    Lobby
	ids      IDGenerator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewHub 創建 WebSocket Hub
func NewHub(registry *Registry, lobby Lobby, ids IDGenerator, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		lobby:    lobby,
		ids:      ids,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Register 註冊 WebSocket 端點
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.ServeWS)
}

// ServeWS 處理 WebSocket 連接：/ws?name=..&rule=..
//
// 玩家 ID 由伺服器分配，連線建立後立即配對到有空位的房間。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := strings.TrimSpace(query.Get("name"))
	ruleName := strings.TrimSpace(query.Get("rule"))
	if ruleName != "" {
		if _, err := rule.Lookup(ruleName); err != nil {
			http.Error(w, "未知的規則", http.StatusBadRequest)
			return
		}
	}

	h.mu.Lock()
	stopped := h.stopped
	if !stopped {
		h.wg.Add(1)
	}
	h.mu.Unlock()
	if stopped {
		http.Error(w, "伺服器關閉中", http.StatusServiceUnavailable)
		return
	}

	playerID, err := h.ids.Next()
	if err != nil {
		h.wg.Done()
		h.logger.Error("產生玩家 ID 失敗", "error", err)
		http.Error(w, "內部伺服器錯誤", http.StatusInternalServerError)
		return
	}

	// 升級為 WebSocket 連接
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Done()
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		SessionID:   uuid.NewString(),
		PlayerID:    playerID,
		Name:        name,
		Rule:        ruleName,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan codec.Frame, sendBufferSize),
	}

	ctx := logger.WithSessionID(context.Background(), c.SessionID)
	ctx = logger.WithPlayerID(ctx, playerID)

	// 先註冊再配對，入座後的第一批訊息才不會遺失
	h.registry.register(c)
	go h.writePump(ctx, c)

	roomID, err := h.lobby.Join(ctx, playerID, name, ruleName)
	if err != nil {
		h.logger.WarnContext(ctx, "配對失敗", "error", err)
		h.registry.Disconnect(playerID, joinFailure(err))
		go h.readPump(ctx, c, false)
		return
	}

	h.logger.InfoContext(ctx, "WebSocket 連接建立", "room_id", roomID, "name", name)
	go h.readPump(ctx, c, true)
}

func joinFailure(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "join failed"
}

// readPump 讀取客戶端訊框並交給房間
//
// 60 秒內沒有收到任何訊息（包括 Pong）就關閉連接。
func (h *Hub) readPump(ctx context.Context, c *Connection, joined bool) {
	defer h.wg.Done()
	defer func() {
		h.registry.unregister(c)
		c.conn.Close()
		if joined {
			if err := h.lobby.Leave(c.PlayerID); err != nil && !errors.IsNotFound(err) {
				h.logger.WarnContext(ctx, "離開房間失敗", "error", err)
			}
		}
		h.logger.InfoContext(ctx, "WebSocket 連接關閉")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
	}

	// Pong 處理器（收到 Pong 重置超時）
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		if !joined {
			continue
		}

		cmd, err := h.decode(messageType, message)
		if err != nil {
			h.logger.WarnContext(ctx, "丟棄無法解析的訊框", "error", err, "size", len(message))
			continue
		}
		if err := h.lobby.RouteInput(c.PlayerID, cmd); err != nil {
			h.logger.DebugContext(ctx, "丟棄輸入", "error", err)
		}
	}
}

// decode 二進位訊框走 codec；文字訊息只接受 {"event":"ping"}
func (h *Hub) decode(messageType int, message []byte) (codec.Command, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return codec.Decode(message)
	case websocket.TextMessage:
		env, err := codec.ParseEnvelope(message)
		if err != nil {
			return nil, err
		}
		if env.Event == "ping" {
			return codec.Ping{}, nil
		}
		return nil, errors.ErrUnknownCommand.WithDetails(env.Event)
	default:
		return nil, errors.ErrMalformedFrame
	}
}

// writePump 把緩衝區的訊息寫入連線，並每 54 秒送出 Ping
func (h *Hub) writePump(ctx context.Context, c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// 註冊表關閉了通道，送出帶原因的 close frame
				deadline := time.Now().Add(time.Second)
				if err := c.conn.SetWriteDeadline(deadline); err == nil {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
					_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				}
				return
			}

			if err := h.write(c, frame); err != nil {
				h.logger.DebugContext(ctx, "發送訊息失敗", "error", err)
				return
			}

			// 批量發送隊列中的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				if err := h.write(c, next); err != nil {
					h.logger.DebugContext(ctx, "發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				h.logger.ErrorContext(ctx, "設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(c *Connection, frame codec.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(messageType, frame.Payload)
}

// Stop 關閉所有連線並等待讀 goroutine 結束
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	n := h.registry.CloseAll("shutdown")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("WebSocket Hub 已停止", "closed", n)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
