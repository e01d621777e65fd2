package lobby

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/logger"
)

// ResultLister 查詢已結束房間的結果
type ResultLister interface {
	RecentResults(ctx context.Context, limit int) ([]metrics.RoomResult, error)
}

// StatsProvider 額外的統計來源
type StatsProvider func() any

// Handler HTTP 請求處理器
type Handler struct {
	manager *Manager
	logger  *slog.Logger
	results ResultLister
	extra   map[string]StatsProvider
}

// HandlerOption 處理器選項
type HandlerOption func(*Handler)

// WithResults 啟用 /api/v1/results
func WithResults(results ResultLister) HandlerOption {
	return func(h *Handler) {
		h.results = results
	}
}

// WithStats 在 /stats 加入一個區段
func WithStats(name string, provider StatsProvider) HandlerOption {
	return func(h *Handler) {
		h.extra[name] = provider
	}
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager: manager,
		logger:  logger,
		extra:   make(map[string]StatsProvider),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 把路由註冊到現有的 mux（WebSocket 端點共用同一個 mux）
func (h *Handler) Register(mux *http.ServeMux) {
	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間 API
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/end", wrap(h.endRoom))
	mux.HandleFunc("GET /api/v1/rules", wrap(h.listRules))
	mux.HandleFunc("GET /api/v1/results", wrap(h.listResults))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")

	limit := 50
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}

	rooms := make([]game.Info, 0)
	total := 0
	for _, info := range h.manager.Rooms() {
		if state != "" && info.State != state {
			continue
		}
		total++
		if len(rooms) < limit {
			rooms = append(rooms, info)
		}
	}

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
	}, http.StatusOK)
}

// getRoom 獲取房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	info, err := h.manager.Room(roomID)
	if err != nil {
		h.appError(w, err)
		return
	}

	h.jsonResponse(w, info, http.StatusOK)
}

// endRoom 提前結束房間
func (h *Handler) endRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := h.roomID(w, r)
	if !ok {
		return
	}

	if err := h.manager.EndRoom(roomID); err != nil {
		h.appError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "房間被提前結束", "room_id", roomID)
	h.jsonResponse(w, map[string]any{
		"success": true,
		"room_id": roomID,
	}, http.StatusAccepted)
}

// listRules 列出可選的規則
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	type ruleInfo struct {
		Name     string `json:"name"`
		Notation string `json:"notation"`
	}

	names := rule.Names()
	rules := make([]ruleInfo, 0, len(names))
	for _, name := range names {
		rl, err := rule.Lookup(name)
		if err != nil {
			continue
		}
		rules = append(rules, ruleInfo{Name: rl.Name(), Notation: rl.Notation()})
	}

	h.jsonResponse(w, map[string]any{
		"rules":   rules,
		"default": rule.Default,
	}, http.StatusOK)
}

// listResults 列出最近結束的房間
func (h *Handler) listResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		h.errorResponse(w, "results store not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results, err := h.results.RecentResults(ctx, limit)
	if err != nil {
		h.logger.ErrorContext(ctx, "查詢房間結果失敗", "error", err)
		h.errorResponse(w, "failed to load results", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"results": results,
		"total":   len(results),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	for name, provider := range h.extra {
		stats[name] = provider()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

func (h *Handler) roomID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		h.errorResponse(w, "invalid room id", http.StatusBadRequest)
		return 0, false
	}
	return roomID, true
}

// appError 依錯誤碼決定狀態碼
func (h *Handler) appError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsRoomFull(err):
		status = http.StatusConflict
	case errors.IsConfig(err), errors.IsProtocol(err):
		status = http.StatusBadRequest
	case errors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		h.errorResponse(w, appErr.Message, status)
		return
	}
	h.errorResponse(w, err.Error(), status)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件，每個請求帶一個 request id
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r.WithContext(ctx))

		h.logger.InfoContext(ctx, "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
