package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectNATS 連接 NATS，斷線後無限重連
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("cellular-arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}

// NATSRecorder 把每則訊息事件發佈到 <prefix>.<type>
//
// 發佈是 fire-and-forget：NATS 斷線期間的事件由客戶端緩衝，緩衝滿後丟棄。
type NATSRecorder struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSRecorder 建立 NATS 記錄器
func NewNATSRecorder(conn *nats.Conn, prefix string) *NATSRecorder {
	if prefix == "" {
		prefix = "arena.messages"
	}
	return &NATSRecorder{conn: conn, prefix: prefix}
}

// Subject 返回事件類型對應的主題
func (r *NATSRecorder) Subject(eventType string) string {
	return r.prefix + "." + eventType
}

// Record 實現 Recorder
func (r *NATSRecorder) Record(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("序列化事件失敗: %w", err)
		}
		if err := r.conn.Publish(r.Subject(e.Type), data); err != nil {
			return fmt.Errorf("發佈事件失敗: %w", err)
		}
	}
	return nil
}
