package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder 以 Redis hash 累計訊息數量與位元組數
//
// 鍵結構：
//
//	<prefix>:messages            field <type>:count / <type>:bytes（全域）
//	<prefix>:room:<id>:messages  field <type>:count / <type>:bytes（每房間，帶 TTL）
type RedisRecorder struct {
	client  *redis.Client
	prefix  string
	roomTTL time.Duration
}

// NewRedisRecorder 建立 Redis 記錄器
func NewRedisRecorder(client *redis.Client, prefix string, roomTTL time.Duration) *RedisRecorder {
	if prefix == "" {
		prefix = "arena"
	}
	if roomTTL <= 0 {
		roomTTL = time.Hour
	}
	return &RedisRecorder{client: client, prefix: prefix, roomTTL: roomTTL}
}

// GlobalKey 全域統計的鍵
func (r *RedisRecorder) GlobalKey() string {
	return r.prefix + ":messages"
}

// RoomKey 房間統計的鍵
func (r *RedisRecorder) RoomKey(roomID int64) string {
	return r.prefix + ":room:" + strconv.FormatInt(roomID, 10) + ":messages"
}

type counter struct {
	count int64
	bytes int64
}

// Record 實現 Recorder：先在記憶體合併，再以單一 pipeline 寫入
func (r *RedisRecorder) Record(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	global := make(map[string]*counter)
	rooms := make(map[int64]map[string]*counter)
	for _, e := range events {
		add(global, e)
		perRoom, ok := rooms[e.RoomID]
		if !ok {
			perRoom = make(map[string]*counter)
			rooms[e.RoomID] = perRoom
		}
		add(perRoom, e)
	}

	pipe := r.client.Pipeline()
	r.incr(ctx, pipe, r.GlobalKey(), global)
	for roomID, perRoom := range rooms {
		key := r.RoomKey(roomID)
		r.incr(ctx, pipe, key, perRoom)
		pipe.Expire(ctx, key, r.roomTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("寫入 Redis 統計失敗: %w", err)
	}
	return nil
}

// Totals 讀取一個 hash 的統計（測試與管理介面使用）
func (r *RedisRecorder) Totals(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("欄位 %s 不是整數: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

func (r *RedisRecorder) incr(ctx context.Context, pipe redis.Pipeliner, key string, counters map[string]*counter) {
	for typ, c := range counters {
		pipe.HIncrBy(ctx, key, typ+":count", c.count)
		pipe.HIncrBy(ctx, key, typ+":bytes", c.bytes)
	}
}

func add(counters map[string]*counter, e Event) {
	c, ok := counters[e.Type]
	if !ok {
		c = &counter{}
		counters[e.Type] = c
	}
	c.count++
	c.bytes += int64(e.Size)
}
