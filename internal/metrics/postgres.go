package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore 把房間結果保存到 room_results / room_scores
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 建立 PostgreSQL 結果存儲，資料表由 migrations 套件建立
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CheckSchema 確認結果資料表存在
func (s *PostgresStore) CheckSchema(ctx context.Context) error {
	for _, table := range []string{"room_results", "room_scores"} {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			return fmt.Errorf("檢查資料表 %s 失敗: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("資料表 %s 不存在", table)
		}
	}
	return nil
}

// SaveResult 實現 ResultStore，房間與分數在同一個交易中寫入
func (s *PostgresStore) SaveResult(ctx context.Context, result RoomResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("開始交易失敗: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO room_results (room_id, width, height, ticks, reason, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id) DO UPDATE
		SET ticks = EXCLUDED.ticks, reason = EXCLUDED.reason, ended_at = EXCLUDED.ended_at`,
		result.RoomID, result.Width, result.Height, int64(result.Ticks),
		result.Reason, result.StartedAt, result.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("寫入房間結果失敗: %w", err)
	}

	batch := &pgx.Batch{}
	for _, sc := range result.Scores {
		batch.Queue(`
			INSERT INTO room_scores (room_id, player_id, name, rule, points)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (room_id, player_id) DO UPDATE SET points = EXCLUDED.points`,
			result.RoomID, sc.PlayerID, sc.Name, sc.Rule, sc.Points,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("寫入分數失敗: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("提交交易失敗: %w", err)
	}
	return nil
}

// RecentResults 返回最近結束的房間（依結束時間新到舊）
func (s *PostgresStore) RecentResults(ctx context.Context, limit int) ([]RoomResult, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT room_id, width, height, ticks, reason, started_at, ended_at
		FROM room_results
		ORDER BY ended_at DESC, room_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("查詢房間結果失敗: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RoomResult, error) {
		var r RoomResult
		var ticks int64
		err := row.Scan(&r.RoomID, &r.Width, &r.Height, &ticks, &r.Reason, &r.StartedAt, &r.EndedAt)
		r.Ticks = uint64(ticks)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("讀取房間結果失敗: %w", err)
	}

	for i := range results {
		scores, err := s.scores(ctx, results[i].RoomID)
		if err != nil {
			return nil, err
		}
		results[i].Scores = scores
	}
	return results, nil
}

func (s *PostgresStore) scores(ctx context.Context, roomID int64) ([]Score, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, name, rule, points
		FROM room_scores
		WHERE room_id = $1
		ORDER BY points DESC, player_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("查詢分數失敗: %w", err)
	}

	scores, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Score, error) {
		var sc Score
		err := row.Scan(&sc.PlayerID, &sc.Name, &sc.Rule, &sc.Points)
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("讀取分數失敗: %w", err)
	}
	return scores, nil
}
