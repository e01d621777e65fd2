// Package migrations 管理房間結果資料表的 schema
//
// 服務器只會把資料庫遷移到與自己一起編譯的 schema 版本，資料庫版本較新時拒絕啟動，
// 避免舊版本寫入它不認識的資料表。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaAhead 資料庫的 schema 比這個版本的服務器新
var ErrSchemaAhead = errors.New("database schema is newer than this build")

// Migrator 把結果資料庫遷移到嵌入的最新版本
type Migrator struct {
	migrate *migrate.Migrate
	source  source.Driver
	target  uint
	logger  *slog.Logger
}

// New 建立遷移管理器，databaseURL 為 postgres:// 形式
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	target, err := latestVersion(src)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{migrate: m, source: src, target: target, logger: logger}, nil
}

// Target 返回嵌入的最新 schema 版本
func (m *Migrator) Target() uint { return m.target }

// Up 遷移到 Target 版本
//
// 上次遷移中斷留下的髒狀態會退回前一個版本後重跑，SQL 皆為 IF NOT EXISTS 因此可重複執行。
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		version = 0
	case err != nil:
		return fmt.Errorf("獲取當前版本失敗: %w", err)
	}

	if version > m.target {
		return fmt.Errorf("%w: database=%d build=%d", ErrSchemaAhead, version, m.target)
	}

	if dirty {
		prev := m.previous(version)
		m.logger.Warn("資料庫處於髒狀態，退回前一版本重跑", "version", version, "force", prev)
		if err := m.migrate.Force(prev); err != nil {
			return fmt.Errorf("修復髒狀態失敗: %w", err)
		}
	}

	if err := m.migrate.Migrate(m.target); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Debug("資料庫已是最新版本", "version", version)
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	m.logger.Info("資料庫遷移成功", "from", version, "to", m.target)
	return nil
}

// previous 返回 version 的前一個版本，沒有時為 database.NilVersion
func (m *Migrator) previous(version uint) int {
	prev, err := m.source.Prev(version)
	if err != nil {
		return database.NilVersion
	}
	return int(prev)
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("關閉源失敗: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("關閉資料庫連線失敗: %w", dbErr)
	}
	return nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("讀取遷移版本失敗: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("讀取遷移版本失敗: %w", err)
		}
		version = next
	}
}
