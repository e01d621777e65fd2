// Package config 載入服務配置
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/rule"
	"github.com/koopa0/system-design/14-cellular-arena/internal/scheduler"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		NodeID       int64         `yaml:"node_id"` // snowflake 節點 ID
	} `yaml:"server"`

	Game struct {
		Width           int           `yaml:"width"`
		Height          int           `yaml:"height"`
		Duration        time.Duration `yaml:"duration"`
		MaxPlayers      int           `yaml:"max_players"`
		EmptyTimeout    time.Duration `yaml:"empty_timeout"`
		BackgroundRule  string        `yaml:"background_rule"`
		BackgroundColor string        `yaml:"background_color"`
		Palette         []string      `yaml:"palette"`
		SeedDensity     float64       `yaml:"seed_density"`
		QueueCapacity   int           `yaml:"queue_capacity"`
	} `yaml:"game"`

	Scheduler struct {
		Capacity      int           `yaml:"capacity"`
		TickInterval  time.Duration `yaml:"tick_interval"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"scheduler"`

	Metrics struct {
		BufferSize    int           `yaml:"buffer_size"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
	} `yaml:"metrics"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		KeyPrefix    string        `yaml:"key_prefix"`
		RoomTTL      time.Duration `yaml:"room_ttl"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置（外部依賴全部關閉）
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.NodeID = 1

	cfg.Game.Width = 64
	cfg.Game.Height = 64
	cfg.Game.Duration = 5 * time.Minute
	cfg.Game.MaxPlayers = 8
	cfg.Game.EmptyTimeout = 30 * time.Second
	cfg.Game.BackgroundRule = rule.Default
	cfg.Game.BackgroundColor = "#1e1e1e"
	cfg.Game.Palette = []string{
		"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
		"#f58231", "#911eb4", "#46f0f0", "#f032e6",
	}
	cfg.Game.SeedDensity = 0.1
	cfg.Game.QueueCapacity = 1024

	def := scheduler.DefaultConfig()
	cfg.Scheduler.Capacity = def.Capacity
	cfg.Scheduler.TickInterval = def.TickInterval
	cfg.Scheduler.SweepInterval = def.SweepInterval

	dispatch := metrics.DefaultDispatcherConfig()
	cfg.Metrics.BufferSize = dispatch.BufferSize
	cfg.Metrics.BatchSize = dispatch.BatchSize
	cfg.Metrics.FlushInterval = dispatch.FlushInterval
	cfg.Metrics.WriteTimeout = dispatch.WriteTimeout

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.KeyPrefix = "arena"
	cfg.Redis.RoomTTL = 24 * time.Hour

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "arena"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.SubjectPrefix = "arena.events"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 載入配置檔案，檔案不存在時返回預設配置
//
// 檔案中沒有出現的欄位保留預設值。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	// #nosec G304 - path 來自啟動參數
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfig, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.ErrInvalidConfig.WithDetails(fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.ErrInvalidConfig.WithDetails("tick interval must be positive")
	}
	if c.Scheduler.Capacity <= 0 {
		return errors.ErrInvalidConfig.WithDetails("container capacity must be positive")
	}
	return c.Room().Validate()
}

// Room 轉換為房間參數，房間的時間以排程週期推進
func (c *Config) Room() game.Config {
	return game.Config{
		Width:           c.Game.Width,
		Height:          c.Game.Height,
		Duration:        c.Game.Duration,
		TickInterval:    c.Scheduler.TickInterval,
		MaxPlayers:      c.Game.MaxPlayers,
		EmptyTimeout:    c.Game.EmptyTimeout,
		BackgroundRule:  c.Game.BackgroundRule,
		BackgroundColor: c.Game.BackgroundColor,
		Palette:         append([]string(nil), c.Game.Palette...),
		SeedDensity:     c.Game.SeedDensity,
		QueueCapacity:   c.Game.QueueCapacity,
	}
}

// SchedulerConfig 轉換為排程器參數
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Capacity:      c.Scheduler.Capacity,
		TickInterval:  c.Scheduler.TickInterval,
		SweepInterval: c.Scheduler.SweepInterval,
	}
}

// DispatcherConfig 轉換為指標分派器參數
func (c *Config) DispatcherConfig() metrics.DispatcherConfig {
	return metrics.DispatcherConfig{
		BufferSize:    c.Metrics.BufferSize,
		BatchSize:     c.Metrics.BatchSize,
		FlushInterval: c.Metrics.FlushInterval,
		WriteTimeout:  c.Metrics.WriteTimeout,
	}
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
