package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-cellular-arena/internal/config"
	"github.com/koopa0/system-design/14-cellular-arena/internal/lobby"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics/migrations"
	"github.com/koopa0/system-design/14-cellular-arena/internal/transport"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/logger"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/snowflake"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔案）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.AddSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	ids, err := snowflake.New(cfg.Server.NodeID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 外部依賴（皆為選用）
	var (
		recorders []metrics.Recorder
		stores    []metrics.ResultStore
		handlerOp []lobby.HandlerOption
	)

	if cfg.Redis.Enabled {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		recorders = append(recorders, metrics.NewRedisRecorder(client, cfg.Redis.KeyPrefix, cfg.Redis.RoomTTL))
		log.Info("Redis 指標已啟用", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.Enabled {
		pool, err := connectPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := metrics.NewPostgresStore(pool)
		if err := store.CheckSchema(ctx); err != nil {
			return err
		}
		stores = append(stores, store)
		handlerOp = append(handlerOp, lobby.WithResults(store))
		log.Info("PostgreSQL 結果儲存已啟用", "host", cfg.Postgres.Host)
	}

	if cfg.NATS.Enabled {
		conn, err := metrics.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer drainNATS(conn, log)
		recorders = append(recorders, metrics.NewNATSRecorder(conn, cfg.NATS.SubjectPrefix))
		log.Info("NATS 事件發布已啟用", "url", cfg.NATS.URL)
	}

	dispatcher := metrics.NewDispatcher(cfg.DispatcherConfig(), recorders, stores, log)
	registry := transport.NewRegistry(log)

	manager, err := lobby.NewManager(cfg.Room(), cfg.SchedulerConfig(), ids, registry, dispatcher, dispatcher, log)
	if err != nil {
		dispatcher.Stop()
		return fmt.Errorf("create lobby: %w", err)
	}

	hub := transport.NewHub(registry, manager, ids, log)

	handlerOp = append(handlerOp,
		lobby.WithStats("connections", func() any { return registry.Stats() }),
		lobby.WithStats("metrics", func() any { return dispatcher.Stats() }),
	)
	handler := lobby.NewHandler(manager, log, handlerOp...)

	// 設置路由
	mux := http.NewServeMux()
	handler.Register(mux)
	hub.Register(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("細胞競技場服務器啟動",
			"port", cfg.Server.Port,
			"grid", fmt.Sprintf("%dx%d", cfg.Game.Width, cfg.Game.Height),
			"tick", cfg.Scheduler.TickInterval,
			"container_capacity", cfg.Scheduler.Capacity)
		serverErrors <- server.ListenAndServe()
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case sig := <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 斷開所有玩家
	if err := hub.Stop(shutdownCtx); err != nil {
		log.Error("WebSocket Hub 關閉失敗", "error", err)
	}

	// 結束所有房間，結果交給分派器
	manager.Stop()

	// 送出剩餘的指標
	dispatcher.Stop()

	log.Info("服務器已關閉", "metrics", dispatcher.Stats())
	return serveErr
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	// 執行資料庫遷移
	migrator, err := migrations.New(dsn, log)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		migrator.Close()
		return nil, fmt.Errorf("run migrations to version %d: %w", migrator.Target(), err)
	}
	if err := migrator.Close(); err != nil {
		log.Warn("關閉遷移器失敗", "error", err)
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func drainNATS(conn *nats.Conn, log *slog.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn("NATS drain 失敗", "error", err)
		conn.Close()
	}
}
