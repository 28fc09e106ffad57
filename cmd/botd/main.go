package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Cryptobot-Chain/internal/api"
	"Cryptobot-Chain/internal/config"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/observability/alerting"
	"Cryptobot-Chain/internal/observability/metrics"
	"Cryptobot-Chain/internal/tx"
	"Cryptobot-Chain/pkg/logger"
)

// main 是 botd 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 $BOTD_CONFIG 或 configs/botd.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("botd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("botd")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			lg.Error("关闭账本存储失败", slog.Any("error", err))
		}
	}()

	ledgerOpts := []ledger.Option{}
	if m != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithObserver(m))
	}
	ledgerService := ledger.NewService(store, ledgerOpts...)

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Error("关闭交易队列失败", slog.Any("error", err))
		}
	}()

	txService := tx.NewService(queue, ledgerService, nil, cfg.Queue.MaxRetries)
	processorOpts := []tx.ProcessorOption{
		tx.WithWorkerCount(cfg.Queue.Workers),
		tx.WithTracker(txService.Tracker()),
		tx.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	}
	if m != nil {
		processorOpts = append(processorOpts, tx.WithObserver(m))
	}
	processor := tx.NewProcessor(ledgerService, queue, queue, processorOpts...)

	// 先于队列与存储的关闭执行，处理器退出后才释放它依赖的资源。
	stopProcessor := runInBackground(ctx, lg, "交易处理器", processor.Start)
	defer stopProcessor()

	serverOpts := []api.Option{
		api.WithTransactions(txService),
		api.WithSignatureRequired(cfg.Identity.RequireSignature),
		api.WithSignatureSkew(cfg.Identity.MaxSkew()),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	}
	if m != nil {
		serverOpts = append(serverOpts, api.WithMetrics(m, cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, ledgerService, serverOpts...)

	lg.Info("botd 启动",
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Bool("require_signature", cfg.Identity.RequireSignature),
		slog.Bool("metrics", cfg.Metrics.Enabled))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runInBackground 在独立 goroutine 中运行 fn。返回的 stop 取消 fn 的上下文，并在 fn 返回后才返回。
func runInBackground(ctx context.Context, lg *slog.Logger, name string, fn func(context.Context) error) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error(name+"异常退出", slog.Any("error", err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// loadConfig 依次尝试命令行参数、环境变量与默认路径，默认文件不存在时使用内置配置。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if path != "" {
		return config.Load(path)
	}
	fallback := filepath.Join("configs", "botd.yaml")
	if _, err := os.Stat(fallback); err == nil {
		return config.Load(fallback)
	}
	return config.Default(), nil
}

func openLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return ledger.NewMySQLStore(ctx, ledger.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "redis":
		return ledger.NewRedisStore(ctx, ledger.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (tx.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return tx.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return tx.NewRedisQueue(ctx, tx.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return tx.NewRabbitMQQueue(tx.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
