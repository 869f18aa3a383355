package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"HumanLoop/internal/api"
	"HumanLoop/internal/config"
	"HumanLoop/internal/engine"
	"HumanLoop/internal/humantask"
	"HumanLoop/internal/observability/alerting"
	"HumanLoop/internal/observability/metrics"
	"HumanLoop/internal/relay"
	"HumanLoop/internal/task"
	"HumanLoop/internal/workflows"
	"HumanLoop/pkg/logger"
)

// loadConfig 读取 --config 指定的配置并初始化日志。
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	opts := []task.StoreOption{task.WithLeaseTimeout(cfg.LeaseTimeout.Duration)}
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return task.NewMemoryStore(opts...), nil
	case "sqlite", "sqlite3":
		if dsn := cfg.DSN; dsn != "" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
	}
	return task.NewSQLStore(ctx, task.SQLConfig{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
	}, opts...)
}

func openRelay(ctx context.Context, cfg config.RelayConfig) (relay.Queue, error) {
	return relay.Open(ctx, relay.Options{
		Driver:     cfg.Driver,
		BufferSize: cfg.BufferSize,
		Redis: relay.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Duration,
		},
		RabbitMQ: relay.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		},
		NATS: relay.NATSConfig{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			Token:          cfg.NATS.Token,
			User:           cfg.NATS.User,
			Password:       cfg.NATS.Password,
			Subject:        cfg.NATS.Subject,
			QueueGroup:     cfg.NATS.QueueGroup,
			ReconnectWait:  cfg.NATS.ReconnectWait.Duration,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: cfg.NATS.ConnectTimeout.Duration,
		},
	})
}

func retryPolicy(cfg config.RetryConfig) engine.RetryPolicy {
	return engine.RetryPolicy{
		InitialInterval:     cfg.InitialInterval.Duration,
		BackoffCoefficient:  cfg.BackoffCoefficient,
		MaximumInterval:     cfg.MaximumInterval.Duration,
		MaximumAttempts:     cfg.MaximumAttempts,
		StartToCloseTimeout: cfg.StartToCloseTimeout.Duration,
	}
}

func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// runtime 汇总引擎侧的组件：actor 引擎、通知处理器与演示工作流。
type runtime struct {
	engine    *engine.Engine
	processor *humantask.Processor
	runner    *workflows.Runner
}

func newRuntime(cfg *config.Config, store task.Store, consumer relay.Consumer, alerter alerting.Dispatcher) *runtime {
	policy := retryPolicy(cfg.Engine.Retry)
	eng := engine.New(
		engine.WithRunTimeout(cfg.Engine.RunTimeout.Duration),
		engine.WithRetryPolicy(policy),
	)
	requestor := humantask.NewRequestor(store,
		humantask.WithRunTimeout(cfg.Engine.RunTimeout.Duration),
		humantask.WithCompletionCheckInterval(cfg.Engine.CompletionCheck.Duration),
	)
	processor := humantask.NewProcessor(eng, consumer,
		humantask.WithWorkerCount(cfg.Relay.Workers),
		humantask.WithNoticeObserver(metrics.Recorder{}),
		humantask.WithAlertDispatcher(alerter),
	)
	return &runtime{
		engine:    eng,
		processor: processor,
		runner:    workflows.NewRunner(eng, workflows.Default(requestor)),
	}
}

func (r *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.engine.Shutdown(ctx); err != nil {
		logger.L().Warn("关闭引擎超时", slog.Any("error", err))
	}
}

func newGateway(cfg *config.Config, store task.Store, producer relay.Producer, runner *workflows.Runner, alerter alerting.Dispatcher) *api.Server {
	opts := []api.Option{
		api.WithRelay(producer),
		api.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		api.WithAlertDispatcher(alerter),
	}
	if runner != nil {
		opts = append(opts, api.WithWorkflows(runner))
	}
	return api.NewServer(cfg.Server.Address, task.NewService(store, task.WithObserver(metrics.Recorder{})), opts...)
}

// ignoreCanceled 把正常退出时的 context.Canceled 视为成功。
func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closeAll(store task.Store, queue relay.Queue) {
	if queue != nil {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭通知队列失败", slog.Any("error", err))
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.L().Warn("关闭任务存储失败", slog.Any("error", err))
		}
	}
	_ = logger.Sync()
}
