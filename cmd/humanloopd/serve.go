package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"HumanLoop/internal/relay"
	"HumanLoop/pkg/logger"
)

// serveCommand 在一个进程内运行网关、引擎与通知处理器。
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run gateway, engine and relay processor in one process",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			store, err := openStore(ctx, cfg.Storage.TaskStore)
			if err != nil {
				return err
			}
			queue, err := openRelay(ctx, cfg.Relay)
			if err != nil {
				closeAll(store, nil)
				return err
			}
			defer closeAll(store, queue)

			alerter := newAlerter(cfg.Alerting)
			rt := newRuntime(cfg, store, queue, alerter)
			defer rt.shutdown()
			server := newGateway(cfg, store, queue, rt.runner, alerter)

			logger.L().Info("humanloopd 启动",
				slog.String("addr", cfg.Server.Address),
				slog.String("store", cfg.Storage.TaskStore.Driver),
				slog.String("relay", cfg.Relay.Driver),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(rt.processor.Start(gctx)) })
			g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
			return g.Wait()
		},
	}
}

// gatewayCommand 只运行网关，完成通知经外部队列交给 worker 进程。
func gatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "run only the HTTP gateway, publishing completion notices to the relay",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context
			if cfg.Relay.Driver == "" || cfg.Relay.Driver == relay.DriverMemory {
				logger.L().Warn("gateway 使用内存通知队列，其他进程中的协调者将收不到完成通知")
			}

			store, err := openStore(ctx, cfg.Storage.TaskStore)
			if err != nil {
				return err
			}
			queue, err := openRelay(ctx, cfg.Relay)
			if err != nil {
				closeAll(store, nil)
				return err
			}
			defer closeAll(store, queue)

			server := newGateway(cfg, store, queue, nil, newAlerter(cfg.Alerting))
			return ignoreCanceled(server.Start(ctx))
		},
	}
}

// workerCommand 运行引擎与通知处理器，可选地启动一个演示工作流。
func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run the workflow engine and relay processor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "启动后运行的工作流名称，例如 addDigitsInStringTogether"},
			&cli.StringFlag{Name: "input", Usage: "工作流输入（JSON）", Value: `""`},
		},
		Action: func(c *cli.Context) error {
			name, input := c.String("workflow"), c.String("input")
			if name != "" && !json.Valid([]byte(input)) {
				return cli.Exit("--input 必须是合法的 JSON", 2)
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			store, err := openStore(ctx, cfg.Storage.TaskStore)
			if err != nil {
				return err
			}
			queue, err := openRelay(ctx, cfg.Relay)
			if err != nil {
				closeAll(store, nil)
				return err
			}
			defer closeAll(store, queue)

			rt := newRuntime(cfg, store, queue, newAlerter(cfg.Alerting))
			defer rt.shutdown()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return ignoreCanceled(rt.processor.Start(gctx)) })

			if name != "" {
				run, err := rt.runner.Start(gctx, name, []byte(input))
				if err != nil {
					cancel()
					_ = g.Wait()
					return err
				}
				g.Go(func() error {
					final, err := rt.runner.Wait(gctx, run.ID)
					if err != nil {
						return ignoreCanceled(err)
					}
					logger.L().Info("工作流结束",
						slog.String("run_id", final.ID),
						slog.String("state", string(final.State)),
						slog.Any("output", final.Output),
						slog.String("error", final.Error),
					)
					return nil
				})
			}
			return g.Wait()
		},
	}
}
