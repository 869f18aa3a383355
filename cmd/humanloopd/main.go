package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// main 是 humanloopd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "humanloopd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "humanloopd",
		Usage: "human-in-the-loop task gateway and workflow runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（.json/.yaml/.toml），为空时使用默认配置",
				EnvVars: []string{"HUMANLOOP_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			gatewayCommand(),
			workerCommand(),
			claimCommand(),
			heartbeatCommand(),
			completeCommand(),
			listCommand(),
			answerCommand(),
		},
	}
}
