package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"HumanLoop/sdk/go/humanloop"
)

var gatewayFlag = &cli.StringFlag{
	Name:    "url",
	Usage:   "网关地址",
	Value:   "http://localhost:8080",
	EnvVars: []string{"HUMANLOOP_URL"},
}

var assigneeFlag = &cli.StringFlag{
	Name:    "assignee",
	Aliases: []string{"a"},
	Usage:   "处理人标识",
	EnvVars: []string{"HUMANLOOP_ASSIGNEE"},
}

func newClient(c *cli.Context) (*humanloop.Client, error) {
	return humanloop.NewClient(c.String("url"), nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func claimCommand() *cli.Command {
	return &cli.Command{
		Name:  "claim",
		Usage: "claim the next available task",
		Flags: []cli.Flag{gatewayFlag, assigneeFlag},
		Action: func(c *cli.Context) error {
			if c.String("assignee") == "" {
				return cli.Exit("--assignee 不能为空", 2)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			claimed, err := client.Start(c.Context, c.String("assignee"))
			if err != nil {
				if humanloop.IsCode(err, "NO_TASKS_AVAILABLE") {
					fmt.Fprintln(c.App.Writer, "当前没有可领取的任务")
					return nil
				}
				return err
			}
			return printJSON(c.App.Writer, claimed)
		},
	}
}

func heartbeatCommand() *cli.Command {
	return &cli.Command{
		Name:      "heartbeat",
		Usage:     "refresh the lease on a task",
		ArgsUsage: "<task-id>",
		Flags:     []cli.Flag{gatewayFlag, assigneeFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("用法: heartbeat <task-id>", 2)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			updated, err := client.Heartbeat(c.Context, c.Args().First(), c.String("assignee"))
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, updated)
		},
	}
}

func completeCommand() *cli.Command {
	return &cli.Command{
		Name:      "complete",
		Usage:     "submit the output of a task",
		ArgsUsage: "<task-id> <json-output>",
		Flags:     []cli.Flag{gatewayFlag, assigneeFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("用法: complete <task-id> <json-output>", 2)
			}
			output := json.RawMessage(c.Args().Get(1))
			if !json.Valid(output) {
				return cli.Exit("输出必须是合法的 JSON", 2)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			done, err := client.Complete(c.Context, c.Args().First(), c.String("assignee"), output)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, done)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list tasks",
		Flags: []cli.Flag{
			gatewayFlag,
			&cli.StringSliceFlag{Name: "status", Usage: "not-started / in-progress / completed，可重复"},
			&cli.StringFlag{Name: "type"},
			&cli.StringFlag{Name: "assignee"},
			&cli.IntFlag{Name: "limit", Value: 20},
			&cli.IntFlag{Name: "offset"},
			&cli.StringFlag{Name: "order", Usage: "id / recent / oldest"},
		},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			page, err := client.List(c.Context, humanloop.ListParams{
				Statuses: c.StringSlice("status"),
				Type:     c.String("type"),
				Assignee: c.String("assignee"),
				Limit:    c.Int("limit"),
				Offset:   c.Int("offset"),
				Order:    c.String("order"),
			})
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, page)
		},
	}
}

// answerCommand 以交互方式处理任务：展示输入，从标准输入读取一行 JSON 作为结果。
func answerCommand() *cli.Command {
	return &cli.Command{
		Name:  "answer",
		Usage: "interactively claim tasks and answer them from stdin",
		Flags: []cli.Flag{
			gatewayFlag,
			assigneeFlag,
			&cli.DurationFlag{Name: "poll", Value: 2 * time.Second, Usage: "无任务时的轮询间隔"},
			&cli.DurationFlag{Name: "heartbeat", Value: time.Minute, Usage: "续租间隔"},
		},
		Action: func(c *cli.Context) error {
			if c.String("assignee") == "" {
				return cli.Exit("--assignee 不能为空", 2)
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			worker := humanloop.NewWorker(client, c.String("assignee"),
				humanloop.WithPollInterval(c.Duration("poll")),
				humanloop.WithHeartbeatInterval(c.Duration("heartbeat")),
			)
			return ignoreCanceled(worker.Run(c.Context, promptHandler(c.App.Writer, os.Stdin)))
		},
	}
}

func promptHandler(out io.Writer, in io.Reader) humanloop.HandlerFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, t humanloop.Task) (any, error) {
		fmt.Fprintf(out, "\n任务 %s (%s)\n输入: %s\n", t.ID, t.Type, t.Input)
		for {
			fmt.Fprint(out, "结果 (JSON)> ")
			line, err := reader.ReadString('\n')
			if err != nil && strings.TrimSpace(line) == "" {
				return nil, err
			}
			line = strings.TrimSpace(line)
			if json.Valid([]byte(line)) {
				return json.RawMessage(line), nil
			}
			fmt.Fprintln(out, "不是合法的 JSON，请重新输入")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
}
