package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

func taskCMD(cfgPath *string) *cobra.Command {
	var wait time.Duration
	var cmd = &cobra.Command{
		Use:   "task",
		Short: "Enqueue distribution tasks and inspect their results",
	}
	cmd.PersistentFlags().DurationVar(&wait, "wait", 0, "poll until the task finishes or the duration elapses")

	enqueue := func(build func(args []string) tasks.Payload) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			return runTask(cmd.Context(), cfg, build(args), wait, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "distribute [target...]",
			Short: "Assign undistributed Telegram channels to sessions with spare capacity",
			RunE: enqueue(func(args []string) tasks.Payload {
				return tasks.Payload{Kind: tasks.KindDistribute, Targets: args}
			}),
		},
		&cobra.Command{
			Use:   "redistribute",
			Short: "Clear and evenly rebuild every assignment",
			Args:  cobra.NoArgs,
			RunE: enqueue(func([]string) tasks.Payload {
				return tasks.Payload{Kind: tasks.KindRedistribute}
			}),
		},
		&cobra.Command{
			Use:   "remove-session <phone>",
			Short: "Delete a session and hand its channels to the remaining sessions",
			Args:  cobra.ExactArgs(1),
			RunE: enqueue(func(args []string) tasks.Payload {
				return tasks.Payload{Kind: tasks.KindRemoveSession, PhoneNumber: args[0]}
			}),
		},
		&cobra.Command{
			Use:   "clean-duplicates",
			Short: "Drop repeated channels from session lists",
			Args:  cobra.NoArgs,
			RunE: enqueue(func([]string) tasks.Payload {
				return tasks.Payload{Kind: tasks.KindCleanDuplicates}
			}),
		},
		&cobra.Command{
			Use:   "status <task-id>",
			Short: "Show the recorded state of a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg := config.LoadConfig(*cfgPath)
				ctx := cmd.Context()
				rdb, err := openRedis(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = rdb.Close() }()
				rec, err := pollTask(ctx, newResults(cfg, rdb), args[0], wait)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			},
		},
	)
	return cmd
}

func runTask(ctx context.Context, cfg *config.Config, p tasks.Payload, wait time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	dispatcher, results, err := newDispatcher(cfg, rdb, log.New(os.Stderr, "[TASKS] ", log.LstdFlags))
	if err != nil {
		return err
	}
	p.RequestedBy = cliRequester()
	rec, err := dispatcher.Enqueue(ctx, p)
	if err != nil {
		return err
	}
	if wait > 0 {
		rec, err = pollTask(ctx, results, rec.TaskID, wait)
		if err != nil {
			return err
		}
	}
	return printJSON(out, rec)
}

// pollTask reads the task record, retrying until it is terminal or wait elapses.
func pollTask(ctx context.Context, results tasks.ResultStore, id string, wait time.Duration) (tasks.Record, error) {
	deadline := time.Now().Add(wait)
	for {
		rec, ok, err := results.Get(ctx, id)
		if err != nil {
			return tasks.Record{}, err
		}
		if !ok {
			return tasks.Record{}, fmt.Errorf("task %s not found or expired", id)
		}
		if rec.Status.Terminal() || !time.Now().Before(deadline) {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func cliRequester() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
