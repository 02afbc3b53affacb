package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mineland.ai/internal/config"
)

func newRunCmd(rf *rootFlags) *cobra.Command {
	var (
		steps  int
		taskID string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reset, step the roster with no-op actions and print agent 0's position",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rf.config, rf.env)
			if err != nil {
				return err
			}
			if taskID != "" {
				cfg.Task.ID = taskID
				cfg.Task.Kind = ""
			}
			return runEpisode(cfg, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "stop after this many steps (0 runs until the task is done or interrupted)")
	cmd.Flags().StringVar(&taskID, "task", "", "task id override")
	return cmd
}

func runEpisode(cfg config.Config, steps int) error {
	logger := newLogger("mland")
	ctx, cancel := signalContext()
	defer cancel()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	env := st.env

	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer ccancel()
		if _, err := env.Close(cctx); err != nil {
			logger.Printf("close: %v", err)
		}
	}()

	obs, err := env.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	logger.Printf("session=%s task=%s agents=%d", env.SessionID(), env.Task().ID(), len(obs))

	for i := 0; steps == 0 || i < steps; i++ {
		if ctx.Err() != nil {
			logger.Printf("interrupted after %d steps", i)
			return nil
		}
		out, err := env.Step(ctx, env.NoOps())
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if o := out.Observations[0]; o != nil {
			fmt.Printf("step=%d pos=%v\n", out.Step, o.LocationStats.Pos)
		} else {
			fmt.Printf("step=%d pos=<absent>\n", out.Step)
		}
		if out.Done {
			logger.Printf("done score=%.3f success=%t failed=%t", out.Status.Score, out.Status.IsSuccess, out.Status.IsFailed)
			return nil
		}
	}
	return nil
}
