// Command mland drives a bot-control process step by step.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mineland.ai/internal/bridge"
	"mineland.ai/internal/config"
	"mineland.ai/internal/episode"
	"mineland.ai/internal/persistence/indexdb"
	persistlog "mineland.ai/internal/persistence/log"
	"mineland.ai/internal/task"
	"mineland.ai/internal/transport/console"
	"mineland.ai/internal/transport/control"
)

type rootFlags struct {
	config string
	env    string
}

func main() {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "mland",
		Short:         "Step bridge and task runner for a Mineflayer bot-control server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rf.config, "config", "", "path to config yaml (defaults when empty)")
	root.PersistentFlags().StringVar(&rf.env, "env", ".env", "dotenv file overlaid on the config (ignored if missing)")

	root.AddCommand(newRunCmd(&rf), newServeCmd(&rf), newReplayCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mland:", err)
		os.Exit(1)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags|log.Lmicroseconds)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// stack is everything one episode holds open.
type stack struct {
	env     *episode.Env
	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// tickRunner picks the console auto-pause advances through. A pipe is
// opened for writing here, so a FIFO blocks until the server reads it.
func tickRunner(cfg config.Config) (bridge.TickRunner, io.Closer, error) {
	if cfg.ConsolePipe != "" {
		f, err := os.OpenFile(cfg.ConsolePipe, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("console pipe: %w", err)
		}
		return console.NewWriterConsole(f), f, nil
	}
	wc := console.NewWSConsole(cfg.ConsoleURL, cfg.ConsoleTimeout)
	return wc, wc, nil
}

// buildStack wires config into a ready episode: control client, optional
// tick console, task and run recorders.
func buildStack(ctx context.Context, cfg config.Config, logger *log.Logger) (*stack, error) {
	st := &stack{}
	ccfg := cfg.Control()
	ccfg.Logger = logger
	c, err := control.New(ccfg)
	if err != nil {
		return nil, err
	}

	opts := []bridge.Option{bridge.WithLogger(logger)}
	if cfg.AutoPause {
		r, closer, err := tickRunner(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bridge.WithTickRunner(r), bridge.WithCloser(closer))
	}
	sess, err := bridge.New(c, cfg.Bridge(), opts...)
	if err != nil {
		return nil, err
	}

	tk, err := task.Build(ctx, cfg.Task, task.Deps{Scoring: cfg.ScoringDeps(), Logger: logger})
	if err != nil {
		return nil, err
	}

	envOpts := []episode.Option{episode.WithLogger(logger)}
	if cfg.StepLogDir != "" {
		sl := persistlog.NewStepLogger(cfg.StepLogDir)
		st.closers = append(st.closers, sl.Close)
		envOpts = append(envOpts, episode.WithRecorder(sl))
	}
	if cfg.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() error {
			s := idx.Stats()
			if s.DropStepTotal > 0 {
				logger.Printf("index dropped %d step records", s.DropStepTotal)
			}
			return idx.Close()
		})
		envOpts = append(envOpts, episode.WithRecorder(idx))
	}
	st.env = episode.New(sess, tk, envOpts...)
	return st, nil
}
