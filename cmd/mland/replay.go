package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"mineland.ai/internal/episode"
	"mineland.ai/internal/persistence/indexdb"
	persistlog "mineland.ai/internal/persistence/log"
)

func newReplayCmd() *cobra.Command {
	var (
		dir   string
		index string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Check recorded step logs and summarise each session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("missing --steps")
			}
			sums, err := verifyStepLogs(dir)
			if err != nil {
				return err
			}
			bad := 0
			for _, s := range sums {
				fmt.Printf("session=%s task=%s steps=%d agents=%d events=%d score=%.3f done=%t\n",
					s.sessionID, s.taskID, s.steps, s.agents, s.events, s.lastScore, s.done)
				for _, p := range s.problems {
					fmt.Printf("  %s\n", p)
					bad++
				}
			}
			if index != "" {
				if err := printIndex(cmd.Context(), index); err != nil {
					return err
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d problems found", bad)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "steps", "", "step log directory")
	cmd.Flags().StringVar(&index, "index", "", "sqlite index to list alongside (optional)")
	return cmd
}

type sessionSummary struct {
	sessionID string
	taskID    string
	steps     int
	agents    int
	events    int
	lastScore float64
	done      bool
	problems  []string
}

// verifyStepLogs reads every step file in dir. Within a session, step
// numbers must run 1, 2, 3... and every per-agent slice must match the
// roster size; nothing may follow a done step.
func verifyStepLogs(dir string) ([]*sessionSummary, error) {
	files, err := persistlog.ListStepFiles(dir)
	if err != nil {
		return nil, err
	}
	byID := map[string]*sessionSummary{}
	var order []string
	for _, f := range files {
		err := persistlog.ReadSteps(f, func(r episode.StepRecord) error {
			s, ok := byID[r.SessionID]
			if !ok {
				s = &sessionSummary{sessionID: r.SessionID, taskID: r.TaskID}
				byID[r.SessionID] = s
				order = append(order, r.SessionID)
			}
			if s.done {
				s.problems = append(s.problems, fmt.Sprintf("step %d after done", r.Step))
			}
			if r.Step != s.steps+1 {
				s.problems = append(s.problems, fmt.Sprintf("step %d follows %d", r.Step, s.steps))
			}
			n := len(r.Observations)
			if len(r.CodeInfos) != n || len(r.Events) != n {
				s.problems = append(s.problems, fmt.Sprintf("step %d: %d observations, %d code infos, %d event lists",
					r.Step, n, len(r.CodeInfos), len(r.Events)))
			}
			if n < s.agents {
				s.problems = append(s.problems, fmt.Sprintf("step %d: roster shrank from %d to %d", r.Step, s.agents, n))
			}
			for _, ev := range r.Events {
				s.events += len(ev)
			}
			s.steps = r.Step
			s.agents = n
			s.lastScore = r.Status.Score
			s.done = r.Done
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	out := make([]*sessionSummary, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func printIndex(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	rows, err := idx.Sessions(ctx)
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt < rows[j].StartedAt })
	fmt.Println("index:")
	for _, r := range rows {
		fmt.Printf("  session=%s task=%s steps=%d agents=%d score=%.3f success=%t failed=%t\n",
			r.SessionID, r.TaskID, r.Steps, r.Agents, r.LastScore, r.Success, r.Failed)
	}
	return nil
}
