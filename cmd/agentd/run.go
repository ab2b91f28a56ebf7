package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agent-ide/internal/agent"
	"agent-ide/internal/dispatch"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [agent]",
		Short: "Execute one agent in the foreground and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), args[0])
		},
	}
}

// runReport 是 run 命令输出的 JSON 结构。
type runReport struct {
	Result execution.Result `json:"result"`
	Agent  agent.Snapshot   `json:"agent"`
}

func runOnce(ctx context.Context, name string) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	ag, err := rt.project.Get(name)
	if err != nil {
		return err
	}
	finished := make(chan execution.Result, 1)
	id, err := rt.env.Execute(ag, func(a *agent.Agent, r execution.Result) {
		rt.observer(a, r)
		finished <- r
	})
	if err != nil {
		return err
	}

	var res execution.Result
	select {
	case res = <-finished:
	case <-ctx.Done():
		if !rt.env.Cancel(context.Background(), id) && rt.env.IsRunning(id) {
			return xerrors.New(execution.CodeCancelTimeout, fmt.Sprintf("agent %s did not stop within the grace period", id))
		}
		res = <-finished
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runReport{Result: res, Agent: ag.Snapshot()}); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("agent %s finished with status %s", ag.Name(), res.Status)
	}
	return nil
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [agent...]",
		Short: "Queue run requests for a running agentd (redis or rabbitmq queue)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.cfg.Queue.Driver == "memory" {
				return xerrors.New(xerrors.CodeInvalidArgument, "memory queue is process local; use serve --run instead")
			}
			queue, err := openQueue(ctx, rt.cfg.Queue)
			if err != nil {
				return err
			}
			service := dispatch.NewService(rt.project, queue)
			defer service.Close()

			for _, name := range args {
				req, err := service.Submit(ctx, name)
				if err != nil {
					return err
				}
				fmt.Printf("Queued %s (%s) as %s\n", req.AgentName, req.AgentID, req.ID)
			}
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agents defined in the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			list := rt.project.List()
			if jsonOutput {
				snapshots := make([]agent.Snapshot, 0, len(list))
				for _, ag := range list {
					snapshots = append(snapshots, ag.Snapshot())
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snapshots)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tMAX ITERATIONS\tTIMEOUT\tID")
			for _, ag := range list {
				cfg := ag.Config()
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", cfg.Name, cfg.Type, cfg.MaxIterations, cfg.Timeout, ag.ID())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func kindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the task body kinds agents can select through their type",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tSTATE\tVERSION\tDESCRIPTION")
			for _, info := range rt.registry.Kinds() {
				state, err := rt.registry.State(info.Kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Kind, state, info.Version, info.Description)
			}
			return tw.Flush()
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [agent]",
		Short: "Show the most recent recorded runs of an agent (requires history.driver mysql or sqlite)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.history == nil {
				return xerrors.New(xerrors.CodeInvalidArgument, "history.driver is none; enable mysql or sqlite history first")
			}

			name := args[0]
			if ag, err := rt.project.Get(name); err == nil {
				name = ag.Name()
			}
			events, err := rt.history.Latest(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FINISHED\tSTATUS\tITERATIONS\tDURATION\tDETAIL")
			for _, ev := range events {
				detail := ev.Output
				if ev.Error != "" {
					detail = ev.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					ev.FinishedAt.Local().Format(time.DateTime), ev.Status, ev.Iterations,
					time.Duration(ev.DurationMS)*time.Millisecond, detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
