package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "agentd",
		Short:         "Run and supervise agents defined in a project",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agentd.yaml", "config file (overridden by $AGENTIDE_CONFIG)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(submitCmd())
	cmd.AddCommand(agentsCmd())
	cmd.AddCommand(kindsCmd())
	cmd.AddCommand(historyCmd())
	return cmd
}

// main 是 agentd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
