package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "doubletctl",
	Short: "Look up existing CRM contacts before creating new ones",
	Long: `doubletctl runs the doublet lookup against the CRM configured by the
environment (CRM_BASE_URL, CRM_API_TOKEN, DOUBLET_POLICY_FILE, ...).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
