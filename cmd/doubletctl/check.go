package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"doublet/internal/doublet/app"
	"doublet/internal/doublet/models"
	"doublet/internal/platform/config"
	"doublet/internal/platform/logger"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Find the existing contact matching a person",
	Long: `Search private then business contacts for the given person and print the
best match as JSON, or null when there is none.

Example:
  $ doubletctl check --first-name Rachael --last-name Armstrong --email rachael@test.com
  ✓ match c1 (account a1)
  {"id":"c1", ...}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := models.Query{}
		q.FirstName, _ = cmd.Flags().GetString("first-name")
		q.LastName, _ = cmd.Flags().GetString("last-name")
		q.Email, _ = cmd.Flags().GetString("email")
		q.Mobile, _ = cmd.Flags().GetString("mobile")
		q.Landline, _ = cmd.Flags().GetString("landline")
		includeZombies, _ := cmd.Flags().GetBool("include-zombies")
		verbose, _ := cmd.Flags().GetBool("verbose")

		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		cfg.LogLevel = "warn"
		if verbose {
			cfg.LogLevel = "debug"
		}
		return runCheck(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, q, includeZombies)
	},
}

func init() {
	checkCmd.Flags().String("first-name", "", "First name (required)")
	checkCmd.Flags().String("last-name", "", "Last name (required)")
	checkCmd.Flags().String("email", "", "Email address")
	checkCmd.Flags().String("mobile", "", "Mobile phone number")
	checkCmd.Flags().String("landline", "", "Landline phone number")
	checkCmd.Flags().Bool("include-zombies", false, "Keep contacts flagged as merge conflicts")
	checkCmd.Flags().BoolP("verbose", "v", false, "Log CRM requests to stderr")
	rootCmd.AddCommand(checkCmd)
}

// runCheck writes the match (or null) to out and a one-line summary to status.
func runCheck(ctx context.Context, out, status io.Writer, cfg config.Server, q models.Query, includeZombies bool) error {
	a, err := app.New(ctx, cfg, app.Options{
		Logger:         logger.NewWithWriter(status, cfg.LogLevel),
		IncludeZombies: includeZombies,
	})
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // best-effort

	contact, err := a.Checker.Find(ctx, q)
	if err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(status, "%s lookup failed\n", red("✗"))
		return err
	}

	if contact == nil {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(status, "%s no match\n", yellow("-"))
	} else {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(status, "%s match %s (account %s)\n", green("✓"), contact.ID, contact.AccountID)
	}

	enc := json.NewEncoder(out)
	return enc.Encode(contact)
}
