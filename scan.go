package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sitewatch/db"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one update scan of a report and wait for it",
		Long: `Scan re-fetches every site of a report and records a report update with the
actions and documents that were not seen before.

Examples:
  sitewatch scan --report 3`,
		Args: cobra.NoArgs,
		RunE: runScanCmd,
	}
	cmd.Flags().UintP("report", "r", 0, "ID of the report to scan")
	return cmd
}

func runScanCmd(cmd *cobra.Command, _ []string) error {
	reportID, err := cmd.Flags().GetUint("report")
	if err != nil {
		return err
	}
	if reportID == 0 {
		return errors.New("--report is required")
	}

	if err := setup(cmd); err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	update, err := newScanner().ReportUpdateScan(ctx, reportID)
	if err != nil {
		return fmt.Errorf("scan report %d: %w", reportID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "report %d: update %d recorded with %d site update(s)\n",
		reportID, update.ID, len(update.SiteUpdates))
	return nil
}
