package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sitewatch/auth"
	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/scrape"
)

const defaultConfigPath = "config.json"

// NewRootCmd creates the root command. Without a subcommand it serves.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitewatch",
		Short: "Track sites and get a report whenever they change",
		Long: `sitewatch lets users register tracked sites, group them into reports and
re-scan the tracker source to record new actions and documents.

Running sitewatch without a subcommand is the same as "sitewatch serve".`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServeCmd,
	}

	cmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to the JSON or YAML config file")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewScanCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and opens the database. Callers close db.
func setup(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if err := config.LoadConfig(path); err != nil {
		return fmt.Errorf("error loading config %s: %w", path, err)
	}
	if err := config.SetLogLevel(config.AppConfig.LogLevel); err != nil {
		config.Logger.WithError(err).Warn("unknown log level, keeping info")
	}
	if err := db.InitDB(config.AppConfig.DatabaseDriver, config.AppConfig.DatabaseDSN); err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	auth.InitStore()
	return nil
}

func newScanner() *scrape.Scanner {
	cfg := config.AppConfig
	if cfg.ScrapeBaseURL == "" {
		config.Logger.Warn("scrape_base_url is not set; every site fetch will fail")
	}
	return &scrape.Scanner{
		DB:          db.DB,
		Fetcher:     scrape.NewHTTPFetcher(cfg.ScrapeBaseURL, cfg.ScrapeTimeout()),
		Concurrency: cfg.ScrapeConcurrency,
		Log:         config.Logger,
	}
}
