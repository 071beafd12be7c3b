package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sitewatch/config"
	"sitewatch/db"
	"sitewatch/handlers"
	"sitewatch/scheduler"
	"sitewatch/scrape"
)

const shutdownTimeout = 15 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		Long: `Serve the web UI and JSON API. When rescan_interval_minutes is set, every
report is re-scanned on that interval.`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	defer db.Close()

	runner := scrape.NewRunner(newScanner())
	handlers.Scans = runner

	var sched *scheduler.Scheduler
	if interval := config.AppConfig.RescanInterval(); interval > 0 {
		var err error
		sched, err = scheduler.New(db.DB, runner, config.Logger)
		if err != nil {
			return err
		}
		if _, err := sched.SchedulePeriodicRescan(interval); err != nil {
			return err
		}
		sched.Start()
		config.Logger.WithField("interval", interval.String()).Info("periodic rescan enabled")
	}

	addr := net.JoinHostPort(config.AppConfig.ListenIP, strconv.Itoa(config.AppConfig.ListenPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		config.Logger.WithFields(logrus.Fields{"addr": addr, "app": config.AppConfig.AppName}).Info("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		config.Logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			config.Logger.WithError(err).Warn("scheduler shutdown")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.Logger.WithError(err).Warn("http server shutdown")
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		config.Logger.WithError(err).Warn("scans still running at shutdown")
	}
	return nil
}
