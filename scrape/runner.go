package scrape

import (
	"context"
	"errors"
	"sync"

	"sitewatch/models"
)

var (
	ErrScanInProgress = errors.New("scrape: a scan of this report is already running")
	ErrRunnerStopped  = errors.New("scrape: runner is shut down")
)

// Runner starts scans on background goroutines. At most one scan per report
// runs at a time. Every scan context derives from the runner's root context,
// which Shutdown cancels.
type Runner struct {
	scanner *Scanner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uint]bool
	stopped bool
}

func NewRunner(scanner *Scanner) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		scanner: scanner,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[uint]bool),
	}
}

// StartInitialScan records the baseline of a freshly created report.
func (r *Runner) StartInitialScan(reportID uint, sites []models.SiteRef) error {
	return r.start(reportID, func(ctx context.Context) error {
		_, err := r.scanner.InitialSiteScan(ctx, reportID, sites)
		return err
	})
}

// StartReportUpdate re-scans an existing report.
func (r *Runner) StartReportUpdate(reportID uint) error {
	return r.start(reportID, func(ctx context.Context) error {
		_, err := r.scanner.ReportUpdateScan(ctx, reportID)
		return err
	})
}

func (r *Runner) start(reportID uint, run func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	if r.running[reportID] {
		return ErrScanInProgress
	}
	r.running[reportID] = true
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.finish(reportID)
		if err := run(r.ctx); err != nil {
			r.scanner.logger().WithField("report_id", reportID).WithError(err).Error("scan failed")
		}
	}()
	return nil
}

func (r *Runner) finish(reportID uint) {
	r.mu.Lock()
	delete(r.running, reportID)
	r.mu.Unlock()
}

// Running reports whether a scan of reportID is in progress.
func (r *Runner) Running(reportID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[reportID]
}

// Wait blocks until every started scan has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown refuses new scans, cancels running ones and waits for them up to
// ctx's deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
