// Package scrape fetches tracker pages for the sites of a report and records
// what changed as report updates.
package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"sitewatch/metrics"
	"sitewatch/models"
)

const (
	KindInitial = "initial"
	KindUpdate  = "update"
)

// Scanner runs scans synchronously. Runner wraps it for background use.
type Scanner struct {
	DB          *gorm.DB
	Fetcher     Fetcher
	Concurrency int
	Log         *logrus.Logger
	Now         func() time.Time
}

type fetchResult struct {
	ref  models.SiteRef
	snap SiteSnapshot
	err  error
}

// InitialSiteScan records the baseline of a new report: one site update per
// site holding everything the tracker currently lists.
func (s *Scanner) InitialSiteScan(ctx context.Context, reportID uint, sites []models.SiteRef) (*models.ReportUpdate, error) {
	return s.observe(KindInitial, func() (*models.ReportUpdate, error) {
		update := &models.ReportUpdate{ReportID: reportID, ScrapedOn: s.now(), Initial: true}
		for _, res := range s.fetchAll(ctx, sites) {
			su := models.SiteUpdate{SiteID: res.ref.SiteID}
			if res.err != nil {
				su.Error = truncate(res.err.Error(), 512)
			} else {
				su.NewActions = toActions(res.snap.Actions)
				su.NewDocs = toDocs(res.snap.Documents)
			}
			update.SiteUpdates = append(update.SiteUpdates, su)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DB.WithContext(ctx).Create(update).Error; err != nil {
			return nil, fmt.Errorf("save initial scan of report %d: %w", reportID, err)
		}
		return update, nil
	})
}

// ReportUpdateScan re-fetches every site of the report and records only the
// actions and documents never seen for that site in this report. Sites
// without news get no site update; the report update itself is always saved.
// A report with no update yet gets its baseline instead, which covers an
// update that took the runner slot before the initial scan could start.
func (s *Scanner) ReportUpdateScan(ctx context.Context, reportID uint) (*models.ReportUpdate, error) {
	var report models.Report
	if err := s.DB.WithContext(ctx).Preload("Sites").First(&report, reportID).Error; err != nil {
		return nil, fmt.Errorf("load report %d: %w", reportID, err)
	}
	var prior int64
	if err := s.DB.WithContext(ctx).Model(&models.ReportUpdate{}).Where("report_id = ?", reportID).Count(&prior).Error; err != nil {
		return nil, fmt.Errorf("count updates of report %d: %w", reportID, err)
	}
	if prior == 0 {
		return s.InitialSiteScan(ctx, reportID, report.SiteRefs())
	}

	return s.observe(KindUpdate, func() (*models.ReportUpdate, error) {
		seen, err := s.knownItems(ctx, reportID)
		if err != nil {
			return nil, err
		}

		update := &models.ReportUpdate{ReportID: reportID, ScrapedOn: s.now()}
		for _, res := range s.fetchAll(ctx, report.SiteRefs()) {
			if res.err != nil {
				update.SiteUpdates = append(update.SiteUpdates, models.SiteUpdate{
					SiteID: res.ref.SiteID,
					Error:  truncate(res.err.Error(), 512),
				})
				continue
			}
			known := seen[res.ref.SiteID]
			su := models.SiteUpdate{SiteID: res.ref.SiteID}
			for _, a := range res.snap.Actions {
				if !known.actions[a.Key()] {
					su.NewActions = append(su.NewActions, models.NewAction{ActionDate: a.Date, Description: a.Description})
				}
			}
			for _, d := range res.snap.Documents {
				if !known.docs[d.URL] {
					su.NewDocs = append(su.NewDocs, models.NewDoc{Title: d.Title, URL: d.URL})
				}
			}
			if len(su.NewActions) > 0 || len(su.NewDocs) > 0 {
				update.SiteUpdates = append(update.SiteUpdates, su)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.DB.WithContext(ctx).Create(update).Error; err != nil {
			return nil, fmt.Errorf("save update scan of report %d: %w", reportID, err)
		}
		return update, nil
	})
}

type knownSet struct {
	actions map[string]bool
	docs    map[string]bool
}

// knownItems collects, per site, every action key and document URL already
// recorded in any update of the report.
func (s *Scanner) knownItems(ctx context.Context, reportID uint) (map[uint]knownSet, error) {
	var actions []struct {
		SiteID      uint
		ActionDate  string
		Description string
	}
	err := s.DB.WithContext(ctx).Table("new_actions").
		Select("site_updates.site_id, new_actions.action_date, new_actions.description").
		Joins("JOIN site_updates ON site_updates.id = new_actions.site_update_id").
		Joins("JOIN report_updates ON report_updates.id = site_updates.report_update_id").
		Where("report_updates.report_id = ?", reportID).
		Scan(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("load known actions: %w", err)
	}

	var docs []struct {
		SiteID uint
		URL    string
	}
	err = s.DB.WithContext(ctx).Table("new_docs").
		Select("site_updates.site_id, new_docs.url").
		Joins("JOIN site_updates ON site_updates.id = new_docs.site_update_id").
		Joins("JOIN report_updates ON report_updates.id = site_updates.report_update_id").
		Where("report_updates.report_id = ?", reportID).
		Scan(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("load known documents: %w", err)
	}

	seen := make(map[uint]knownSet)
	get := func(id uint) knownSet {
		k, ok := seen[id]
		if !ok {
			k = knownSet{actions: make(map[string]bool), docs: make(map[string]bool)}
			seen[id] = k
		}
		return k
	}
	for _, a := range actions {
		get(a.SiteID).actions[Action{Date: a.ActionDate, Description: a.Description}.Key()] = true
	}
	for _, d := range docs {
		get(d.SiteID).docs[d.URL] = true
	}
	return seen, nil
}

// fetchAll fetches every site with bounded concurrency. Results keep the
// order of sites; per-site failures are returned, not propagated.
func (s *Scanner) fetchAll(ctx context.Context, sites []models.SiteRef) []fetchResult {
	results := make([]fetchResult, len(sites))
	var g errgroup.Group
	limit := s.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, ref := range sites {
		g.Go(func() error {
			snap, err := s.Fetcher.Fetch(ctx, ref.GTGlobalID)
			if err != nil {
				metrics.SiteFetchFailures.Inc()
				s.logger().WithFields(logrus.Fields{
					"site_id":      ref.SiteID,
					"gt_global_id": ref.GTGlobalID,
				}).WithError(err).Warn("site fetch failed")
			}
			results[i] = fetchResult{ref: ref, snap: snap, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scanner) observe(kind string, run func() (*models.ReportUpdate, error)) (*models.ReportUpdate, error) {
	start := time.Now()
	metrics.ScansRunning.Inc()
	defer metrics.ScansRunning.Dec()

	update, err := run()
	metrics.ScanDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ScansTotal.WithLabelValues(kind, "failed").Inc()
		return nil, err
	}
	metrics.ScansTotal.WithLabelValues(kind, "ok").Inc()
	s.logger().WithFields(logrus.Fields{
		"kind":             kind,
		"report_id":        update.ReportID,
		"report_update_id": update.ID,
		"site_updates":     len(update.SiteUpdates),
		"duration":         time.Since(start).String(),
	}).Info("scan complete")
	return update, nil
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Scanner) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

func toActions(in []Action) []models.NewAction {
	out := make([]models.NewAction, 0, len(in))
	for _, a := range in {
		out = append(out, models.NewAction{ActionDate: a.Date, Description: a.Description})
	}
	return out
}

func toDocs(in []Document) []models.NewDoc {
	out := make([]models.NewDoc, 0, len(in))
	for _, d := range in {
		out = append(out, models.NewDoc{Title: d.Title, URL: d.URL})
	}
	return out
}
