// Package export renders report updates for download.
package export

import (
	"io"

	"github.com/nao1215/markdown"

	"sitewatch/models"
)

const dateLayout = "2006-01-02 15:04 MST"

// WriteMarkdown writes one report update as Markdown. update must have its
// site updates preloaded with their Site, NewActions and NewDocs. Sites of
// report that have no site update are listed as having no new activity.
func WriteMarkdown(w io.Writer, report models.Report, update models.ReportUpdate) error {
	md := markdown.NewMarkdown(w)

	md.H1(report.ReportName)
	kind := "Update"
	if update.Initial {
		kind = "Baseline"
	}
	md.PlainTextf("%s scraped on %s", kind, update.ScrapedOn.UTC().Format(dateLayout))
	md.PlainText("")

	covered := make(map[uint]bool, len(update.SiteUpdates))
	for _, su := range update.SiteUpdates {
		covered[su.SiteID] = true
		writeSiteUpdate(md, su)
	}

	var quiet []string
	for _, s := range report.Sites {
		if !covered[s.ID] {
			quiet = append(quiet, s.SiteName+" ("+s.GTGlobalID+")")
		}
	}
	if len(quiet) > 0 {
		md.H2("No new activity")
		md.BulletList(quiet...)
		md.PlainText("")
	}

	return md.Build()
}

func writeSiteUpdate(md *markdown.Markdown, su models.SiteUpdate) {
	md.H2(su.Site.SiteName + " (" + su.Site.GTGlobalID + ")")
	md.PlainText("")

	if su.Error != "" {
		md.Warningf("Could not fetch this site: %s", su.Error)
		md.PlainText("")
		return
	}

	if len(su.NewActions) > 0 {
		md.H3("New actions")
		rows := make([][]string, 0, len(su.NewActions))
		for _, a := range su.NewActions {
			rows = append(rows, []string{a.ActionDate, a.Description})
		}
		md.Table(markdown.TableSet{
			Header: []string{"Date", "Action"},
			Rows:   rows,
		})
		md.PlainText("")
	}

	if len(su.NewDocs) > 0 {
		md.H3("New documents")
		links := make([]string, 0, len(su.NewDocs))
		for _, d := range su.NewDocs {
			links = append(links, markdown.Link(d.Title, d.URL))
		}
		md.BulletList(links...)
		md.PlainText("")
	}
}
