package services

import (
	"context"
	"log"
	"strings"
	"time"

	"sitesafe/internal/alerts"
	"sitesafe/internal/database"
)

// ReportArchiver stores generated reports.
type ReportArchiver interface {
	SaveReport(ctx context.Context, report alerts.Report) (string, error)
}

// AlertLister reads persisted alerts.
type AlertLister interface {
	ListAlerts(f database.AlertFilter) ([]alerts.Record, error)
}

// ReportResult is returned by the report endpoint.
type ReportResult struct {
	Message  string `json:"message"`
	Count    int    `json:"count"`
	Report   string `json:"report"`
	Location string `json:"location,omitempty"`
}

// AlertsPayload filters the alert listing.
type AlertsPayload struct {
	Type  string
	Since string
	Limit int
}

// ReportImplementation drains the detection history and lists stored alerts
type ReportImplementation struct {
	history  *alerts.History
	archiver ReportArchiver
	lister   AlertLister
	now      func() time.Time
}

// NewReportService creates the report service. archiver and lister may be nil.
func NewReportService(history *alerts.History, archiver ReportArchiver, lister AlertLister) *ReportImplementation {
	return &ReportImplementation{
		history:  history,
		archiver: archiver,
		lister:   lister,
		now:      time.Now,
	}
}

// Build drains the history into a report and archives it when an archiver
// is configured. An archive failure is logged; the report is still returned.
func (r *ReportImplementation) Build(ctx context.Context) (alerts.Report, string) {
	report := alerts.BuildReport(r.history.Drain(), r.now())

	var location string
	if r.archiver != nil {
		loc, err := r.archiver.SaveReport(ctx, report)
		if err != nil {
			log.Printf("[Report] Failed to archive report: %v", err)
		} else {
			location = loc
		}
	}
	log.Printf("[Report] Generated report with %d entries", report.Count)
	return report, location
}

// Generate exports and clears the detection history.
func (r *ReportImplementation) Generate(ctx context.Context) (*ReportResult, error) {
	report, location := r.Build(ctx)
	return &ReportResult{
		Message:  "Report generated",
		Count:    report.Count,
		Report:   report.Text,
		Location: location,
	}, nil
}

// ListAlerts returns stored alert records, newest first.
func (r *ReportImplementation) ListAlerts(ctx context.Context, p *AlertsPayload) ([]alerts.Record, error) {
	if r.lister == nil {
		return nil, newError(ErrUnavailable, "alert storage is not configured")
	}

	f := database.AlertFilter{Limit: p.Limit}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	switch t := alerts.Type(strings.ToUpper(p.Type)); t {
	case "":
	case alerts.TypePPE, alerts.TypeGeofence:
		f.Type = t
	default:
		return nil, newError(ErrBadRequest, "unknown alert type %q", p.Type)
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, newError(ErrBadRequest, "since must be RFC 3339: %v", err)
		}
		f.Since = since
	}

	records, err := r.lister.ListAlerts(f)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []alerts.Record{}
	}
	return records, nil
}
