// Package review keeps the NGO dashboard's view of submitted reports and
// applies accept/decline decisions to it.
package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KrushnaGardhe/injured-animal/libs/geo"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	// StatusStale marks a report decided elsewhere whose new status is unknown.
	StatusStale = "stale"

	// LoginPath is where callers send users who have no session.
	LoginPath = "/ngo/login"
)

var (
	ErrLoginRequired  = errors.New("login required")
	ErrInvalidStatus  = errors.New("status must be accepted or declined")
	ErrNotActionable  = errors.New("report is no longer pending")
	ErrReportNotFound = errors.New("report not loaded")
)

// Session is an authenticated NGO session.
type Session struct {
	Token     string
	AccountID string
	Email     string
	ExpiresAt time.Time
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Report is a submitted report as the dashboard shows it.
type Report struct {
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	ImageURL    string    `json:"image_url"`
	Status      string    `json:"status"`
	Address     string    `json:"address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Located reports whether both coordinates are present.
func (r Report) Located() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Marker is a report placed on the dashboard map.
type Marker struct {
	ReportID int64
	Position geo.Coordinate
	Status   string
}

// Backend is the report store the dashboard reads and writes.
type Backend interface {
	ListReports(ctx context.Context, session *Session) ([]Report, error)
	SetReportStatus(ctx context.Context, session *Session, id int64, status string) error
}

// Dashboard holds the reports loaded for one NGO session. It is safe for
// concurrent use.
type Dashboard struct {
	backend Backend
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	session *Session
	reports []Report
}

// NewDashboard builds a dashboard for session, which may be nil when nobody
// is logged in. logger may be nil.
func NewDashboard(backend Backend, session *Session, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dashboard{backend: backend, session: session, log: logger, now: time.Now}
}

// SetSession swaps the session, e.g. after a refresh. Passing nil logs out
// and drops the loaded list.
func (d *Dashboard) SetSession(session *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = session
	if session == nil {
		d.reports = nil
	}
}

func (d *Dashboard) currentSession() (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.session.Valid(d.now()) {
		return nil, ErrLoginRequired
	}
	return d.session, nil
}

// Load fetches every report, newest first.
func (d *Dashboard) Load(ctx context.Context) error {
	session, err := d.currentSession()
	if err != nil {
		return err
	}

	reports, err := d.backend.ListReports(ctx, session)
	if err != nil {
		d.log.Error("load reports failed", "err", err)
		return fmt.Errorf("load reports: %w", err)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})

	d.mu.Lock()
	d.reports = reports
	d.mu.Unlock()
	d.log.Info("reports loaded", "count", len(reports))
	return nil
}

// Items returns every loaded report.
func (d *Dashboard) Items() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Report(nil), d.reports...)
}

// Markers returns map pins for reports that carry both coordinates.
func (d *Dashboard) Markers() []Marker {
	d.mu.Lock()
	defer d.mu.Unlock()
	markers := make([]Marker, 0, len(d.reports))
	for _, r := range d.reports {
		if !r.Located() {
			continue
		}
		markers = append(markers, Marker{
			ReportID: r.ID,
			Position: geo.Coordinate{Lat: *r.Latitude, Lng: *r.Longitude},
			Status:   r.Status,
		})
	}
	return markers
}

// Actionable is true for reports that still await a decision.
func Actionable(r Report) bool {
	return r.Status == StatusPending
}

// SetStatus accepts or declines a pending report. The local list changes only
// after the backend confirms.
func (d *Dashboard) SetStatus(ctx context.Context, id int64, status string) error {
	if status != StatusAccepted && status != StatusDeclined {
		return ErrInvalidStatus
	}
	session, err := d.currentSession()
	if err != nil {
		return err
	}

	d.mu.Lock()
	idx := d.indexLocked(id)
	if idx < 0 {
		d.mu.Unlock()
		return ErrReportNotFound
	}
	if !Actionable(d.reports[idx]) {
		d.mu.Unlock()
		return ErrNotActionable
	}
	d.mu.Unlock()

	if err := d.backend.SetReportStatus(ctx, session, id, status); err != nil {
		d.log.Error("status update failed", "report_id", id, "status", status, "err", err)
		if errors.Is(err, ErrNotActionable) {
			// Someone else decided it first; show what the backend has now.
			if reloadErr := d.Load(ctx); reloadErr != nil {
				d.markStale(id)
			}
		}
		return fmt.Errorf("update report %d: %w", id, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// The list may have been reloaded while the call was in flight.
	if idx = d.indexLocked(id); idx >= 0 {
		d.reports[idx].Status = status
	}
	d.log.Info("report status updated", "report_id", id, "status", status)
	return nil
}

// markStale drops the pending flag of a report the backend says is decided
// when the list could not be reloaded.
func (d *Dashboard) markStale(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx := d.indexLocked(id); idx >= 0 && d.reports[idx].Status == StatusPending {
		d.reports[idx].Status = StatusStale
	}
}

func (d *Dashboard) indexLocked(id int64) int {
	for i := range d.reports {
		if d.reports[i].ID == id {
			return i
		}
	}
	return -1
}
