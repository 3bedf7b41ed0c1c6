package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const reportSelect = `
	SELECT
		id,
		description,
		latitude,
		longitude,
		image_url,
		image_key,
		status,
		address,
		reviewed_by::text,
		created_at,
		updated_at
	FROM reports
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(scanner rowScanner) (Report, error) {
	var report Report
	var lat, lng sql.NullFloat64
	var address, reviewedBy sql.NullString
	if err := scanner.Scan(
		&report.ID,
		&report.Description,
		&lat,
		&lng,
		&report.ImageURL,
		&report.ImageKey,
		&report.Status,
		&address,
		&reviewedBy,
		&report.CreatedAt,
		&report.UpdatedAt,
	); err != nil {
		return Report{}, err
	}
	if lat.Valid {
		report.Latitude = &lat.Float64
	}
	if lng.Valid {
		report.Longitude = &lng.Float64
	}
	if address.Valid && address.String != "" {
		report.Address = &address.String
	}
	if reviewedBy.Valid {
		report.ReviewedBy = &reviewedBy.String
	}
	report.CreatedAt = report.CreatedAt.UTC()
	report.UpdatedAt = report.UpdatedAt.UTC()
	return report, nil
}

func (a *App) storeInsertReport(ctx context.Context, input ReportInput) (*Report, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO reports (description, latitude, longitude, image_url, image_key, status, source_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, description, latitude, longitude, image_url, image_key, status, address, reviewed_by::text, created_at, updated_at
	`, input.Description, input.Latitude, input.Longitude, input.ImageURL, input.ImageKey, statusPending, input.SourceIP)
	report, err := scanReport(row)
	if err != nil {
		return nil, err
	}
	if err := a.addEventTx(ctx, tx, report.ID, "created", "reporter", map[string]any{"image_key": input.ImageKey}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &report, nil
}

func (a *App) storeGetReportByID(ctx context.Context, reportID int64) (*Report, error) {
	report, err := scanReport(a.db.QueryRowContext(ctx, reportSelect+` WHERE id = $1`, reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (a *App) storeListReports(ctx context.Context, filters map[string]any) ([]Report, error) {
	query := reportSelect + ` WHERE 1=1`
	whereClause, args := buildReportFilters(filters)
	query += whereClause
	query += " ORDER BY reports.created_at DESC, reports.id DESC"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// decideReportQuery only matches rows still in the status given as $4.
const decideReportQuery = `
	UPDATE reports
	SET status = $1, reviewed_by = $2, updated_at = NOW()
	WHERE id = $3 AND status = $4
	RETURNING id, description, latitude, longitude, image_url, image_key, status, address, reviewed_by::text, created_at, updated_at
`

// storeDecideReport moves a pending report to status. The conditional update
// makes concurrent decisions safe: only the first one wins.
func (a *App) storeDecideReport(ctx context.Context, reportID int64, status string, session NGOSession) (*Report, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, decideReportQuery, status, session.AccountID, reportID, statusPending)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, lookupErr := a.storeGetReportByID(ctx, reportID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if current == nil {
			return nil, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"}
		}
		return nil, &apiError{Status: http.StatusConflict, Code: "invalid_status_transition", Message: fmt.Sprintf("Report is already %s", current.Status)}
	}
	if err != nil {
		return nil, err
	}

	if err := a.addEventTx(ctx, tx, reportID, "status_changed", session.Email, map[string]any{"from": statusPending, "to": status}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &report, nil
}

func (a *App) storeImageKeyReferenced(ctx context.Context, key string) (bool, error) {
	var referenced bool
	err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reports WHERE image_key = $1)`, key).Scan(&referenced)
	return referenced, err
}

func (a *App) storeCountPendingReports(ctx context.Context) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE status = $1`, statusPending).Scan(&count)
	return count, err
}

func (a *App) storeListUnaddressedReports(ctx context.Context) ([]Report, error) {
	return a.storeListReports(ctx, map[string]any{"located": true, "unaddressed": true})
}

func (a *App) storeSetReportAddress(ctx context.Context, reportID int64, address string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE reports SET address = $1, updated_at = NOW() WHERE id = $2
	`, address, reportID)
	return err
}

// addEvent records an audit event. reportID 0 stores an event that is not
// tied to a report.
func (a *App) addEvent(ctx context.Context, reportID int64, eventType, actor string, metadata map[string]any) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, nullableReportID(reportID), eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) addEventTx(ctx context.Context, tx *sql.Tx, reportID int64, eventType, actor string, metadata map[string]any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, nullableReportID(reportID), eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) listEvents(ctx context.Context, reportID int64) ([]ReportEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, report_id, type, actor, metadata, created_at
		FROM report_events
		WHERE report_id = $1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ReportEvent, 0)
	for rows.Next() {
		var event ReportEvent
		var id sql.NullInt64
		var metadataRaw []byte
		var createdAt time.Time
		if err := rows.Scan(&event.ID, &id, &event.Type, &event.Actor, &metadataRaw, &createdAt); err != nil {
			return nil, err
		}
		if id.Valid {
			event.ReportID = &id.Int64
		}
		event.Metadata = jsonToAnyMap(metadataRaw)
		event.CreatedAt = createdAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullableReportID(reportID int64) sql.NullInt64 {
	return sql.NullInt64{Int64: reportID, Valid: reportID > 0}
}
