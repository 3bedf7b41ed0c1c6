package main

import (
	"fmt"
	"net/http"
	"time"
)

// parseReportFilters turns query values into the filter map understood by
// buildReportFilters. Dates accept RFC3339 or YYYY-MM-DD; a bare "to" date
// includes the whole day.
func parseReportFilters(status, from, to string) (map[string]any, error) {
	filters := map[string]any{}
	if status != "" {
		if !containsString(reportStatuses, status) {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Unknown status filter"}
		}
		filters["status"] = status
	}
	if from != "" {
		parsed, _, err := parseFilterTime(from)
		if err != nil {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid from date"}
		}
		filters["from"] = parsed
	}
	if to != "" {
		parsed, dateOnly, err := parseFilterTime(to)
		if err != nil {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid to date"}
		}
		if dateOnly {
			parsed = parsed.Add(24*time.Hour - time.Nanosecond)
		}
		filters["to"] = parsed
	}
	return filters, nil
}

func parseFilterTime(raw string) (time.Time, bool, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), false, nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed.UTC(), true, nil
}

func buildReportFilters(filters map[string]any) (string, []any) {
	whereClause := ""
	args := make([]any, 0)
	argIndex := 1

	if status, ok := filters["status"].(string); ok && status != "" {
		whereClause += fmt.Sprintf(" AND reports.status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}
	if from, ok := filters["from"].(time.Time); ok && !from.IsZero() {
		whereClause += fmt.Sprintf(" AND reports.created_at >= $%d", argIndex)
		args = append(args, from)
		argIndex++
	}
	if to, ok := filters["to"].(time.Time); ok && !to.IsZero() {
		whereClause += fmt.Sprintf(" AND reports.created_at <= $%d", argIndex)
		args = append(args, to)
		argIndex++
	}
	if located, ok := filters["located"].(bool); ok && located {
		whereClause += " AND reports.latitude IS NOT NULL AND reports.longitude IS NOT NULL"
	}
	if unaddressed, ok := filters["unaddressed"].(bool); ok && unaddressed {
		whereClause += " AND (reports.address IS NULL OR reports.address = '')"
	}

	return whereClause, args
}
