package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type reportCreateBody struct {
	Description string   `json:"description"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	ImageURL    string   `json:"image_url"`
	// Status is accepted for compatibility and ignored: new reports are always pending.
	Status      string   `json:"status"`
}

func validateReportCreateBody(body reportCreateBody) (ReportInput, error) {
	description := strings.TrimSpace(body.Description)
	imageURL := strings.TrimSpace(body.ImageURL)

	missing := make([]string, 0, 3)
	if description == "" {
		missing = append(missing, "description")
	}
	if imageURL == "" {
		missing = append(missing, "image_url")
	}
	if body.Latitude == nil || body.Longitude == nil {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return ReportInput{}, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Missing required fields: " + strings.Join(missing, ", ")}
	}

	if len([]rune(description)) > maxDescriptionLength {
		return ReportInput{}, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: fmt.Sprintf("Description must be at most %d characters", maxDescriptionLength)}
	}
	lat, lng := *body.Latitude, *body.Longitude
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ReportInput{}, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Location is out of range"}
	}
	parsed, err := url.Parse(imageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ReportInput{}, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "image_url must be an absolute http(s) URL"}
	}

	return ReportInput{
		Description: description,
		Latitude:    lat,
		Longitude:   lng,
		ImageURL:    imageURL,
	}, nil
}

func (a *App) createReportHandler(c *gin.Context) {
	ip := c.ClientIP()
	if !a.checkRateLimit("report:"+ip, reportRateLimitRequests, reportRateLimitWindow, a.clock()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many reports, try again later"})
		return
	}

	var body reportCreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid payload"})
		return
	}
	input, err := validateReportCreateBody(body)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if key, ok := a.images.KeyForURL(input.ImageURL); ok {
		input.ImageKey = key
	}
	input.SourceIP = ip

	report, err := a.insertReport(c.Request.Context(), input)
	if err != nil {
		a.log.Error("report insert failed", "err", err)
		writeAPIError(c, err)
		return
	}

	a.log.Info("report created", "id", report.ID, "image_key", input.ImageKey)
	a.publishReportEvent(c.Request.Context(), eventReportSubmitted, *report)
	a.runInBackground("report follow-up", func(ctx context.Context) {
		a.followUpReport(ctx, *report)
	})

	c.JSON(http.StatusCreated, report)
}

func (a *App) followUpReport(ctx context.Context, report Report) {
	if a.geocoder != nil && report.Located() {
		if err := a.geocodeReport(ctx, report); err != nil {
			a.log.Warn("geocoding failed", "id", report.ID, "err", err)
		}
	}
	if a.mailer != nil && a.cfg.NotifyNGOsOnReport {
		if err := a.notifyNGOsOfReport(ctx, report); err != nil {
			a.log.Warn("ngo notification failed", "id", report.ID, "err", err)
		}
	}
}

// runInBackground detaches fn from the request with its own deadline.
func (a *App) runInBackground(name string, fn func(ctx context.Context)) {
	timeout := a.bgTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// publishReportEvent never fails the request: the report is already stored.
func (a *App) publishReportEvent(ctx context.Context, routingKey string, report Report) {
	if a.events == nil {
		return
	}
	payload := reportEventPayload{
		ReportID:   report.ID,
		Status:     report.Status,
		Latitude:   report.Latitude,
		Longitude:  report.Longitude,
		ImageURL:   report.ImageURL,
		OccurredAt: a.clock().UTC(),
	}
	if report.ReviewedBy != nil {
		payload.ReviewedBy = *report.ReviewedBy
	}
	if err := a.events.Publish(context.WithoutCancel(ctx), routingKey, payload); err != nil {
		a.log.Warn("event publish failed", "routing_key", routingKey, "id", report.ID, "err", err)
	}
}

func buildReportMarkers(reports []Report) []ReportMarker {
	markers := make([]ReportMarker, 0, len(reports))
	for _, report := range reports {
		if !report.Located() {
			continue
		}
		markers = append(markers, ReportMarker{
			ReportID: report.ID,
			Lat:      *report.Latitude,
			Lng:      *report.Longitude,
			Status:   report.Status,
		})
	}
	return markers
}

func (a *App) reportsFromQuery(c *gin.Context) ([]Report, error) {
	filters, err := parseReportFilters(
		strings.TrimSpace(c.Query("status")),
		strings.TrimSpace(c.Query("from")),
		strings.TrimSpace(c.Query("to")),
	)
	if err != nil {
		return nil, err
	}
	return a.queryReports(c.Request.Context(), filters)
}

func (a *App) listReportsHandler(c *gin.Context) {
	reports, err := a.reportsFromQuery(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"markers": buildReportMarkers(reports),
	})
}

func parseReportID(c *gin.Context) int64 {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func (a *App) updateReportStatusHandler(c *gin.Context) {
	session, err := getNGOSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "NGO session required"})
		return
	}
	reportID := parseReportID(c)
	if reportID == 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: "Invalid report ID"})
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Invalid payload"})
		return
	}
	status := strings.TrimSpace(strings.ToLower(body.Status))
	if !containsString(decisionStatuses, status) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "Status must be accepted or declined"})
		return
	}

	updated, err := a.decideReport(c.Request.Context(), reportID, status, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	a.log.Info("report status changed", "id", reportID, "status", status, "by", session.Email)
	a.publishReportEvent(c.Request.Context(), eventReportStatusChanged, *updated)
	c.JSON(http.StatusOK, updated)
}

func (a *App) reportEventsHandler(c *gin.Context) {
	reportID := parseReportID(c)
	if reportID == 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: "Invalid report ID"})
		return
	}
	events, err := a.listReportEvents(c.Request.Context(), reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (a *App) exportReportsHandler(c *gin.Context) {
	format := strings.TrimSpace(c.DefaultQuery("format", "csv"))
	if !containsString(exportFormats, format) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_failed", Message: "format must be csv, geojson or pdf"})
		return
	}
	reports, err := a.reportsFromQuery(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	generatedAt := a.clock().UTC()
	contentType, body, err := buildExport(format, reports, generatedAt)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	fileName := fmt.Sprintf("reports-%s.%s", generatedAt.Format("20060102-150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", fileName))
	c.Data(http.StatusOK, contentType, body)
}
