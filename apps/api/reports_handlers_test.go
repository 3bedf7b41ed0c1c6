package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testBucket        = "animal-images"
	testPublicBaseURL = "http://api.test"
)

func newTestServer(t *testing.T) (*App, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	images, err := NewDiskStore(t.TempDir(), testPublicBaseURL+"/media/"+testBucket)
	if err != nil {
		t.Fatalf("create disk store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app := &App{
		cfg: &Config{
			Env:              "test",
			AppSigningSecret: "0123456789abcdef",
			PublicBaseURL:    testPublicBaseURL,
			ImageBucket:      testBucket,
		},
		log:         logger,
		images:      images,
		events:      &LogPublisher{log: logger},
		bgTimeout:   time.Second,
		rateBuckets: make(map[string]rateBucket),
	}
	app.ngoSessionActive = func(ctx context.Context, sessionID string) (bool, error) {
		return true, nil
	}
	app.recordEvent = func(ctx context.Context, reportID int64, eventType, actor string, metadata map[string]any) error {
		return nil
	}
	app.imageKeyReferenced = func(ctx context.Context, key string) (bool, error) {
		return false, nil
	}

	router, err := app.newRouter()
	if err != nil {
		t.Fatalf("create router: %v", err)
	}
	return app, router
}

var testSession = NGOSession{
	SessionID: "7f1c0c7e-5a7e-4d1c-9a57-0d3f4e1b2c3d",
	AccountID: "3b1f8e2a-9c4d-4e5f-8a6b-7c8d9e0f1a2b",
	Email:     "rescue@ngo.org",
}

func ngoRequest(t *testing.T, app *App, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	session := testSession
	session.ExpiresAt = app.clock().Add(time.Hour)
	token, err := app.createSessionToken(session)
	if err != nil {
		t.Fatalf("create session token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func floatPtr(value float64) *float64 { return &value }

func TestCreateReportHandler_StoresPendingReport(t *testing.T) {
	app, router := newTestServer(t)
	key := "2026-10-17/5b0e3c52-0d6f-4a3c-9a0e-7b1d2c3e4f50.jpg"

	var captured ReportInput
	app.insertReport = func(ctx context.Context, input ReportInput) (*Report, error) {
		captured = input
		return &Report{
			ID:          41,
			Description: input.Description,
			Latitude:    floatPtr(input.Latitude),
			Longitude:   floatPtr(input.Longitude),
			ImageURL:    input.ImageURL,
			Status:      statusPending,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}, nil
	}

	body := `{"description":"  Dog with a hurt leg near the bus stop  ","latitude":18.5204,"longitude":73.8567,"image_url":"` +
		testPublicBaseURL + "/media/" + testBucket + "/" + key + `","status":"accepted"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Description != "Dog with a hurt leg near the bus stop" {
		t.Fatalf("expected trimmed description, got %q", captured.Description)
	}
	if captured.ImageKey != key {
		t.Fatalf("expected image key %q, got %q", key, captured.ImageKey)
	}
	if captured.SourceIP == "" {
		t.Fatal("expected source ip to be recorded")
	}

	response := decodeBody(t, rec)
	if response["status"] != statusPending {
		t.Fatalf("expected pending status, got %v", response["status"])
	}
	if _, ok := response["image_key"]; ok {
		t.Fatal("image key must not be exposed")
	}
}

func TestCreateReportHandler_MissingFieldsRejected(t *testing.T) {
	app, router := newTestServer(t)
	app.insertReport = func(ctx context.Context, input ReportInput) (*Report, error) {
		t.Fatal("insertReport must not be called")
		return nil, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(`{"description":"   "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", body["error"])
	}
	if message, _ := body["message"].(string); !strings.Contains(message, "description, image_url, location") {
		t.Fatalf("expected missing field list, got %q", message)
	}
}

func TestValidateReportCreateBody_Rejections(t *testing.T) {
	valid := reportCreateBody{
		Description: "Injured cat",
		Latitude:    floatPtr(18.52),
		Longitude:   floatPtr(73.85),
		ImageURL:    "https://cdn.example.org/a.jpg",
	}
	if _, err := validateReportCreateBody(valid); err != nil {
		t.Fatalf("expected valid body: %v", err)
	}

	tests := map[string]func(b *reportCreateBody){
		"latitude out of range":  func(b *reportCreateBody) { b.Latitude = floatPtr(90.5) },
		"longitude out of range": func(b *reportCreateBody) { b.Longitude = floatPtr(-181) },
		"relative image url":     func(b *reportCreateBody) { b.ImageURL = "/media/a.jpg" },
		"ftp image url":          func(b *reportCreateBody) { b.ImageURL = "ftp://example.org/a.jpg" },
		"description too long":   func(b *reportCreateBody) { b.Description = strings.Repeat("a", maxDescriptionLength+1) },
		"longitude missing":      func(b *reportCreateBody) { b.Longitude = nil },
	}
	for name, mutate := range tests {
		body := valid
		mutate(&body)
		_, err := validateReportCreateBody(body)
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 apiError, got %v", name, err)
		}
	}
}

func TestCreateReportHandler_RateLimited(t *testing.T) {
	app, router := newTestServer(t)
	app.insertReport = func(ctx context.Context, input ReportInput) (*Report, error) {
		return &Report{ID: 1, Status: statusPending}, nil
	}

	body := `{"description":"Bird with a broken wing","latitude":1,"longitude":2,"image_url":"https://cdn.example.org/a.jpg"}`
	for i := 0; i < reportRateLimitRequests; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestCreateReportHandler_FollowUpGeocodesAndNotifies(t *testing.T) {
	app, router := newTestServer(t)
	app.cfg.NotifyNGOsOnReport = true
	app.insertReport = func(ctx context.Context, input ReportInput) (*Report, error) {
		return &Report{ID: 9, Description: input.Description, Latitude: floatPtr(input.Latitude), Longitude: floatPtr(input.Longitude), ImageURL: input.ImageURL, Status: statusPending}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	app.geocoder = staticGeocoder{result: &GeocodeResult{Address: "FC Road", Locality: "Pune"}}
	app.setReportAddress = func(ctx context.Context, reportID int64, address string) error {
		defer wg.Done()
		if reportID != 9 || address != "FC Road, Pune" {
			t.Errorf("unexpected address update %d %q", reportID, address)
		}
		return nil
	}
	provider := &recordingProvider{}
	app.mailer = newTestMailer(provider)
	app.listNGOEmails = func(ctx context.Context) ([]string, error) {
		defer wg.Done()
		return nil, nil
	}

	body := `{"description":"Calf stuck in a drain","latitude":18.5,"longitude":73.8,"image_url":"https://cdn.example.org/a.jpg"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up did not run")
	}
}

func TestListReportsHandler_RequiresSession(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ngo/reports", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["login_url"] != ngoLoginPath {
		t.Fatalf("expected login url %q, got %v", ngoLoginPath, body["login_url"])
	}
}

func TestListReportsHandler_RedirectsBrowserWithoutSession(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ngo/reports", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	if location := rec.Header().Get("Location"); location != ngoLoginPath {
		t.Fatalf("expected redirect to %q, got %q", ngoLoginPath, location)
	}
}

func TestListReportsHandler_RevokedSessionRejected(t *testing.T) {
	app, router := newTestServer(t)
	app.ngoSessionActive = func(ctx context.Context, sessionID string) (bool, error) {
		return false, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports", ""))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestListReportsHandler_ReturnsReportsAndMarkers(t *testing.T) {
	app, router := newTestServer(t)
	var gotFilters map[string]any
	app.queryReports = func(ctx context.Context, filters map[string]any) ([]Report, error) {
		gotFilters = filters
		return []Report{
			{ID: 2, Description: "Located", Latitude: floatPtr(18.5), Longitude: floatPtr(73.8), Status: statusPending},
			{ID: 1, Description: "Legacy row", Status: statusPending},
		}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports?status=pending", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotFilters["status"] != statusPending {
		t.Fatalf("expected status filter, got %v", gotFilters)
	}

	var body struct {
		Reports []Report       `json:"reports"`
		Markers []ReportMarker `json:"markers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(body.Reports))
	}
	if len(body.Markers) != 1 || body.Markers[0].ReportID != 2 {
		t.Fatalf("expected one marker for report 2, got %+v", body.Markers)
	}
}

func TestListReportsHandler_UnknownStatusFilterRejected(t *testing.T) {
	app, router := newTestServer(t)
	app.queryReports = func(ctx context.Context, filters map[string]any) ([]Report, error) {
		t.Fatal("queryReports must not be called")
		return nil, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports?status=rescued", ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateReportStatusHandler_AcceptsPendingReport(t *testing.T) {
	app, router := newTestServer(t)
	app.decideReport = func(ctx context.Context, reportID int64, status string, session NGOSession) (*Report, error) {
		if reportID != 5 || status != statusAccepted {
			t.Fatalf("unexpected decision %d %s", reportID, status)
		}
		if session.AccountID != testSession.AccountID {
			t.Fatalf("expected reviewer %s, got %s", testSession.AccountID, session.AccountID)
		}
		reviewer := session.AccountID
		return &Report{ID: reportID, Status: status, ReviewedBy: &reviewer}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodPost, "/api/v1/ngo/reports/5/status", `{"status":"Accepted"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != statusAccepted {
		t.Fatalf("expected accepted, got %v", body["status"])
	}
}

func TestUpdateReportStatusHandler_AlreadyDecidedConflict(t *testing.T) {
	app, router := newTestServer(t)
	app.decideReport = func(ctx context.Context, reportID int64, status string, session NGOSession) (*Report, error) {
		return nil, &apiError{Status: http.StatusConflict, Code: "invalid_status_transition", Message: "Report is already declined"}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodPost, "/api/v1/ngo/reports/5/status", `{"status":"accepted"}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_status_transition" {
		t.Fatalf("expected invalid_status_transition, got %v", body["error"])
	}
}

func TestUpdateReportStatusHandler_RejectsPendingTarget(t *testing.T) {
	app, router := newTestServer(t)
	app.decideReport = func(ctx context.Context, reportID int64, status string, session NGOSession) (*Report, error) {
		t.Fatal("decideReport must not be called")
		return nil, nil
	}

	tests := []struct {
		target string
		body   string
	}{
		{"/api/v1/ngo/reports/5/status", `{"status":"pending"}`},
		{"/api/v1/ngo/reports/abc/status", `{"status":"accepted"}`},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, ngoRequest(t, app, http.MethodPost, tc.target, tc.body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.target, tc.body, rec.Code)
		}
	}
}

func TestExportReportsHandler_CSV(t *testing.T) {
	app, router := newTestServer(t)
	app.now = func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) }
	app.queryReports = func(ctx context.Context, filters map[string]any) ([]Report, error) {
		return []Report{{ID: 3, Description: "Goat", Latitude: floatPtr(1), Longitude: floatPtr(2), Status: statusAccepted}}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports/export", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if contentType := rec.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/csv") {
		t.Fatalf("expected csv content type, got %q", contentType)
	}
	if disposition := rec.Header().Get("Content-Disposition"); !strings.Contains(disposition, "reports-20261017-093000.csv") {
		t.Fatalf("unexpected content disposition %q", disposition)
	}
	if !strings.HasPrefix(rec.Body.String(), "report_id,created_at,status") {
		t.Fatalf("unexpected csv body %q", rec.Body.String())
	}
}

func TestExportReportsHandler_UnknownFormatRejected(t *testing.T) {
	app, router := newTestServer(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports/export?format=xlsx", ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReportEventsHandler_ListsEvents(t *testing.T) {
	app, router := newTestServer(t)
	app.listReportEvents = func(ctx context.Context, reportID int64) ([]ReportEvent, error) {
		id := reportID
		return []ReportEvent{{ID: 1, ReportID: &id, Type: "created", Actor: "reporter", Metadata: map[string]any{}}}, nil
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, ngoRequest(t, app, http.MethodGet, "/api/v1/ngo/reports/12/events", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []ReportEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].ReportID == nil || *events[0].ReportID != 12 {
		t.Fatalf("unexpected events %+v", events)
	}
}
