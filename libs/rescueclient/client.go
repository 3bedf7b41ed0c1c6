// Package rescueclient talks to the injured-animal API over HTTP. It backs
// both the public report form and the NGO review dashboard.
package rescueclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/KrushnaGardhe/injured-animal/libs/reportform"
	"github.com/KrushnaGardhe/injured-animal/libs/review"
)

const (
	defaultTimeout    = 30 * time.Second
	deleteTokenHeader = "X-Delete-Token"
	imageBucketPath   = "/api/v1/storage/animal-images"
)

var (
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrUserExists             = errors.New("user already exists")
	ErrValidationFailed       = errors.New("validation failed")
	ErrInvalidStatusChange    = errors.New("invalid status transition")
	ErrRateLimited            = errors.New("rate limited")
	errUnexpectedResponseBody = errors.New("unexpected response body")
)

// APIError is a non-2xx response decoded from the API's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthenticationFailed:
		return e.Code == "authentication_failed"
	case ErrUserExists:
		return e.Code == "user_exists"
	case ErrValidationFailed:
		return e.Code == "validation_failed"
	case ErrInvalidStatusChange, review.ErrNotActionable:
		return e.Code == "invalid_status_transition"
	case ErrRateLimited:
		return e.Code == "rate_limited"
	case review.ErrLoginRequired:
		return e.Code == "unauthorized"
	}
	return false
}

// Profile is an NGO's public record.
type Profile struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	Name               string `json:"name"`
	Organization       string `json:"organization"`
	RegistrationNumber string `json:"registration_number"`
	Phone              string `json:"phone"`
	Address            string `json:"address"`
	Description        string `json:"description"`
	CreatedAt          string `json:"created_at"`
}

// Registration is the NGO sign-up form.
type Registration struct {
	Email              string `json:"email"`
	Password           string `json:"password"`
	Name               string `json:"name"`
	Organization       string `json:"organization"`
	RegistrationNumber string `json:"registration_number"`
	Phone              string `json:"phone"`
	Address            string `json:"address"`
	Description        string `json:"description"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Profile   Profile   `json:"profile"`
}

func (r sessionResponse) session() *review.Session {
	return &review.Session{
		Token:     r.Token,
		AccountID: r.Profile.ID,
		Email:     r.Profile.Email,
		ExpiresAt: r.ExpiresAt,
	}
}

var (
	_ reportform.ImageStore     = (*Client)(nil)
	_ reportform.ReportRecorder = (*Client)(nil)
	_ review.Backend            = (*Client)(nil)
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New returns a client for baseURL. httpClient and logger may be nil.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        logger,
	}
}

// Register creates an NGO account and profile and logs it in.
func (c *Client) Register(ctx context.Context, registration Registration) (*review.Session, *Profile, error) {
	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/register", nil, registration, &resp); err != nil {
		return nil, nil, err
	}
	c.log.Info("ngo registered", "email", resp.Profile.Email)
	return resp.session(), &resp.Profile, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*review.Session, *Profile, error) {
	body := map[string]string{"email": email, "password": password}
	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &resp); err != nil {
		return nil, nil, err
	}
	return resp.session(), &resp.Profile, nil
}

func (c *Client) Logout(ctx context.Context, session *review.Session) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/logout", session, nil, nil)
}

// Session asks the API whether session is still live.
func (c *Client) Session(ctx context.Context, session *review.Session) (*Profile, error) {
	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/auth/session", session, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}

// Refresh swaps session for a new one; the old token stops working.
func (c *Client) Refresh(ctx context.Context, session *review.Session) (*review.Session, error) {
	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/refresh", session, nil, &resp); err != nil {
		return nil, err
	}
	return resp.session(), nil
}

// Upload stores an image in the animal-images bucket.
func (c *Client) Upload(ctx context.Context, data []byte, mimeType string) (reportform.UploadedImage, error) {
	body := bytes.NewBuffer(nil)
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, uploadFileName(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return reportform.UploadedImage{}, err
	}
	if _, err := part.Write(data); err != nil {
		return reportform.UploadedImage{}, err
	}
	if err := writer.Close(); err != nil {
		return reportform.UploadedImage{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+imageBucketPath, body)
	if err != nil {
		return reportform.UploadedImage{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var resp struct {
		Key         string `json:"key"`
		URL         string `json:"url"`
		DeleteToken string `json:"delete_token"`
	}
	if err := c.do(req, &resp); err != nil {
		return reportform.UploadedImage{}, err
	}
	c.log.Info("image uploaded", "key", resp.Key, "bytes", len(data))
	return reportform.UploadedImage{Key: resp.Key, URL: resp.URL, DeleteToken: resp.DeleteToken}, nil
}

// Delete removes an image this client uploaded, authorised by its delete token.
func (c *Client) Delete(ctx context.Context, image reportform.UploadedImage) error {
	if image.Key == "" {
		return fmt.Errorf("image key is empty")
	}
	target := c.baseURL + imageBucketPath + "/" + escapeKey(image.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(deleteTokenHeader, image.DeleteToken)
	if err := c.do(req, nil); err != nil {
		return err
	}
	c.log.Info("image deleted", "key", image.Key)
	return nil
}

// CreateReport records a pending report.
func (c *Client) CreateReport(ctx context.Context, report reportform.NewReport) (reportform.CreatedReport, error) {
	var created reportform.CreatedReport
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/reports", nil, report, &created); err != nil {
		return reportform.CreatedReport{}, err
	}
	return created, nil
}

// ListReports returns every report visible to the session's NGO.
func (c *Client) ListReports(ctx context.Context, session *review.Session) ([]review.Report, error) {
	var resp struct {
		Reports []review.Report `json:"reports"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ngo/reports", session, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Reports, nil
}

func (c *Client) SetReportStatus(ctx context.Context, session *review.Session, id int64, status string) error {
	path := fmt.Sprintf("/api/v1/ngo/reports/%d/status", id)
	return c.doJSON(ctx, http.MethodPost, path, session, map[string]string{"status": status}, nil)
}

// Export downloads the report export in format (csv, geojson or pdf).
func (c *Client) Export(ctx context.Context, session *review.Session, format string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/ngo/reports/export?format="+url.QueryEscape(format), session, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("send export request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read export: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", decodeAPIError(resp.StatusCode, body)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, session *review.Session, payload any, out any) error {
	req, err := c.newRequest(ctx, method, path, session, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, session *review.Session, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if session != nil && session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, body)
		c.log.Warn("api request failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "err", apiErr)
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errUnexpectedResponseBody, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error == "" {
		envelope.Error = http.StatusText(status)
	}
	return &APIError{Status: status, Code: envelope.Error, Message: envelope.Message}
}

func uploadFileName(mimeType string) string {
	switch mimeType {
	case "image/png":
		return "photo.png"
	case "image/webp":
		return "photo.webp"
	default:
		return "photo.jpg"
	}
}

func escapeKey(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
