// Package reportform drives the public "report an animal" form: it holds the
// entered description, photo and location, and turns them into an uploaded
// image plus a pending report record.
package reportform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/KrushnaGardhe/injured-animal/libs/geo"
)

// StatusPending is the only status a new report can have.
const StatusPending = "pending"

// State is where a form is in its submit lifecycle. Failed drops back to
// Idle on the next edit.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

var (
	ErrValidationFailed      = errors.New("validation failed")
	ErrRemoteOperationFailed = errors.New("remote operation failed")
	ErrSubmissionInProgress  = errors.New("submission already in progress")
)

// RemoteError says which backend step failed.
type RemoteError struct {
	Step string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteOperationFailed, e.Err}
}

// UploadedImage is where the backend put an image.
type UploadedImage struct {
	Key         string
	URL         string
	DeleteToken string
}

// ImageStore is the object storage bucket reports' photos go to.
type ImageStore interface {
	Upload(ctx context.Context, data []byte, mimeType string) (UploadedImage, error)
	Delete(ctx context.Context, image UploadedImage) error
}

// NewReport is the record created after a successful upload.
type NewReport struct {
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ImageURL    string  `json:"image_url"`
	Status      string  `json:"status"`
}

// CreatedReport is what the backend returns for a stored report.
type CreatedReport struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	ImageURL  string `json:"image_url"`
	CreatedAt string `json:"created_at"`
}

// ReportRecorder persists report records.
type ReportRecorder interface {
	CreateReport(ctx context.Context, report NewReport) (CreatedReport, error)
}

// Image is a captured or chosen photo.
type Image struct {
	Bytes    []byte
	MimeType string
}

// Workflow owns one form's fields and its submission state.
type Workflow struct {
	images  ImageStore
	reports ReportRecorder
	log     *slog.Logger

	mu          sync.Mutex
	state       State
	description string
	image       *Image
	location    geo.Selection
	lastErr     error
	lastReport  *CreatedReport
}

// New returns an idle workflow. logger may be nil.
func New(images ImageStore, reports ReportRecorder, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Workflow{images: images, reports: reports, log: logger, state: StateIdle}
}

// Location exposes the selection so maps and locators can write into it.
func (w *Workflow) Location() *geo.Selection {
	return &w.location
}

// SetDescription replaces the free-text description.
func (w *Workflow) SetDescription(description string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.description = description
	w.resetFailedLocked()
}

// SetImage stores a copy of image as the report photo.
func (w *Workflow) SetImage(image Image) {
	w.mu.Lock()
	defer w.mu.Unlock()
	copied := Image{Bytes: append([]byte(nil), image.Bytes...), MimeType: image.MimeType}
	w.image = &copied
	w.resetFailedLocked()
}

// RemoveImage drops the photo, like the "Remove photo" button.
func (w *Workflow) RemoveImage() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.image = nil
	w.resetFailedLocked()
}

func (w *Workflow) Description() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.description
}

func (w *Workflow) Image() (Image, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.image == nil {
		return Image{}, false
	}
	return *w.image, true
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastError is the user-facing failure from the most recent attempt.
func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// LastReport is the report created by the most recent successful submit.
func (w *Workflow) LastReport() (CreatedReport, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastReport == nil {
		return CreatedReport{}, false
	}
	return *w.lastReport, true
}

// CanSubmit is the enabled state of the submit control.
func (w *Workflow) CanSubmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSubmitting {
		return false
	}
	return w.validateLocked() == nil
}

func (w *Workflow) validateLocked() error {
	var missing []string
	if strings.TrimSpace(w.description) == "" {
		missing = append(missing, "description")
	}
	if w.image == nil || len(w.image.Bytes) == 0 {
		missing = append(missing, "image")
	}
	if _, ok := w.location.Current(); !ok {
		missing = append(missing, "location")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidationFailed, strings.Join(missing, ", "))
	}
	return nil
}

func (w *Workflow) resetFailedLocked() {
	if w.state == StateFailed || w.state == StateSuccess {
		w.state = StateIdle
	}
}

// Submit uploads the photo and creates a pending report. Nothing reaches the
// backend unless description, image and location are all present. On failure
// every field is kept so the user can retry.
func (w *Workflow) Submit(ctx context.Context) (CreatedReport, error) {
	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return CreatedReport{}, ErrSubmissionInProgress
	}
	if err := w.validateLocked(); err != nil {
		w.mu.Unlock()
		return CreatedReport{}, err
	}
	coordinate, _ := w.location.Current()
	rawDescription := w.description
	description := strings.TrimSpace(rawDescription)
	submittedImage := w.image
	image := *w.image
	w.state = StateSubmitting
	w.lastErr = nil
	w.mu.Unlock()

	created, err := w.submit(ctx, description, image, coordinate)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateFailed
		w.lastErr = err
		w.log.Error("report submission failed", "err", err)
		return CreatedReport{}, err
	}

	// Only clear what was sent; edits made while the submit ran stay.
	if w.description == rawDescription {
		w.description = ""
	}
	if w.image == submittedImage {
		w.image = nil
	}
	if current, ok := w.location.Current(); ok && current == coordinate {
		w.location.Clear()
	}
	w.state = StateSuccess
	w.lastReport = &created
	w.log.Info("report submitted", "report_id", created.ID)
	return created, nil
}

func (w *Workflow) submit(ctx context.Context, description string, image Image, coordinate geo.Coordinate) (CreatedReport, error) {
	uploaded, err := w.images.Upload(ctx, image.Bytes, image.MimeType)
	if err != nil {
		return CreatedReport{}, &RemoteError{Step: "image upload", Err: err}
	}
	if uploaded.URL == "" {
		return CreatedReport{}, &RemoteError{Step: "image upload", Err: errors.New("no public url returned")}
	}

	created, err := w.reports.CreateReport(ctx, NewReport{
		Description: description,
		Latitude:    coordinate.Lat,
		Longitude:   coordinate.Lng,
		ImageURL:    uploaded.URL,
		Status:      StatusPending,
	})
	if err != nil {
		// Undo the upload so the object is not orphaned.
		if deleteErr := w.images.Delete(context.WithoutCancel(ctx), uploaded); deleteErr != nil {
			w.log.Warn("orphaned image cleanup failed", "key", uploaded.Key, "err", deleteErr)
		}
		return CreatedReport{}, &RemoteError{Step: "report creation", Err: err}
	}
	return created, nil
}
