// Package capture owns a live camera stream: starting and stopping it,
// switching between front and back cameras, and grabbing a still photo.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
)

// JPEGQuality matches the 0.8 quality browsers use for canvas snapshots.
const JPEGQuality = 80

// FacingMode selects the front (user) or back (environment) camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other camera.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

var (
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrFrameUnavailable  = errors.New("video frame unavailable")
)

// Stream is a live video feed. Stop releases every track and must be safe to
// call more than once.
type Stream interface {
	Dimensions() (width, height int)
	Frame() (image.Image, error)
	Stop()
}

// Device opens camera streams.
type Device interface {
	Open(ctx context.Context, facing FacingMode) (Stream, error)
}

// Preview is the surface a running stream is shown on.
type Preview interface {
	Bind(stream Stream)
	Unbind()
}

// Photo is an encoded still.
type Photo struct {
	Bytes    []byte
	MimeType string
	Width    int
	Height   int
}

// Session holds at most one live stream.
type Session struct {
	device  Device
	preview Preview
	log     *slog.Logger

	mu     sync.Mutex
	stream Stream
	facing FacingMode
}

// NewSession starts out facing the back camera. preview and logger may be nil.
func NewSession(device Device, preview Preview, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{device: device, preview: preview, log: logger, facing: FacingEnvironment}
}

// Facing reports the current facing mode.
func (s *Session) Facing() FacingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// Active reports whether a stream is held.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Start opens a stream for facing and binds it to the preview. On failure the
// previously held stream, if any, keeps running.
func (s *Session) Start(ctx context.Context, facing FacingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.device.Open(ctx, facing)
	if err != nil {
		s.log.Warn("camera start failed", "facing", facing, "err", err)
		if errors.Is(err, ErrPermissionDenied) {
			return fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}

	s.releaseLocked()
	s.stream = stream
	s.facing = facing
	if s.preview != nil {
		s.preview.Bind(stream)
	}
	s.log.Info("camera started", "facing", facing)
	return nil
}

// Stop releases the held stream. Calling it with no stream is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

// Close is Stop; it lets owners defer the release.
func (s *Session) Close() error {
	s.Stop()
	return nil
}

// Flip switches cameras. If the other camera fails to open the session is left
// without a stream; the old one is not restarted.
func (s *Session) Flip(ctx context.Context) error {
	s.mu.Lock()
	s.releaseLocked()
	next := s.facing.Opposite()
	s.facing = next
	s.mu.Unlock()

	return s.Start(ctx, next)
}

// Capture snapshots the current frame at the stream's native size and
// encodes it as JPEG. A successful capture ends the live preview.
func (s *Session) Capture() (Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return Photo{}, ErrFrameUnavailable
	}
	width, height := s.stream.Dimensions()
	if width <= 0 || height <= 0 {
		return Photo{}, ErrFrameUnavailable
	}
	frame, err := s.stream.Frame()
	if err != nil {
		return Photo{}, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), frame, frame.Bounds().Min, draw.Src)

	buffer := bytes.NewBuffer(nil)
	if err := jpeg.Encode(buffer, canvas, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return Photo{}, fmt.Errorf("encode frame: %w", err)
	}

	s.releaseLocked()
	s.log.Info("photo captured", "width", width, "height", height, "bytes", buffer.Len())
	return Photo{Bytes: buffer.Bytes(), MimeType: "image/jpeg", Width: width, Height: height}, nil
}

func (s *Session) releaseLocked() {
	if s.stream == nil {
		return
	}
	if s.preview != nil {
		s.preview.Unbind()
	}
	s.stream.Stop()
	s.stream = nil
}
