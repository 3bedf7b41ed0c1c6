package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
)

// ImageDevice is a camera backed by still images, one per facing mode. It is
// what kiosks without a webcam and tests use.
type ImageDevice struct {
	Images map[FacingMode]image.Image
	// Denied simulates a refused permission prompt.
	Denied bool

	mu   sync.Mutex
	open int
}

// LoadImageDevice decodes path and serves it for both facing modes.
func LoadImageDevice(path string) (*ImageDevice, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &ImageDevice{Images: map[FacingMode]image.Image{
		FacingUser:        img,
		FacingEnvironment: img,
	}}, nil
}

func (d *ImageDevice) Open(ctx context.Context, facing FacingMode) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Denied {
		return nil, ErrPermissionDenied
	}
	img, ok := d.Images[facing]
	if !ok || img == nil {
		return nil, fmt.Errorf("no %s camera", facing)
	}

	d.mu.Lock()
	d.open++
	d.mu.Unlock()
	return &imageStream{device: d, img: img}, nil
}

// OpenStreams reports how many streams have not been stopped yet.
func (d *ImageDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

type imageStream struct {
	device *ImageDevice
	img    image.Image

	once sync.Once
}

func (s *imageStream) Dimensions() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

func (s *imageStream) Frame() (image.Image, error) {
	return s.img, nil
}

func (s *imageStream) Stop() {
	s.once.Do(func() {
		s.device.mu.Lock()
		s.device.open--
		s.device.mu.Unlock()
	})
}
