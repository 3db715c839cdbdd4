// Package camera provides the frame sources a kiosk session polls.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
)

// Capture resolution requested from devices. Frames larger than this are scaled down.
const (
	Width  = 640
	Height = 480
)

var (
	// ErrCameraAccess is the fixed message shown when the device cannot be opened.
	ErrCameraAccess = errors.New("Failed to access camera")
	// ErrNotActive is returned when reading from or pushing to a stopped source.
	ErrNotActive = errors.New("camera not active")
	// ErrNoFrame is returned when no usable frame is available yet.
	ErrNoFrame = errors.New("no frame available")
)

// Source is a video capture device.
type Source interface {
	// Start opens the device. On failure it returns ErrCameraAccess and stays inactive.
	Start(ctx context.Context) error
	// Stop releases the device. Safe to call repeatedly.
	Stop()
	Active() bool
	// Frame returns the current JPEG frame, at most Width x Height.
	Frame(ctx context.Context) ([]byte, error)
}

// Normalize decodes a JPEG or PNG frame and re-encodes it as JPEG no larger
// than Width x Height, keeping the aspect ratio.
func Normalize(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > Width || h > Height {
		scale := min(float64(Width)/float64(w), float64(Height)/float64(h))
		nw := max(1, int(math.Round(float64(w)*scale)))
		nh := max(1, int(math.Round(float64(h)*scale)))
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
