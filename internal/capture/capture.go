// Package capture grabs full-screen raster frames from the host display.
package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("capture")

// Frame is a single captured raster frame with its sequence number and
// the wall-clock time capture completed, in RGBA.
type Frame struct {
	Image      *image.RGBA
	Seq        uint64
	CapturedAt time.Time
}

// Source captures frames from one display.
type Source struct {
	displayIndex int
	bounds       image.Rectangle
	seq          uint64
}

// NewSource returns a Source bound to the given display index. Display 0
// is the primary display.
func NewSource(displayIndex int) (*Source, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("capture: no active displays found")
	}
	if displayIndex < 0 || displayIndex >= n {
		return nil, fmt.Errorf("capture: display index %d out of range [0,%d)", displayIndex, n)
	}
	bounds := screenshot.GetDisplayBounds(displayIndex)
	log.Info("capture source initialized", "display", displayIndex, "bounds", bounds.String())
	return &Source{displayIndex: displayIndex, bounds: bounds}, nil
}

// NumDisplays returns the number of active displays on the host.
func NumDisplays() int {
	return screenshot.NumActiveDisplays()
}

// Bounds returns the display's pixel bounds.
func (s *Source) Bounds() image.Rectangle {
	return s.bounds
}

// Capture grabs a single frame. It is safe to call repeatedly from one
// goroutine; it is not safe to call concurrently from multiple goroutines.
func (s *Source) Capture() (*Frame, error) {
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	s.seq++
	return &Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}, nil
}
