package codec

import (
	"image"
	"image/color"
	"testing"
	"time"
)

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeFirstFrameIsFull(t *testing.T) {
	c := New(80)
	img := solidFrame(64, 64, color.RGBA{50, 50, 50, 255})
	encoded, info, err := c.Encode(img, nil, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameFull {
		t.Fatalf("expected Full, got %v", info.Type)
	}
	if len(encoded) != info.EncodedBytes {
		t.Fatalf("encoded length mismatch: %d vs %d", len(encoded), info.EncodedBytes)
	}
}

func TestEncodeIdenticalFramesIsNoChange(t *testing.T) {
	c := New(80)
	img := solidFrame(64, 64, color.RGBA{50, 50, 50, 255})
	prev := solidFrame(64, 64, color.RGBA{50, 50, 50, 255})
	_, info, err := c.Encode(img, prev, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameNoChange {
		t.Fatalf("expected NoChange, got %v", info.Type)
	}
}

func TestEncodeFullyDifferentFrameIsFull(t *testing.T) {
	c := New(80)
	prev := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	cur := solidFrame(64, 64, color.RGBA{255, 255, 255, 255})
	_, info, err := c.Encode(cur, prev, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameFull {
		t.Fatalf("expected Full (ratio > 0.5), got %v", info.Type)
	}
}

func TestEncodePartialChangeIsDelta(t *testing.T) {
	c := New(80)
	prev := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	cur := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	// Change only the top-left 16x16 block.
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			cur.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	_, info, err := c.Encode(cur, prev, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameDelta {
		t.Fatalf("expected Delta, got %v", info.Type)
	}
}

func TestEncodeDifferentDimensionsForcesFull(t *testing.T) {
	c := New(80)
	prev := solidFrame(32, 32, color.RGBA{0, 0, 0, 255})
	cur := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	_, info, err := c.Encode(cur, prev, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameFull {
		t.Fatalf("expected Full on dimension change, got %v", info.Type)
	}
}

func TestDecodeFullRoundTrips(t *testing.T) {
	c := New(90)
	img := solidFrame(32, 32, color.RGBA{10, 20, 30, 255})
	encoded, _, err := c.Encode(img, nil, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, _, err := Decode(encoded, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Bounds().Dx() != 32 || decoded.Bounds().Dy() != 32 {
		t.Fatalf("unexpected decoded bounds: %v", decoded.Bounds())
	}
}

func TestDecodeNoChangeReturnsPrevious(t *testing.T) {
	c := New(80)
	img := solidFrame(32, 32, color.RGBA{5, 5, 5, 255})
	encoded, info, err := c.Encode(img, img, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameNoChange {
		t.Fatalf("expected NoChange, got %v", info.Type)
	}
	decoded, _, err := Decode(encoded, img)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != img {
		t.Fatal("NoChange decode should return the exact previous frame")
	}
}

func TestDecodeDeltaPatchesOnlyChangedRegion(t *testing.T) {
	c := New(90)
	prev := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	cur := solidFrame(64, 64, color.RGBA{0, 0, 0, 255})
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			cur.SetRGBA(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	encoded, info, err := c.Encode(cur, prev, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.Type != FrameDelta {
		t.Fatalf("expected Delta, got %v", info.Type)
	}
	decoded, _, err := Decode(encoded, prev)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Outside the changed block, pixels must be unchanged from prev.
	outside := decoded.RGBAAt(40, 40)
	if outside != (color.RGBA{0, 0, 0, 255}) {
		t.Fatalf("expected unchanged pixel outside delta block, got %v", outside)
	}
}

func TestDecodeRejectsTooShort(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected error for too-short encoded frame")
	}
}

func TestCompressionRatioPositiveForFull(t *testing.T) {
	c := New(50)
	img := solidFrame(128, 128, color.RGBA{100, 100, 100, 255})
	_, info, err := c.Encode(img, nil, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if info.CompressionRatio <= 0 {
		t.Fatalf("expected positive compression ratio, got %v", info.CompressionRatio)
	}
}

func TestSetQualityClamps(t *testing.T) {
	c := New(50)
	c.SetQuality(0)
	if c.Quality() != 1 {
		t.Fatalf("expected clamp to 1, got %d", c.Quality())
	}
	c.SetQuality(500)
	if c.Quality() != 100 {
		t.Fatalf("expected clamp to 100, got %d", c.Quality())
	}
}
