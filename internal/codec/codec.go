// Package codec implements the block-based delta image codec used to
// turn consecutive raw frames into compact encoded frames, and back.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

const (
	blockSize = 16

	// pixelDeltaThreshold is the per-pixel R+G+B absolute delta above which
	// a pixel counts as "changed".
	pixelDeltaThreshold = 30

	// blockChangedFraction is the fraction of a block's pixels that must
	// exceed pixelDeltaThreshold for the block itself to count as changed.
	blockChangedFraction = 0.10

	// fullFrameRatio is the fraction of changed blocks above which a Full
	// frame is emitted instead of a sparse Delta.
	fullFrameRatio = 0.5
)

// FrameType identifies the encoded frame's payload shape.
type FrameType byte

const (
	FrameFull FrameType = iota
	FrameDelta
	FrameNoChange
)

func (t FrameType) String() string {
	switch t {
	case FrameFull:
		return "full"
	case FrameDelta:
		return "delta"
	case FrameNoChange:
		return "no_change"
	default:
		return "unknown"
	}
}

// FrameInfo describes an encode result.
type FrameInfo struct {
	Width            int
	Height           int
	Type             FrameType
	EncodedBytes     int
	CompressionRatio float64 // raw_bytes / encoded_bytes; 0 if encoded_bytes == 0
	CapturedAt       time.Time
}

type blockRect struct {
	x, y, w, h int
}

// Codec encodes and decodes frames at a configurable quality.
type Codec struct {
	mu      sync.Mutex
	quality int // 1-100
}

// New returns a Codec at the given JPEG-equivalent quality, clamped to [1,100].
func New(quality int) *Codec {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &Codec{quality: quality}
}

// SetQuality updates the codec's quality for subsequent Encode calls. Safe
// to call from a different goroutine than the one driving Encode (the
// adaptive-bitrate loop runs independently of external callers).
func (c *Codec) SetQuality(quality int) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	c.mu.Lock()
	c.quality = quality
	c.mu.Unlock()
}

// Quality returns the codec's current quality setting.
func (c *Codec) Quality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Encode produces an encoded frame for cur, diffed against prev. If prev is
// nil or its dimensions differ from cur, a Full frame is produced.
// capturedAt is the capture timestamp stamped into the wire header.
func (c *Codec) Encode(cur, prev *image.RGBA, capturedAt time.Time) ([]byte, FrameInfo, error) {
	bounds := cur.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	rawBytes := w * h * 4
	quality := c.Quality()

	if prev == nil || prev.Bounds().Dx() != w || prev.Bounds().Dy() != h {
		return encodeFull(cur, w, h, rawBytes, quality, capturedAt)
	}

	changed := changedBlocks(cur, prev, w, h)
	total := blockCount(w, h)
	var ratio float64
	if total > 0 {
		ratio = float64(len(changed)) / float64(total)
	}

	switch {
	case len(changed) == 0:
		return encodeNoChange(w, h, rawBytes, capturedAt)
	case ratio > fullFrameRatio:
		return encodeFull(cur, w, h, rawBytes, quality, capturedAt)
	default:
		return encodeDelta(cur, changed, w, h, rawBytes, quality, capturedAt)
	}
}

// header: [1 byte frame_type][4 bytes block count (u32 LE)][8 bytes capture
// timestamp (u64 LE, ms since epoch)]. Little-endian throughout, matching
// the block records that follow a Delta header. Width/height are not
// carried on the wire: Full frames recover them from the embedded JPEG,
// NoChange and Delta both apply onto an already-known prev frame.
const headerSize = 1 + 4 + 8

func encodeFull(img *image.RGBA, w, h, rawBytes, quality int, capturedAt time.Time) ([]byte, FrameInfo, error) {
	payload, err := encodeJPEG(img, quality)
	if err != nil {
		return nil, FrameInfo{}, err
	}
	out := make([]byte, 0, headerSize+len(payload))
	out = appendHeader(out, FrameFull, 0, capturedAt)
	out = append(out, payload...)
	return out, frameInfo(w, h, FrameFull, len(out), rawBytes, capturedAt), nil
}

func encodeNoChange(w, h, rawBytes int, capturedAt time.Time) ([]byte, FrameInfo, error) {
	out := appendHeader(make([]byte, 0, headerSize), FrameNoChange, 0, capturedAt)
	return out, frameInfo(w, h, FrameNoChange, len(out), rawBytes, capturedAt), nil
}

func encodeDelta(img *image.RGBA, blocks []blockRect, w, h, rawBytes, quality int, capturedAt time.Time) ([]byte, FrameInfo, error) {
	out := appendHeader(make([]byte, 0, headerSize), FrameDelta, len(blocks), capturedAt)

	for _, b := range blocks {
		sub := subImage(img, b)
		payload, err := encodeJPEG(sub, quality)
		if err != nil {
			return nil, FrameInfo{}, err
		}
		var bh [20]byte
		binary.LittleEndian.PutUint32(bh[0:4], uint32(b.x))
		binary.LittleEndian.PutUint32(bh[4:8], uint32(b.y))
		binary.LittleEndian.PutUint32(bh[8:12], uint32(b.w))
		binary.LittleEndian.PutUint32(bh[12:16], uint32(b.h))
		binary.LittleEndian.PutUint32(bh[16:20], uint32(len(payload)))
		out = append(out, bh[:]...)
		out = append(out, payload...)
	}

	return out, frameInfo(w, h, FrameDelta, len(out), rawBytes, capturedAt), nil
}

func frameInfo(w, h int, t FrameType, encoded, raw int, capturedAt time.Time) FrameInfo {
	var ratio float64
	if encoded > 0 {
		ratio = float64(raw) / float64(encoded)
	}
	return FrameInfo{Width: w, Height: h, Type: t, EncodedBytes: encoded, CompressionRatio: ratio, CapturedAt: capturedAt}
}

func appendHeader(buf []byte, t FrameType, blockCount int, capturedAt time.Time) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(blockCount))
	binary.LittleEndian.PutUint64(hdr[5:13], uint64(capturedAt.UnixMilli()))
	return append(buf, hdr[:]...)
}

// Decode applies an encoded frame on top of prev (which may be nil for a
// Full frame) and returns the resulting decoded frame plus the capture
// timestamp carried in the header.
func Decode(encoded []byte, prev *image.RGBA) (*image.RGBA, time.Time, error) {
	if len(encoded) < headerSize {
		return nil, time.Time{}, fmt.Errorf("codec: encoded frame too short (%d bytes)", len(encoded))
	}
	t := FrameType(encoded[0])
	blockCnt := int(binary.LittleEndian.Uint32(encoded[1:5]))
	capturedAt := time.UnixMilli(int64(binary.LittleEndian.Uint64(encoded[5:13])))
	body := encoded[headerSize:]

	switch t {
	case FrameNoChange:
		if prev == nil {
			return nil, time.Time{}, fmt.Errorf("codec: NoChange frame with no previous frame to reuse")
		}
		return prev, capturedAt, nil

	case FrameFull:
		img, err := jpeg.Decode(bytes.NewReader(body))
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("codec: decoding full frame: %w", err)
		}
		return toRGBA(img), capturedAt, nil

	case FrameDelta:
		if prev == nil {
			return nil, time.Time{}, fmt.Errorf("codec: Delta frame with no previous frame to patch")
		}
		out := cloneRGBA(prev)
		off := 0
		for i := 0; i < blockCnt; i++ {
			if off+20 > len(body) {
				return nil, time.Time{}, fmt.Errorf("codec: truncated block header at block %d", i)
			}
			x := int(binary.LittleEndian.Uint32(body[off : off+4]))
			y := int(binary.LittleEndian.Uint32(body[off+4 : off+8]))
			bw := int(binary.LittleEndian.Uint32(body[off+8 : off+12]))
			bh := int(binary.LittleEndian.Uint32(body[off+12 : off+16]))
			size := int(binary.LittleEndian.Uint32(body[off+16 : off+20]))
			off += 20
			if off+size > len(body) {
				return nil, time.Time{}, fmt.Errorf("codec: truncated block payload at block %d", i)
			}
			sub, err := jpeg.Decode(bytes.NewReader(body[off : off+size]))
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("codec: decoding block %d: %w", i, err)
			}
			off += size
			writeBlock(out, sub, x, y, bw, bh)
		}
		return out, capturedAt, nil

	default:
		return nil, time.Time{}, fmt.Errorf("codec: unknown frame type %d", t)
	}
}

func changedBlocks(cur, prev *image.RGBA, w, h int) []blockRect {
	var blocks []blockRect
	for by := 0; by < h; by += blockSize {
		bh := blockSize
		if by+bh > h {
			bh = h - by
		}
		for bx := 0; bx < w; bx += blockSize {
			bw := blockSize
			if bx+bw > w {
				bw = w - bx
			}
			if blockChanged(cur, prev, bx, by, bw, bh) {
				blocks = append(blocks, blockRect{x: bx, y: by, w: bw, h: bh})
			}
		}
	}
	return blocks
}

func blockChanged(cur, prev *image.RGBA, x, y, w, h int) bool {
	total := w * h
	if total == 0 {
		return false
	}
	changedPixels := 0
	for dy := 0; dy < h; dy++ {
		curOff := cur.PixOffset(cur.Rect.Min.X+x, cur.Rect.Min.Y+y+dy)
		prevOff := prev.PixOffset(prev.Rect.Min.X+x, prev.Rect.Min.Y+y+dy)
		curRow := cur.Pix[curOff : curOff+w*4]
		prevRow := prev.Pix[prevOff : prevOff+w*4]
		for px := 0; px < w; px++ {
			i := px * 4
			delta := absDiff(curRow[i], prevRow[i]) +
				absDiff(curRow[i+1], prevRow[i+1]) +
				absDiff(curRow[i+2], prevRow[i+2])
			if delta > pixelDeltaThreshold {
				changedPixels++
			}
		}
	}
	return float64(changedPixels)/float64(total) > blockChangedFraction
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func blockCount(w, h int) int {
	bx := (w + blockSize - 1) / blockSize
	by := (h + blockSize - 1) / blockSize
	return bx * by
}

func subImage(img *image.RGBA, b blockRect) *image.RGBA {
	r := image.Rect(img.Rect.Min.X+b.x, img.Rect.Min.Y+b.y, img.Rect.Min.X+b.x+b.w, img.Rect.Min.Y+b.y+b.h)
	return img.SubImage(r).(*image.RGBA)
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		srcOff := img.PixOffset(b.Min.X, b.Min.Y+y)
		dstOff := out.PixOffset(0, y)
		copy(out.Pix[dstOff:dstOff+b.Dx()*4], img.Pix[srcOff:srcOff+b.Dx()*4])
	}
	return out
}

func writeBlock(dst *image.RGBA, src image.Image, x, y, w, h int) {
	for dy := 0; dy < h; dy++ {
		for dx := 0; dx < w; dx++ {
			dst.Set(dst.Rect.Min.X+x+dx, dst.Rect.Min.Y+y+dy, src.At(src.Bounds().Min.X+dx, src.Bounds().Min.Y+dy))
		}
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x-b.Min.X, y-b.Min.Y, img.At(x, y))
		}
	}
	return out
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("codec: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
