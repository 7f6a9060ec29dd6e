// Package framebuffer holds a bounded FIFO of recently encoded frames with
// running byte/time accounting for bandwidth and fps queries.
package framebuffer

import (
	"sync"
	"time"

	"github.com/meridian-rdp/engine/internal/codec"
	"github.com/meridian-rdp/engine/internal/metrics"
)

// Entry is one encoded frame retained in the buffer.
type Entry struct {
	ID         uint64
	Bytes      []byte
	Type       codec.FrameType
	CapturedAt time.Time
}

// Stats is a point-in-time summary of buffer occupancy.
type Stats struct {
	Count           int
	MaxSize         int
	TotalBytes      int64
	AvgFrameBytes   float64
	TotalFrames     uint64
}

// Buffer is a bounded FIFO of Entry holding at most the maxSize given to New.
//
// Buffer is the back-pressure valve: when a consumer cannot drain fast
// enough, Push evicts the oldest retained frame instead of blocking the
// capture pipeline. MarkSending/ClearSending track which entry a consumer
// currently has in flight, so an eviction that interrupts a live send can
// be told apart from routine FIFO churn and counted as a dropped frame.
type Buffer struct {
	mu         sync.RWMutex
	entries    []Entry
	maxSize    int
	nextID     uint64
	totalBytes int64
	totalCount uint64
	sending    map[uint64]struct{}
}

// New returns an empty Buffer retaining at most maxSize frames. maxSize <= 0
// disables retention entirely: Push becomes a no-op returning a zero Entry,
// and Latest always reports false. New itself does not clamp the depth to a
// single frame (config validation clamps frame_buffer_depth to at least 1
// before the host calls New).
func New(maxSize int) *Buffer {
	return &Buffer{maxSize: maxSize, sending: make(map[uint64]struct{})}
}

// Push adds a newly encoded frame, evicting the oldest if the buffer is
// full. If the evicted entry was marked in flight via MarkSending, a
// FrameDropped metric is recorded: the eviction interrupted a live send
// rather than just recycling an already-delivered frame.
func (b *Buffer) Push(bytes []byte, t codec.FrameType) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxSize <= 0 {
		return Entry{}
	}

	if len(b.entries) >= b.maxSize {
		evicted := b.entries[0]
		b.entries = b.entries[1:]
		b.totalBytes -= int64(len(evicted.Bytes))
		if _, inFlight := b.sending[evicted.ID]; inFlight {
			delete(b.sending, evicted.ID)
			metrics.FrameDropped("buffer_full_send_in_flight")
		}
	}

	b.nextID++
	e := Entry{ID: b.nextID, Bytes: bytes, Type: t, CapturedAt: time.Now()}
	b.entries = append(b.entries, e)
	b.totalBytes += int64(len(bytes))
	b.totalCount++
	return e
}

// MarkSending records that id's frame has been handed to a transport send
// that has not yet completed. Call before attempting the send.
func (b *Buffer) MarkSending(id uint64) {
	b.mu.Lock()
	b.sending[id] = struct{}{}
	b.mu.Unlock()
}

// ClearSending records that id's send has completed, successfully or not.
// Safe to call even if id was never marked or was already evicted.
func (b *Buffer) ClearSending(id uint64) {
	b.mu.Lock()
	delete(b.sending, id)
	b.mu.Unlock()
}

// Latest returns the most recently pushed entry, if any.
func (b *Buffer) Latest() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Get returns the entry with the given frame id, if it is still retained.
func (b *Buffer) Get(id uint64) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Since returns all retained entries captured at or after t, oldest first.
func (b *Buffer) Since(t time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.CapturedAt.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Stats returns current occupancy and cumulative counters.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		Count:       len(b.entries),
		MaxSize:     b.maxSize,
		TotalBytes:  b.totalBytes,
		TotalFrames: b.totalCount,
	}
	if s.Count > 0 {
		s.AvgFrameBytes = float64(b.totalBytes) / float64(s.Count)
	}
	return s
}

// BandwidthMbps returns the bandwidth, in megabits/sec, consumed by frames
// captured within the last d: 8 * bytes / (d_seconds * 1_000_000).
func (b *Buffer) BandwidthMbps(d time.Duration) float64 {
	since := time.Now().Add(-d)
	var bytes int64
	b.mu.RLock()
	for _, e := range b.entries {
		if !e.CapturedAt.Before(since) {
			bytes += int64(len(e.Bytes))
		}
	}
	b.mu.RUnlock()

	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8.0 / (secs * 1_000_000.0)
}

// FPS returns the rate of frames captured within the last d.
func (b *Buffer) FPS(d time.Duration) float64 {
	since := time.Now().Add(-d)
	count := 0
	b.mu.RLock()
	for _, e := range b.entries {
		if !e.CapturedAt.Before(since) {
			count++
		}
	}
	b.mu.RUnlock()

	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(count) / secs
}
