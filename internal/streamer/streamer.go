// Package streamer drives the capture -> codec -> buffer pipeline on a
// fixed-rate ticker and exposes frame-ready and stat-update events.
package streamer

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/meridian-rdp/engine/internal/capture"
	"github.com/meridian-rdp/engine/internal/codec"
	"github.com/meridian-rdp/engine/internal/framebuffer"
	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("streamer")

// FrameSource captures raw frames. *capture.Source satisfies this, and tests
// may supply a fake.
type FrameSource interface {
	Capture() (*capture.Frame, error)
}


// State is the Streamer's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameReady is emitted once per captured+encoded frame.
type FrameReady struct {
	ID      uint64
	Bytes   []byte
	Type    codec.FrameType
	Seq     uint64
}

// StatUpdate is emitted once per second.
type StatUpdate struct {
	FPS             float64
	AvgFrameBytes   float64
	BandwidthMbps   float64
	LatencyMs       float64
	Quality         int
}

// AdaptiveConfig configures the optional bandwidth-threshold quality controller.
type AdaptiveConfig struct {
	Enabled          bool
	MaxBandwidthMbps float64
	TargetQuality    int
	MinQuality       int // floor, spec default 10
	Step             int
}

// Config configures a Streamer.
type Config struct {
	TargetFPS int
	Adaptive  AdaptiveConfig
}

// Streamer owns the capture->codec->buffer pipeline for one display.
type Streamer struct {
	mu       sync.Mutex
	state    State
	source   FrameSource
	codec    *codec.Codec
	buffer   *framebuffer.Buffer
	cfg      Config
	prevRaw  *image.RGBA

	events chan FrameReady
	stats  chan StatUpdate

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// windowed counters reset each second
	windowFrames int
	windowBytes  int64
}

// New returns a Streamer in the Idle state.
func New(source FrameSource, c *codec.Codec, buf *framebuffer.Buffer, cfg Config) *Streamer {
	if cfg.TargetFPS < 1 {
		cfg.TargetFPS = 15
	}
	if cfg.Adaptive.MinQuality < 10 {
		cfg.Adaptive.MinQuality = 10
	}
	if cfg.Adaptive.Step <= 0 {
		cfg.Adaptive.Step = 10
	}
	return &Streamer{
		state:  StateIdle,
		source: source,
		codec:  c,
		buffer: buf,
		cfg:    cfg,
		events: make(chan FrameReady, 8),
		stats:  make(chan StatUpdate, 2),
	}
}

// Events returns the channel FrameReady events are published on.
func (s *Streamer) Events() <-chan FrameReady { return s.events }

// Stats returns the channel StatUpdate events are published on.
func (s *Streamer) Stats() <-chan StatUpdate { return s.stats }

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the capture loop. Calling Start while already Running is a no-op.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
}

// Stop drains the ticker and releases the previous-frame reference.
// Safe to call when not running.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.prevRaw = nil
	s.mu.Unlock()
}

// SetQuality changes the codec quality. Only effective while Running.
func (s *Streamer) SetQuality(q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.codec.SetQuality(q)
}

func (s *Streamer) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(1000/s.cfg.TargetFPS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second / 15
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statTicker := time.NewTicker(time.Second)
	defer statTicker.Stop()

	var latencySampleMs float64

	for {
		select {
		case <-ctx.Done():
			log.Info("streamer stopping")
			return

		case <-ticker.C:
			start := time.Now()
			frame, err := s.source.Capture()
			if err != nil {
				log.Warn("capture failed", "error", err)
				continue
			}

			encoded, info, err := s.codec.Encode(frame.Image, s.prevRaw, frame.CapturedAt)
			if err != nil {
				log.Warn("encode failed", "error", err)
				continue
			}
			s.prevRaw = frame.Image

			entry := s.buffer.Push(encoded, info.Type)
			latencySampleMs = float64(time.Since(start).Microseconds()) / 1000.0

			s.windowFrames++
			s.windowBytes += int64(len(encoded))

			select {
			case s.events <- FrameReady{ID: entry.ID, Bytes: encoded, Type: info.Type, Seq: frame.Seq}:
			default:
				log.Warn("frame event dropped, subscriber too slow")
			}

		case <-statTicker.C:
			s.emitStats(latencySampleMs)
			s.applyAdaptive()
		}
	}
}

func (s *Streamer) emitStats(latencyMs float64) {
	var avgBytes float64
	if s.windowFrames > 0 {
		avgBytes = float64(s.windowBytes) / float64(s.windowFrames)
	}
	update := StatUpdate{
		FPS:           float64(s.windowFrames),
		AvgFrameBytes: avgBytes,
		BandwidthMbps: s.buffer.BandwidthMbps(time.Second),
		LatencyMs:     latencyMs,
		Quality:       s.codec.Quality(),
	}
	s.windowFrames = 0
	s.windowBytes = 0

	select {
	case s.stats <- update:
	default:
		log.Warn("stat update dropped, subscriber too slow")
	}
}

// applyAdaptive implements the spec's bandwidth-threshold adaptive quality
// rule: step down when over the cap, step up when comfortably under it and
// below the configured target. Coalesced once per stat-update boundary.
func (s *Streamer) applyAdaptive() {
	ac := s.cfg.Adaptive
	if !ac.Enabled || ac.MaxBandwidthMbps <= 0 {
		return
	}

	bw := s.buffer.BandwidthMbps(time.Second)
	q := s.codec.Quality()

	if bw > ac.MaxBandwidthMbps {
		newQ := q - ac.Step
		if newQ < ac.MinQuality {
			newQ = ac.MinQuality
		}
		if newQ != q {
			log.Info("adaptive quality decreased", "from", q, "to", newQ, "bandwidth_mbps", bw)
			s.codec.SetQuality(newQ)
		}
		return
	}

	comfortMargin := ac.MaxBandwidthMbps * 0.8
	if bw < comfortMargin && q < ac.TargetQuality {
		newQ := q + ac.Step
		if newQ > ac.TargetQuality {
			newQ = ac.TargetQuality
		}
		if newQ != q {
			log.Info("adaptive quality increased", "from", q, "to", newQ, "bandwidth_mbps", bw)
			s.codec.SetQuality(newQ)
		}
	}
}
