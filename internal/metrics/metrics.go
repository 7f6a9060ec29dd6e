// Package metrics keeps bounded ring-buffer histories for connection,
// system, and quality samples, evaluates alert thresholds on a ticker, and
// exports counters/gauges over Prometheus alongside an in-process
// snapshot for callers that just want the current numbers.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("metrics")

const (
	ringCapacity    = 300
	alertInterval   = 5 * time.Second
	dedupWindow     = 30 * time.Second
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_frames_sent_total",
		Help: "Total encoded frames handed to a transport for send.",
	})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_frames_dropped_total",
		Help: "Total frames evicted from the frame buffer while their transport send was in flight.",
	}, []string{"reason"})
	bandwidthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_bandwidth_mbps",
		Help: "Most recently measured outbound bandwidth in Mbps.",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_active_connections",
		Help: "Current number of active permission grants.",
	})
	alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_alerts_raised_total",
		Help: "Total alerts raised by type.",
	}, []string{"type"})
	cpuGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_host_cpu_percent",
		Help: "Host CPU utilization percent from the latest system sample.",
	})
	memGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_host_mem_percent",
		Help: "Host memory utilization percent from the latest system sample.",
	})
)

// FrameSent increments the Prometheus frames-sent counter.
func FrameSent() { framesSent.Inc() }

// FrameDropped increments the frames-dropped counter for reason.
func FrameDropped(reason string) { framesDropped.WithLabelValues(reason).Inc() }

// StartHTTP serves Prometheus metrics at /metrics and a liveness probe at
// /healthz on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics http listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics http server stopped", "error", err)
		}
	}()
	return srv
}

// Thresholds configures alert evaluation.
type Thresholds struct {
	MaxBandwidthMbps   float64
	MinQuality         int
	MaxCPUPercent      float64
	MaxMemPercent      float64
	MaxLatencyMs       float64
}

// AlertType enumerates the conditions that can fire.
type AlertType string

const (
	AlertBandwidthHigh AlertType = "bandwidth_high"
	AlertQualityLow    AlertType = "quality_low"
	AlertCPUHigh       AlertType = "cpu_high"
	AlertMemHigh       AlertType = "mem_high"
	AlertLatencyHigh   AlertType = "latency_high"
)

// Alert is a raised threshold violation.
type Alert struct {
	Type         AlertType
	ConnectionID string // empty for system/quality alerts
	Message      string
	RaisedAt     time.Time
	Acknowledged bool
}

func (a Alert) dedupKey() string {
	return fmt.Sprintf("%s|%s", a.Type, a.ConnectionID)
}

// Registry holds the three ring buffers and the alert evaluation loop.
type Registry struct {
	thresholds Thresholds

	connection map[string]*Ring
	system     *Ring
	quality    *Ring

	mu        sync.Mutex
	alerts    map[string]*Alert // dedup key -> alert
	lastFired map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan Alert
}

// New returns a Registry evaluated against thresholds.
func New(thresholds Thresholds) *Registry {
	return &Registry{
		thresholds: thresholds,
		connection: make(map[string]*Ring),
		system:     NewRing(ringCapacity),
		quality:    NewRing(ringCapacity),
		alerts:     make(map[string]*Alert),
		lastFired:  make(map[string]time.Time),
		events:     make(chan Alert, 16),
	}
}

// Alerts publishes newly raised (non-deduplicated) alerts.
func (r *Registry) Alerts() <-chan Alert { return r.events }

// Start launches the alert evaluation ticker.
func (r *Registry) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.evalLoop(ctx)
}

// Stop halts the evaluation ticker. Idempotent.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// WriteConnection appends a connection sample and evaluates its thresholds.
func (r *Registry) WriteConnection(connectionID string, fields map[string]float64) {
	now := time.Now()

	r.mu.Lock()
	ring, ok := r.connection[connectionID]
	if !ok {
		ring = NewRing(ringCapacity)
		r.connection[connectionID] = ring
	}
	r.mu.Unlock()

	ring.Write(now, fields)

	if bw, ok := fields["bandwidth_mbps"]; ok {
		bandwidthGauge.Set(bw)
		if r.thresholds.MaxBandwidthMbps > 0 && bw > r.thresholds.MaxBandwidthMbps {
			r.raise(Alert{Type: AlertBandwidthHigh, ConnectionID: connectionID,
				Message: fmt.Sprintf("bandwidth %.2f Mbps exceeds %.2f", bw, r.thresholds.MaxBandwidthMbps)})
		}
	}
	if lat, ok := fields["latency_ms"]; ok && r.thresholds.MaxLatencyMs > 0 && lat > r.thresholds.MaxLatencyMs {
		r.raise(Alert{Type: AlertLatencyHigh, ConnectionID: connectionID,
			Message: fmt.Sprintf("latency %.2f ms exceeds %.2f", lat, r.thresholds.MaxLatencyMs)})
	}
}

// WriteSystem appends a system sample (CPU/mem percent).
func (r *Registry) WriteSystem(fields map[string]float64) {
	r.system.Write(time.Now(), fields)
	if cpuPct, ok := fields["cpu_percent"]; ok {
		cpuGauge.Set(cpuPct)
	}
	if memPct, ok := fields["mem_percent"]; ok {
		memGauge.Set(memPct)
	}
}

// WriteQuality appends a quality sample (encoder quality, fps).
func (r *Registry) WriteQuality(fields map[string]float64) {
	r.quality.Write(time.Now(), fields)
}

// ConnectionHistory returns the ring for connectionID, or nil if unseen.
func (r *Registry) ConnectionHistory(connectionID string) *Ring {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection[connectionID]
}

// SystemHistory returns the system ring.
func (r *Registry) SystemHistory() *Ring { return r.system }

// QualityHistory returns the quality ring.
func (r *Registry) QualityHistory() *Ring { return r.quality }

// SetActiveConnections updates the active-connections gauge.
func SetActiveConnections(n int) { activeConnections.Set(float64(n)) }

func (r *Registry) raise(a Alert) {
	key := a.dedupKey()
	now := time.Now()

	r.mu.Lock()
	last, seen := r.lastFired[key]
	if seen && now.Sub(last) < dedupWindow {
		r.mu.Unlock()
		return
	}
	a.RaisedAt = now
	r.alerts[key] = &a
	r.lastFired[key] = now
	r.mu.Unlock()

	alertsRaised.WithLabelValues(string(a.Type)).Inc()

	select {
	case r.events <- a:
	default:
		log.Warn("alert event dropped, subscriber too slow", "type", a.Type)
	}
}

// Acknowledge marks an alert acknowledged so ClearAcknowledged will remove it.
func (r *Registry) Acknowledge(alertType AlertType, connectionID string) {
	key := fmt.Sprintf("%s|%s", alertType, connectionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.alerts[key]; ok {
		a.Acknowledged = true
	}
}

// ClearAcknowledged removes every alert previously marked Acknowledge'd.
func (r *Registry) ClearAcknowledged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.alerts {
		if a.Acknowledged {
			delete(r.alerts, key)
		}
	}
}

// ActiveAlerts returns every currently-held alert, acknowledged or not.
func (r *Registry) ActiveAlerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, *a)
	}
	return out
}

func (r *Registry) evalLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(alertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evalSystemAndQuality()
		}
	}
}

func (r *Registry) evalSystemAndQuality() {
	if sys, ok := r.system.Latest(); ok {
		if cpuPct, ok := sys.Fields["cpu_percent"]; ok && r.thresholds.MaxCPUPercent > 0 && cpuPct > r.thresholds.MaxCPUPercent {
			r.raise(Alert{Type: AlertCPUHigh, Message: fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", cpuPct, r.thresholds.MaxCPUPercent)})
		}
		if memPct, ok := sys.Fields["mem_percent"]; ok && r.thresholds.MaxMemPercent > 0 && memPct > r.thresholds.MaxMemPercent {
			r.raise(Alert{Type: AlertMemHigh, Message: fmt.Sprintf("mem %.1f%% exceeds %.1f%%", memPct, r.thresholds.MaxMemPercent)})
		}
	}
	if q, ok := r.quality.Latest(); ok {
		if qv, ok := q.Fields["quality"]; ok && r.thresholds.MinQuality > 0 && qv < float64(r.thresholds.MinQuality) {
			r.raise(Alert{Type: AlertQualityLow, Message: fmt.Sprintf("quality %.0f below floor %d", qv, r.thresholds.MinQuality)})
		}
	}
}

// CollectSystemSample reads current CPU and memory utilization via
// gopsutil and returns it as WriteSystem-ready fields.
func CollectSystemSample(ctx context.Context) (map[string]float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("metrics: cpu sample: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("metrics: mem sample: %w", err)
	}

	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return map[string]float64{
		"cpu_percent": cpuPct,
		"mem_percent": vm.UsedPercent,
	}, nil
}
