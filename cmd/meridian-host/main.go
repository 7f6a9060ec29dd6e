package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-rdp/engine/internal/arbiter"
	"github.com/meridian-rdp/engine/internal/capture"
	"github.com/meridian-rdp/engine/internal/codec"
	"github.com/meridian-rdp/engine/internal/config"
	"github.com/meridian-rdp/engine/internal/connmanager"
	"github.com/meridian-rdp/engine/internal/discovery"
	"github.com/meridian-rdp/engine/internal/framebuffer"
	"github.com/meridian-rdp/engine/internal/identity"
	"github.com/meridian-rdp/engine/internal/inputapply"
	"github.com/meridian-rdp/engine/internal/logging"
	"github.com/meridian-rdp/engine/internal/metrics"
	"github.com/meridian-rdp/engine/internal/permissions"
	"github.com/meridian-rdp/engine/internal/streamer"
	"github.com/meridian-rdp/engine/internal/workerpool"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "meridian-host",
	Short: "Meridian remote desktop host",
	Long:  `Meridian Host - captures the local display and serves it to a viewer over P2P or relay.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host and wait for an incoming viewer connection",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Meridian Host v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current configuration summary",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var viewerAddr string

var connectCmd = &cobra.Command{
	Use:   "connect <session-id>",
	Short: "Connect to a remote host as a viewer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runViewer(args[0], viewerAddr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/meridian/meridian.yaml)")
	connectCmd.Flags().StringVar(&viewerAddr, "addr", "", "direct P2P address of the host (skips discovery, still falls back to relay)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")
}

// hostComponents holds every long-running piece runHost wires together, so
// shutdown can stop them in the order the concurrency model prescribes:
// streamer, then discovery (broadcasting Goodbye), then transport, then
// sweepers.
type hostComponents struct {
	streamer  *streamer.Streamer
	discovery *discovery.Discovery
	connMgr   *connmanager.Manager
	arbiter   *arbiter.Arbiter
	perms     *permissions.Store
	metrics   *metrics.Registry
	sysPool   *workerpool.Pool
}

func shutdownHost(h *hostComponents) {
	if h == nil {
		return
	}
	h.streamer.Stop()
	if h.discovery != nil {
		h.discovery.Stop()
	}
	h.connMgr.Stop()
	h.arbiter.Stop()
	h.perms.Stop()
	h.metrics.Stop()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	h.sysPool.Shutdown(shCtx)
}

// sampleSystemMetrics submits one CollectSystemSample task per tick to pool,
// so the pool's worker count bounds concurrent gopsutil syscalls.
func sampleSystemMetrics(ctx context.Context, pool *workerpool.Pool, reg *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.Submit(func() {
				sample, err := metrics.CollectSystemSample(ctx)
				if err != nil {
					log.Warn("system sample failed", "error", err)
					return
				}
				reg.WriteSystem(sample)
			})
		}
	}
}

func runHost() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	if cfg.RelayServerURL != "" {
		logging.InitShipper(logging.ShipperConfig{
			ServerURL:     cfg.RelayServerURL,
			DeviceID:      cfg.DeviceID,
			AuthToken:     cfg.RelayAuthToken,
			EngineVersion: version,
			MinLevel:      cfg.LogLevel,
		})
		defer logging.StopShipper()
	}

	log.Info("starting host", "version", version, "device_id", cfg.DeviceID)

	src, err := capture.NewSource(0)
	if err != nil {
		log.Error("capture source unavailable", "error", err)
		os.Exit(1)
	}
	bounds := src.Bounds()

	cd := codec.New(cfg.Quality)
	buf := framebuffer.New(cfg.FrameBufferDepth)
	strm := streamer.New(src, cd, buf, streamer.Config{
		TargetFPS: cfg.TargetFPS,
		Adaptive: streamer.AdaptiveConfig{
			Enabled:          cfg.AdaptiveQuality,
			MaxBandwidthMbps: cfg.MaxBandwidthMbps,
			TargetQuality:    cfg.Quality,
			MinQuality:       cfg.MinQuality,
			Step:             cfg.QualityStep,
		},
	})

	perms := permissions.New(permissions.Config{
		RequirePermissionForScreenView:   cfg.RequirePermissionForScreenView,
		RequirePermissionForInputControl: cfg.RequirePermissionForInputControl,
		RequirePermissionForFileTransfer: cfg.RequirePermissionForFileTransfer,
	})
	perms.Start()

	arb := arbiter.New(arbiter.Config{
		MaxConcurrentConnections: cfg.MaxConcurrentConnections,
		EnableWhitelist:          cfg.EnableWhitelist,
		IsWhitelisted: func(deviceID string) bool {
			for _, id := range cfg.WhitelistedDevices {
				if id == deviceID {
					return true
				}
			}
			return false
		},
		DefaultGrantDuration: time.Duration(cfg.DefaultSessionDurationMinutes) * time.Minute,
		DefaultGrantCaps:     []string{"ScreenView", "InputControl"},
	}, perms)
	arb.Start()

	ids := identity.NewAllocator()
	connMgr := connmanager.New(connmanager.Config{
		P2PEnabled:        cfg.P2PEnabled,
		P2PListenAddr:     fmt.Sprintf("0.0.0.0:%d", cfg.P2PPort),
		RelayEnabled:      cfg.RelayEnabled,
		RelayServerURL:    cfg.RelayServerURL,
		AutoFallback:      cfg.AutoFallbackToRelay,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second,
	}, ids)

	applier := inputapply.New(&loggingInputAdapter{}, permCheckerAdapter{perms}, inputapply.Config{
		SmoothingEnabled:   cfg.InputSmoothingEnabled,
		DoubleClickSpeedMs: cfg.InputDoubleClickSpeedMs,
	})

	reg := metrics.New(metrics.Thresholds{
		MaxBandwidthMbps: cfg.MaxBandwidthMbps,
		MinQuality:       cfg.MinQuality,
		MaxCPUPercent:    90,
		MaxMemPercent:    90,
	})
	reg.Start()
	metricsSrv := metrics.StartHTTP(cfg.MetricsListenAddr)

	var disc *discovery.Discovery
	if cfg.DiscoveryEnabled {
		disc = discovery.New(discovery.DeviceInfo{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			DeviceType: cfg.DeviceType,
			Version:    version,
			ServerPort: cfg.P2PPort,
		}, cfg.DiscoveryPort, arb)
		if err := disc.Start(); err != nil {
			log.Warn("discovery failed to start", "error", err)
			disc = nil
		}
	}

	sysPool := workerpool.New(2, 4)

	comps := &hostComponents{
		streamer: strm, discovery: disc, connMgr: connMgr, arbiter: arb, perms: perms, metrics: reg, sysPool: sysPool,
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := connMgr.StartHost(ctx); err != nil {
		log.Error("bring-up failed", "error", err)
	} else if id, ok := connMgr.GetConnectionID(); ok {
		log.Info("host ready", "session_id", id, "display_bounds", bounds)
	}
	strm.Start(ctx)

	go adaptFrameToTransport(strm, buf, connMgr)
	go sampleSystemMetrics(ctx, sysPool, reg)
	go consumeArbiterOutcomes(ctx, arb, perms, connMgr)
	go consumeInbound(ctx, connMgr, applier)
	go consumeStreamerStats(ctx, strm, connMgr, reg, perms)

	log.Info("host is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down host")
	cancel()
	shutdownHost(comps)
	if metricsSrv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		metricsSrv.Shutdown(shCtx)
	}
	log.Info("host stopped")
}

// adaptFrameToTransport reads FrameReady events and calls send_frame,
// keeping the Streamer and Connection Manager decoupled: neither holds
// the other, they only share this channel. buf is the same Buffer the
// Streamer pushed the frame into; marking it in flight around the send
// lets a buffer eviction that interrupts a live send be told apart from
// routine FIFO churn.
func adaptFrameToTransport(strm *streamer.Streamer, buf *framebuffer.Buffer, mgr *connmanager.Manager) {
	for ev := range strm.Events() {
		buf.MarkSending(ev.ID)
		err := mgr.SendFrame("", ev.Bytes)
		buf.ClearSending(ev.ID)
		if err != nil {
			if err != connmanager.ErrNotConnected {
				log.Warn("frame send failed", "error", err)
			}
			continue
		}
		metrics.FrameSent()
	}
}

// consumeArbiterOutcomes turns an Accepted Outcome into a permission grant
// for the currently active connection. The arbiter never learns a
// connection id itself (a request can resolve before a transport is even
// up), so Outcomes are correlated to a connection purely by "whichever one
// is live right now" — the single-peer-at-a-time model the Connection
// Manager already enforces.
func consumeArbiterOutcomes(ctx context.Context, arb *arbiter.Arbiter, perms *permissions.Store, mgr *connmanager.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-arb.Outcomes():
			if !ok {
				return
			}
			switch outcome.Kind {
			case arbiter.Accepted:
				connID, ok := mgr.GetConnectionID()
				if !ok {
					log.Warn("accepted outcome with no active connection, dropping grant", "request_id", outcome.RequestID)
					continue
				}
				caps := make([]permissions.Capability, 0, len(outcome.Caps))
				for _, c := range outcome.Caps {
					caps = append(caps, permissions.Capability(c))
				}
				perms.Grant(connID, caps, outcome.Duration)
				log.Info("granted permissions", "connection_id", connID, "capabilities", outcome.Caps, "request_id", outcome.RequestID)
			case arbiter.Denied:
				log.Info("connection request denied", "request_id", outcome.RequestID, "reason", outcome.Reason)
			case arbiter.Expired:
				log.Info("connection request expired", "request_id", outcome.RequestID)
			}
		}
	}
}

// consumeInbound drains the unified P2P/relay input channel and drives it
// through the Applier, which re-checks permissions per event. The
// connection id is read fresh on every event rather than captured once,
// since a grant can be revoked mid-stream.
func consumeInbound(ctx context.Context, mgr *connmanager.Manager, applier *inputapply.Applier) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-mgr.Inbound():
			if !ok {
				return
			}
			connID, _ := mgr.GetConnectionID()
			if err := applier.Dispatch(connID, raw); err != nil {
				log.Warn("input dispatch failed", "error", err)
			}
		}
	}
}

// consumeStreamerStats feeds the quality/bandwidth/latency ring buffers and
// the active-connections gauge from the Streamer's periodic StatUpdate.
func consumeStreamerStats(ctx context.Context, strm *streamer.Streamer, mgr *connmanager.Manager, reg *metrics.Registry, perms *permissions.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-strm.Stats():
			if !ok {
				return
			}
			fields := map[string]float64{
				"fps":             st.FPS,
				"avg_frame_bytes": st.AvgFrameBytes,
				"bandwidth_mbps":  st.BandwidthMbps,
				"latency_ms":      st.LatencyMs,
				"quality":         float64(st.Quality),
			}
			reg.WriteQuality(fields)
			if connID, ok := mgr.GetConnectionID(); ok {
				reg.WriteConnection(connID, fields)
			}
			metrics.SetActiveConnections(perms.ActiveCount())
		}
	}
}

// loggingInputAdapter is the host's stub inputapply.Adapter: real OS-level
// injection (DXGI/SendInput, CGEvent, X11) is a platform-specific
// collaborator outside this engine, so every call is logged and reported
// as successful.
type loggingInputAdapter struct{}

func (loggingInputAdapter) MoveTo(x, y int) error {
	log.Debug("input: move_to", "x", x, "y", y)
	return nil
}

func (loggingInputAdapter) ButtonDown(button inputapply.Button) error {
	log.Debug("input: button_down", "button", button)
	return nil
}

func (loggingInputAdapter) ButtonUp(button inputapply.Button) error {
	log.Debug("input: button_up", "button", button)
	return nil
}

func (loggingInputAdapter) Scroll(ticks int) error {
	log.Debug("input: scroll", "ticks", ticks)
	return nil
}

func (loggingInputAdapter) KeyDown(vk string) error {
	log.Debug("input: key_down", "key", vk)
	return nil
}

func (loggingInputAdapter) KeyUp(vk string) error {
	log.Debug("input: key_up", "key", vk)
	return nil
}

func (loggingInputAdapter) TypeText(text string) error {
	log.Debug("input: type_text", "length", len(text))
	return nil
}

// permCheckerAdapter adapts *permissions.Store to inputapply.PermissionChecker:
// Store.Check takes a permissions.Capability, a distinct named type from the
// plain string inputapply gates on, so the two can't satisfy the interface
// directly.
type permCheckerAdapter struct {
	store *permissions.Store
}

func (p permCheckerAdapter) Check(connectionID string, capability string) bool {
	return p.store.Check(connectionID, permissions.Capability(capability))
}

// runViewer brings up the viewer role against targetSessionID and blocks
// until interrupted. It shares config and identity plumbing with runHost
// but owns none of the capture/codec/streamer pipeline.
func runViewer(targetSessionID, addr string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	log.Info("connecting to host", "target_session_id", targetSessionID)

	ids := identity.NewAllocator()
	connMgr := connmanager.New(connmanager.Config{
		P2PEnabled:        cfg.P2PEnabled,
		RelayEnabled:      cfg.RelayEnabled,
		RelayServerURL:    cfg.RelayServerURL,
		AutoFallback:      cfg.AutoFallbackToRelay,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second,
	}, ids)

	ctx, cancel := context.WithCancel(context.Background())
	if err := connMgr.StartViewer(ctx, addr, targetSessionID); err != nil {
		log.Error("connect failed", "error", err)
		cancel()
		os.Exit(1)
	}
	log.Info("connected", "target_session_id", targetSessionID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("disconnecting")
	cancel()
	connMgr.Stop()
	log.Info("disconnected")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: not configured")
		return
	}
	fmt.Printf("Device ID: %s\n", cfg.DeviceID)
	fmt.Printf("Device Name: %s\n", cfg.DeviceName)
	fmt.Printf("Target FPS: %d, Quality: %d\n", cfg.TargetFPS, cfg.Quality)
	fmt.Printf("P2P enabled: %v (port %d)\n", cfg.P2PEnabled, cfg.P2PPort)
	fmt.Printf("Relay enabled: %v (%s)\n", cfg.RelayEnabled, cfg.RelayServerURL)
	fmt.Printf("Discovery enabled: %v (port %d)\n", cfg.DiscoveryEnabled, cfg.DiscoveryPort)
}
