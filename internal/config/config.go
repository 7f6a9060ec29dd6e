package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config holds all host/viewer configuration for the remote desktop engine.
type Config struct {
	// Device identity (persistent, distinct from the per-session numeric
	// connection id minted by the identity allocator at runtime).
	DeviceID   string `mapstructure:"device_id"`
	DeviceName string `mapstructure:"device_name"`
	DeviceType string `mapstructure:"device_type"`

	// Relay/broker endpoint, used when P2P is unavailable or disabled.
	RelayServerURL string `mapstructure:"relay_server_url"`
	RelayAuthToken string `mapstructure:"relay_auth_token"`

	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	MetricsIntervalSeconds   int `mapstructure:"metrics_interval_seconds"`
	MetricsListenAddr        string `mapstructure:"metrics_listen_addr"`

	// Capture / streaming
	TargetFPS          int     `mapstructure:"target_fps"`
	Quality            int     `mapstructure:"quality"`             // 1-100 JPEG quality
	FrameBufferDepth    int     `mapstructure:"frame_buffer_depth"`   // N most recent frames retained
	MaxBandwidthMbps    float64 `mapstructure:"max_bandwidth_mbps"`
	AdaptiveQuality     bool    `mapstructure:"adaptive_quality"`
	MinQuality          int     `mapstructure:"min_quality"`
	QualityStep         int     `mapstructure:"quality_step"`

	// LAN discovery
	DiscoveryEnabled         bool `mapstructure:"discovery_enabled"`
	DiscoveryPort            int  `mapstructure:"discovery_port"`
	BroadcastIntervalSeconds int  `mapstructure:"broadcast_interval_seconds"`
	PeerTTLSeconds           int  `mapstructure:"peer_ttl_seconds"`

	// P2P / relay transport
	P2PEnabled               bool `mapstructure:"p2p_enabled"`
	P2PPort                  int  `mapstructure:"p2p_port"`
	RelayEnabled             bool `mapstructure:"relay_enabled"`
	AutoFallbackToRelay      bool `mapstructure:"auto_fallback_to_relay"`
	ConnectionTimeoutSeconds int  `mapstructure:"connection_timeout_seconds"`

	// Permissions / request arbitration
	MaxConcurrentConnections         int      `mapstructure:"max_concurrent_connections"`
	EnableWhitelist                  bool     `mapstructure:"enable_whitelist"`
	WhitelistedDevices                []string `mapstructure:"whitelisted_devices"`
	DefaultSessionDurationMinutes    int      `mapstructure:"default_session_duration_minutes"`
	AutoDenyAfterMinutes             int      `mapstructure:"auto_deny_after_minutes"`
	RequirePermissionForScreenView   bool     `mapstructure:"require_permission_for_screen_view"`
	RequirePermissionForInputControl bool     `mapstructure:"require_permission_for_input_control"`
	RequirePermissionForFileTransfer bool     `mapstructure:"require_permission_for_file_transfer"`

	// Input injection
	InputSmoothingEnabled   bool `mapstructure:"input_smoothing_enabled"`
	InputDoubleClickSpeedMs int  `mapstructure:"input_double_click_speed_ms"`

	// Logging
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Concurrency
	MaxConcurrentCommands int `mapstructure:"max_concurrent_commands"`
	CommandQueueSize      int `mapstructure:"command_queue_size"`
}

func Default() *Config {
	return &Config{
		DeviceName: hostnameOrDefault(),
		DeviceType: "desktop",

		HeartbeatIntervalSeconds: 30,
		MetricsIntervalSeconds:   5,
		MetricsListenAddr:        ":9091",

		TargetFPS:        15,
		Quality:          70,
		FrameBufferDepth: 3,
		MaxBandwidthMbps: 5.0,
		AdaptiveQuality:  true,
		MinQuality:       10,
		QualityStep:      10,

		DiscoveryEnabled:         true,
		DiscoveryPort:            7879,
		BroadcastIntervalSeconds: 5,
		PeerTTLSeconds:           30,

		P2PEnabled:               true,
		P2PPort:                  7878,
		RelayEnabled:             true,
		AutoFallbackToRelay:      true,
		ConnectionTimeoutSeconds: 30,

		MaxConcurrentConnections:         3,
		EnableWhitelist:                  false,
		DefaultSessionDurationMinutes:    60,
		AutoDenyAfterMinutes:             5,
		RequirePermissionForScreenView:   true,
		RequirePermissionForInputControl: true,
		RequirePermissionForFileTransfer: true,

		InputSmoothingEnabled:   true,
		InputDoubleClickSpeedMs: 500,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		MaxConcurrentCommands: 10,
		CommandQueueSize:      100,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("meridian")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MERIDIAN")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("device_name", cfg.DeviceName)
	viper.Set("device_type", cfg.DeviceType)
	viper.Set("relay_server_url", cfg.RelayServerURL)
	viper.Set("relay_auth_token", cfg.RelayAuthToken)
	viper.Set("target_fps", cfg.TargetFPS)
	viper.Set("quality", cfg.Quality)
	viper.Set("frame_buffer_depth", cfg.FrameBufferDepth)
	viper.Set("max_bandwidth_mbps", cfg.MaxBandwidthMbps)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "meridian.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the platform-specific data directory for the host process.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Meridian", "data")
	case "darwin":
		return "/Library/Application Support/Meridian/data"
	default:
		return "/var/lib/meridian"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Meridian")
	case "darwin":
		return "/Library/Application Support/Meridian"
	default:
		return "/etc/meridian"
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "meridian-host"
	}
	return h
}
