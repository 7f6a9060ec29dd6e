package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/meridian-rdp/engine/internal/logging"
)

var log = logging.L("config")

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates validation problems into fatals, which block
// startup, and warnings, which are logged and auto-corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings, for callers that want a
// single flat list.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values. Malformed identity or
// endpoint fields are fatal; out-of-range numeric settings are clamped to a
// safe value and recorded as a warning rather than blocking startup.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.DeviceID != "" && !uuidRegex.MatchString(c.DeviceID) {
		result.Fatals = append(result.Fatals, fmt.Errorf("device_id %q is not a valid UUID", c.DeviceID))
	}

	if c.RelayServerURL != "" {
		u, err := url.Parse(c.RelayServerURL)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("relay_server_url %q is not a valid URL: %w", c.RelayServerURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			result.Fatals = append(result.Fatals, fmt.Errorf("relay_server_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	if c.RelayAuthToken != "" {
		for _, r := range c.RelayAuthToken {
			if unicode.IsControl(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("relay_auth_token contains control characters"))
				break
			}
		}
	}

	if c.HeartbeatIntervalSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("heartbeat_interval_seconds %d is below minimum 5, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 5
	} else if c.HeartbeatIntervalSeconds > 3600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("heartbeat_interval_seconds %d exceeds maximum 3600, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 3600
	}

	if c.MetricsIntervalSeconds < 5 {
		result.Warnings = append(result.Warnings, fmt.Errorf("metrics_interval_seconds %d is below minimum 5, clamping", c.MetricsIntervalSeconds))
		c.MetricsIntervalSeconds = 5
	} else if c.MetricsIntervalSeconds > 3600 {
		result.Warnings = append(result.Warnings, fmt.Errorf("metrics_interval_seconds %d exceeds maximum 3600, clamping", c.MetricsIntervalSeconds))
		c.MetricsIntervalSeconds = 3600
	}

	if c.TargetFPS < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("target_fps %d is below minimum 1, clamping", c.TargetFPS))
		c.TargetFPS = 1
	} else if c.TargetFPS > 60 {
		result.Warnings = append(result.Warnings, fmt.Errorf("target_fps %d exceeds maximum 60, clamping", c.TargetFPS))
		c.TargetFPS = 60
	}

	if c.Quality < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("quality %d is below minimum 1, clamping", c.Quality))
		c.Quality = 1
	} else if c.Quality > 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("quality %d exceeds maximum 100, clamping", c.Quality))
		c.Quality = 100
	}

	if c.MinQuality < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("min_quality %d is below minimum 1, clamping", c.MinQuality))
		c.MinQuality = 1
	}

	if c.FrameBufferDepth < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("frame_buffer_depth %d is below minimum 1, clamping", c.FrameBufferDepth))
		c.FrameBufferDepth = 1
	}

	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		result.Warnings = append(result.Warnings, fmt.Errorf("discovery_port %d out of range, clamping to 7879", c.DiscoveryPort))
		c.DiscoveryPort = 7879
	}

	if c.P2PPort < 1 || c.P2PPort > 65535 {
		result.Warnings = append(result.Warnings, fmt.Errorf("p2p_port %d out of range, clamping to 7878", c.P2PPort))
		c.P2PPort = 7878
	}

	if c.MaxConcurrentConnections < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_concurrent_connections %d is below minimum 1, clamping", c.MaxConcurrentConnections))
		c.MaxConcurrentConnections = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxConcurrentCommands < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_concurrent_commands %d is below minimum 1, clamping", c.MaxConcurrentCommands))
		c.MaxConcurrentCommands = 1
	} else if c.MaxConcurrentCommands > 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_concurrent_commands %d exceeds maximum 100, clamping", c.MaxConcurrentCommands))
		c.MaxConcurrentCommands = 100
	}

	if c.CommandQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("command_queue_size %d is below minimum 1, clamping", c.CommandQueueSize))
		c.CommandQueueSize = 1
	} else if c.CommandQueueSize > 10000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("command_queue_size %d exceeds maximum 10000, clamping", c.CommandQueueSize))
		c.CommandQueueSize = 10000
	}

	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}

	return result
}
