package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" (default) or "http/protobuf"
	ServiceName     string
	ServiceVersion  string
	Insecure        bool
	SampleRate      float64
	Metrics         bool
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns disabled telemetry pointed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		ServiceName:     "recalld",
		ServiceVersion:  "dev",
		Insecure:        true,
		SampleRate:      1.0,
		Metrics:         true,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings applies the service config section on top of the defaults.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if strings.HasPrefix(s.Endpoint, "http://") || strings.HasPrefix(s.Endpoint, "https://") {
		cfg.Protocol = "http/protobuf"
	}
	cfg.Insecure = s.Insecure
	cfg.SampleRate = s.SampleRate
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export to remote endpoint %q is not allowed", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.Metrics && c.ExportInterval <= 0 {
		return fmt.Errorf("export interval must be positive when metrics are enabled")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
