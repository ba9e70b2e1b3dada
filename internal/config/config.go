package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the fluxserv test origin.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// ClientConfig holds configuration for the flux client binary.
type ClientConfig struct {
	LogLevel            string `yaml:"log_level"`
	Proto               string `yaml:"proto"`                  // http/1.1 | h2 | h3
	Insecure            bool   `yaml:"insecure"`               // skip TLS verification
	MaxConcurrent       int    `yaml:"max_concurrent"`         // 1..20
	MaxRetries          int    `yaml:"max_retries"`            // 0..10
	TimeoutSeconds      int    `yaml:"timeout_seconds"`        // 1..300
	ThrottleBytesPerSec int    `yaml:"throttle_bytes_per_sec"` // 0 = unlimited
}

// ParseServerConfig parses server configuration from an optional YAML file,
// environment variables and flags. Flags take precedence over environment,
// environment over file.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}

	if path := configPath(args); path != "" {
		loadFile(path, &cfg)
	}

	if addr := os.Getenv("FLUXGATE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("FLUXGATE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	var configFile string
	fs.StringVar(&configFile, "config", "", "path to YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses client configuration.
// Defaults: proto=h2, maxConcurrent=5, maxRetries=3, timeout=30s.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseClient registers the client flags on fs and parses args. Callers may
// register extra flags on fs beforehand; they are parsed in the same pass.
func ParseClient(fs *flag.FlagSet, args []string) ClientConfig {
	return parseClientConfigWithFlagSet(fs, args)
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		LogLevel:       "info",
		Proto:          "h2",
		MaxConcurrent:  5,
		MaxRetries:     3,
		TimeoutSeconds: 30,
	}

	if path := configPath(args); path != "" {
		loadFile(path, &cfg)
	}

	if logLevel := os.Getenv("FLUXGATE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if proto := os.Getenv("FLUXGATE_PROTO"); proto != "" {
		cfg.Proto = proto
	}

	var configFile string
	fs.StringVar(&configFile, "config", "", "path to YAML config file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Proto, "proto", cfg.Proto, "HTTP version: http/1.1, h2, h3")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS certificate verification")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "max simultaneous transfers (1..20)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "automatic retries per transfer (0..10)")
	fs.IntVar(&cfg.TimeoutSeconds, "timeout", cfg.TimeoutSeconds, "per-transfer timeout in seconds (1..300)")
	fs.IntVar(&cfg.ThrottleBytesPerSec, "throttle", cfg.ThrottleBytesPerSec, "bandwidth cap in bytes/sec (0 = unlimited)")
	fs.Parse(args)

	cfg.MaxConcurrent = clamp(cfg.MaxConcurrent, 1, 20)
	cfg.MaxRetries = clamp(cfg.MaxRetries, 0, 10)
	cfg.TimeoutSeconds = clamp(cfg.TimeoutSeconds, 1, 300)
	if cfg.ThrottleBytesPerSec < 0 {
		cfg.ThrottleBytesPerSec = 0
	}

	return cfg
}

// configPath resolves the YAML file path before flag parsing: the -config
// argument wins over the FLUXGATE_CONFIG environment variable.
func configPath(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return os.Getenv("FLUXGATE_CONFIG")
}

func loadFile(path string, out any) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot read config file %s: %v\n", path, err)
		return
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot parse config file %s: %v\n", path, err)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
