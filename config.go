// config.go: server configuration loading from defaults, file and environment
//
// Sources are applied in order: built-in defaults, then the configuration
// file (JSON, YAML or any other format Argus understands), then environment
// variables prefixed with CAPCALC_.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agilira/argus"
	env "github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadServerConfig.
const EnvPrefix = "CAPCALC_"

// Configuration defaults.
const (
	DefaultListenAddress  = "127.0.0.1:7400"
	DefaultLogLevel       = "info"
	DefaultMaxMessageSize = 4 * 1024 * 1024
	DefaultDrainTimeout   = 30 * time.Second
	minMaxMessageSize     = 1024
)

// Duration is a time.Duration that reads as "1.5s" in JSON, YAML and
// environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// TLSConfig enables TLS on the gRPC transport. On the server a CAFile makes
// client certificates mandatory.
type TLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	CertFile   string `json:"cert_file" yaml:"cert_file" env:"CERT_FILE"`
	KeyFile    string `json:"key_file" yaml:"key_file" env:"KEY_FILE"`
	CAFile     string `json:"ca_file" yaml:"ca_file" env:"CA_FILE"`
	ServerName string `json:"server_name" yaml:"server_name" env:"SERVER_NAME"`
}

// ServerConfig represents the configuration of a calculator server.
//
// LogLevel, MaxCallDepth and EvalTimeout can be changed while the server
// runs; see ConfigWatcher. The other fields take effect at startup.
type ServerConfig struct {
	// ListenAddress is the TCP address the gRPC server binds.
	ListenAddress string `json:"listen_address" yaml:"listen_address" env:"LISTEN_ADDRESS"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL"`

	// MaxCallDepth bounds nested function invocations, including those that
	// cross the network through callbacks.
	MaxCallDepth int `json:"max_call_depth" yaml:"max_call_depth" env:"MAX_CALL_DEPTH"`

	// EvalTimeout bounds a single evaluate call. Zero disables the bound.
	EvalTimeout Duration `json:"eval_timeout" yaml:"eval_timeout" env:"EVAL_TIMEOUT"`

	// MaxMessageSize bounds gRPC messages in bytes.
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	// DrainTimeout bounds the wait for in-flight calls on shutdown.
	DrainTimeout Duration `json:"drain_timeout" yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	Handshake HandshakeConfig `json:"handshake" yaml:"handshake" envPrefix:"HANDSHAKE_"`
	TLS       TLSConfig       `json:"tls" yaml:"tls" envPrefix:"TLS_"`
}

// DefaultServerConfig returns a configuration with every default applied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:  DefaultListenAddress,
		LogLevel:       DefaultLogLevel,
		MaxCallDepth:   DefaultMaxCallDepth,
		MaxMessageSize: DefaultMaxMessageSize,
		DrainTimeout:   Duration(DefaultDrainTimeout),
		Handshake:      DefaultHandshakeConfig,
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = Duration(DefaultDrainTimeout)
	}
	if c.Handshake.ProtocolVersion == 0 {
		c.Handshake.ProtocolVersion = DefaultHandshakeConfig.ProtocolVersion
	}
	if c.Handshake.MagicCookieKey == "" {
		c.Handshake.MagicCookieKey = DefaultHandshakeConfig.MagicCookieKey
	}
	if c.Handshake.MagicCookieValue == "" {
		c.Handshake.MagicCookieValue = DefaultHandshakeConfig.MagicCookieValue
	}
}

// Validate checks the configuration.
func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return NewConfigValidationError("listen address is required", nil)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError("invalid log level", nil).
			WithContext("log_level", c.LogLevel)
	}
	if c.MaxCallDepth < 1 {
		return NewConfigValidationError("max call depth must be at least 1", nil).
			WithContext("max_call_depth", c.MaxCallDepth)
	}
	if c.EvalTimeout < 0 {
		return NewConfigValidationError("eval timeout cannot be negative", nil)
	}
	if c.MaxMessageSize < minMaxMessageSize {
		return NewConfigValidationError("max message size is too small", nil).
			WithContext("max_message_size", c.MaxMessageSize).
			WithContext("minimum", minMaxMessageSize)
	}
	if c.DrainTimeout < 0 {
		return NewConfigValidationError("drain timeout cannot be negative", nil)
	}
	if err := c.Handshake.Validate(); err != nil {
		return NewConfigValidationError("invalid handshake configuration", err)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return NewConfigValidationError("cert_file and key_file are required when TLS is enabled", nil)
	}
	return nil
}

// LoadServerConfig builds a configuration from defaults, the file at path
// (skipped when path is empty) and the environment, then validates it.
func LoadServerConfig(path string) (ServerConfig, error) {
	config := DefaultServerConfig()

	if path != "" {
		if err := loadConfigFile(path, &config); err != nil {
			return config, err
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, NewConfigParseError("environment", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func loadConfigFile(path string, config *ServerConfig) error {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path is supplied by the operator
	if err != nil {
		return NewConfigNotFoundError(cleanPath, err)
	}

	if err := parseServerConfig(data, argus.DetectFormat(cleanPath), config); err != nil {
		return NewConfigParseError(cleanPath, err)
	}
	return nil
}

// parseServerConfig decodes YAML with yaml.v3 and every other format through
// Argus, binding the generic map via its JSON form.
func parseServerConfig(data []byte, format argus.ConfigFormat, config *ServerConfig) error {
	if format == argus.FormatYAML {
		return yaml.Unmarshal(data, config)
	}

	configMap, err := argus.ParseConfig(data, format)
	if err != nil {
		return err
	}
	jsonBytes, err := json.Marshal(configMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, config)
}
