// Package config loads the YAML configuration shared by txstore binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/txstore/pkg/logger"
	"github.com/sushant-115/txstore/pkg/telemetry"
)

// EngineConfig is the top-level configuration for a process embedding a
// TransactionEngine: ambient logging and metrics, plus the one engine-level
// tunable this layer owns (how long a remote validation round-trip may run
// before the caller gives up on an in-doubt transaction).
type EngineConfig struct {
	Logger            logger.Config    `yaml:"logger"`
	Telemetry         telemetry.Config `yaml:"telemetry"`
	ValidationTimeout time.Duration    `yaml:"validation_timeout"`
}

// Default returns sane defaults: console logging at info level, telemetry
// disabled, a five second validation timeout.
func Default() EngineConfig {
	return EngineConfig{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stdout",
		},
		Telemetry:         telemetry.DefaultConfig(),
		ValidationTimeout: 5 * time.Second,
	}
}

// Load reads an EngineConfig from a YAML file at path, filling in Default()
// for any field the file omits.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
