// Package config loads runtime configuration: environment variables for
// infrastructure endpoints and a YAML governance profile for policy.
package config

import (
	"os"
	"path/filepath"
)

// Config holds the process configuration read from the environment.
type Config struct {
	DataDir     string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	EvidenceDir string
	ProfilePath string

	OTelEnabled  bool
	OTLPEndpoint string

	GovernanceOff bool
	DefaultDryRun bool
}

// Load reads configuration from environment variables with defaults. Missing
// infrastructure endpoints select the embedded fallbacks (memory broker,
// SQLite dedup, filesystem evidence).
func Load() *Config {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	evidenceDir := os.Getenv("EVIDENCE_DIR")
	if evidenceDir == "" {
		evidenceDir = filepath.Join(dataDir, "evidence")
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	return &Config{
		DataDir:       dataDir,
		LogLevel:      logLevel,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		EvidenceDir:   evidenceDir,
		ProfilePath:   os.Getenv("PROFILE_PATH"),
		OTelEnabled:   os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:  otlpEndpoint,
		GovernanceOff: os.Getenv("GOVERNANCE_MODE") == "off",
		DefaultDryRun: os.Getenv("DEFAULT_DRY_RUN") == "true",
	}
}
