package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendBaseURL is the origin server the agent dispatches forwarded
// requests to. It is overridable only at build time (spec §4.6, §9
// resolves the open question against configuring it per-run), the way
// version.Version is set via -ldflags.
var BackendBaseURL = "http://127.0.0.1:8000"

// defaultGatewayURL is used when GATEWAY_URL is unset.
const defaultGatewayURL = "ws://127.0.0.1:3000"

// Config holds the agent's runtime configuration: a required tunnel id
// and the gateway to dial, plus ambient logging settings.
type Config struct {
	TunnelID   string
	GatewayURL string
	Log        LogConfig `yaml:"log"`
}

// LogConfig controls the ambient structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadLogConfig reads the optional ambient config file for log settings.
// A missing file is not an error; it yields the default level.
func LoadLogConfig(path string) (LogConfig, error) {
	cfg := LogConfig{Level: "info"}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	var file struct {
		Log LogConfig `yaml:"log"`
	}
	file.Log = cfg
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return file.Log, nil
}

// GatewayURLFromEnv resolves the gateway websocket URL, defaulting to
// ws://127.0.0.1:3000 when GATEWAY_URL is unset (spec §6).
func GatewayURLFromEnv() string {
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		return v
	}
	return defaultGatewayURL
}
