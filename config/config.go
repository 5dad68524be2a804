// Package config loads the sentry's TOML configuration file, per spec.md
// §6's Configuration table.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ElEndpoint is one configured execution-layer node.
type ElEndpoint struct {
	Name  string `toml:"name"`
	URL   string `toml:"url"`
	WSURL string `toml:"ws_url"`
}

// ClEndpoint is one configured consensus-layer node.
type ClEndpoint struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// ProofEngine configures the external proof-generation service and the
// webhook port it delivers completions to.
type ProofEngine struct {
	URL         string   `toml:"url"`
	ProofTypes  []string `toml:"proof_types"`
	WebhookPort int      `toml:"webhook_port"`
}

// Config is the full sentry configuration, loaded from TOML.
type Config struct {
	ElEndpoints []ElEndpoint `toml:"el_endpoints"`
	ClEndpoints []ClEndpoint `toml:"cl_endpoints"`

	OutputDir string `toml:"output_dir"`
	Chain     string `toml:"chain"`
	Retain    int    `toml:"retain"`

	// MonitoringPort is the port the /metrics and /healthz handlers listen
	// on, mirroring the teacher's MonitoringPortFlag.
	MonitoringPort int `toml:"monitoring_port"`

	// NumProofs is legacy and ignored now that proofs are requested
	// per proof-type rather than as a fixed count; kept only so that old
	// config files still parse.
	NumProofs int `toml:"num_proofs"`

	ProofEngine ProofEngine `toml:"proof_engine"`
}

const defaultWebhookPort = 3003

// defaultChain is used when the config file omits chain entirely.
const defaultChain = "unknown"

// defaultMonitoringPort matches the teacher's MonitoringPortFlag default.
const defaultMonitoringPort = 8080

// Load reads and parses a TOML config file at path, applying the defaults
// spec.md §6 documents for optional fields.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "could not load config from %s", path)
	}
	if cfg.Chain == "" {
		cfg.Chain = defaultChain
	}
	if cfg.ProofEngine.WebhookPort == 0 {
		cfg.ProofEngine.WebhookPort = defaultWebhookPort
	}
	if cfg.MonitoringPort == 0 {
		cfg.MonitoringPort = defaultMonitoringPort
	}
	return &cfg, nil
}
