package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "orchestrator" or "proxy".
	Mode string `env:"CHAINOWL_MODE" envDefault:"orchestrator"`

	// Server. Port 0 selects the mode's default port.
	Host string `env:"CHAINOWL_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CHAINOWL_PORT" envDefault:"0"`

	// Store
	Database   string `env:"DATABASE" envDefault:"redis"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:":memory:"`
	RedisURL   string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`

	// Container fabric
	Backend          string `env:"BACKEND" envDefault:"docker"`
	Kubeconfig       string `env:"KUBECONFIG" envDefault:"incluster"`
	KubeNamespace    string `env:"KUBE_NAMESPACE" envDefault:"chainowl"`
	DockerNetwork    string `env:"DOCKER_NETWORK" envDefault:"chainowl"`
	DefaultNodeImage string `env:"DEFAULT_NODE_IMAGE" envDefault:"ghcr.io/foundry-rs/foundry:latest"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// Worker lock directory for single-leader election.
	WorkerLockDir string `env:"WORKER_LOCK_DIR" envDefault:"."`

	// Slack (optional — if not set, lifecycle notifications are disabled)
	SlackBotToken   string `env:"SLACK_BOT_TOKEN"`
	SlackOpsChannel string `env:"SLACK_OPS_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on. The
// default port depends on the mode: 7283 for the orchestrator, 8545 for
// the proxy.
func (c *Config) ListenAddr() string {
	port := c.Port
	if port == 0 {
		if c.Mode == "proxy" {
			port = 8545
		} else {
			port = 7283
		}
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}
