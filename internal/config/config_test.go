package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is orchestrator",
			check:  func(c *Config) bool { return c.Mode == "orchestrator" },
			expect: "orchestrator",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default database is redis",
			check:  func(c *Config) bool { return c.Database == "redis" },
			expect: "redis",
		},
		{
			name:   "default backend is docker",
			check:  func(c *Config) bool { return c.Backend == "docker" },
			expect: "docker",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "orchestrator listen addr uses 7283",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:7283" },
			expect: "0.0.0.0:7283",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestListenAddrProxyDefault(t *testing.T) {
	cfg := &Config{Mode: "proxy", Host: "0.0.0.0"}
	if got := cfg.ListenAddr(); got != "0.0.0.0:8545" {
		t.Errorf("ListenAddr() = %q, want %q", got, "0.0.0.0:8545")
	}
}

func TestListenAddrExplicitPort(t *testing.T) {
	cfg := &Config{Mode: "proxy", Host: "127.0.0.1", Port: 9000}
	if got := cfg.ListenAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ListenAddr() = %q, want %q", got, "127.0.0.1:9000")
	}
}
