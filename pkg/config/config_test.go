package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "velox.hcl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
engine {
  num_cores           = 2
  flow_table_size     = 1024
  batch_size          = 32
  buffer_pool_size    = 256
  flow_aging_interval = "500ms"
  flow_soft_timeout   = "10s"
  flow_hard_timeout   = "2m"
}

source {
  mode      = "afpacket"
  interface = "eth0"
}

tunnel "10" {
  algorithm = "chacha20-poly1305"
  key       = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
}

export {
  collectors       = ["127.0.0.1:2055"]
  template_refresh = "30s"
}

api {
  listen = "127.0.0.1:9801"
}
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.NumCores != 2 {
		t.Errorf("num_cores = %d, want 2", cfg.Engine.NumCores)
	}
	if cfg.Engine.AgingInterval() != 500*time.Millisecond {
		t.Errorf("aging interval = %v, want 500ms", cfg.Engine.AgingInterval())
	}
	if cfg.Engine.SoftTimeout() != 10*time.Second || cfg.Engine.HardTimeout() != 2*time.Minute {
		t.Errorf("timeouts = %v/%v", cfg.Engine.SoftTimeout(), cfg.Engine.HardTimeout())
	}
	if len(cfg.Tunnels) != 1 {
		t.Fatalf("tunnels = %d, want 1", len(cfg.Tunnels))
	}
	id, err := cfg.Tunnels[0].TunnelID()
	if err != nil || id != 10 {
		t.Errorf("tunnel id = %d (%v), want 10", id, err)
	}
	key, err := cfg.Tunnels[0].KeyBytes()
	if err != nil || len(key) != 32 {
		t.Errorf("key len = %d (%v), want 32", len(key), err)
	}
	if cfg.Export.TemplateRefreshInterval() != 30*time.Second {
		t.Errorf("template refresh = %v, want 30s", cfg.Export.TemplateRefreshInterval())
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Engine.NumCores < 1 {
		t.Errorf("default num_cores = %d", cfg.Engine.NumCores)
	}
	if cfg.Engine.FlowTableSize != DefaultFlowTableSize {
		t.Errorf("default flow_table_size = %d", cfg.Engine.FlowTableSize)
	}
	if cfg.Engine.AgingInterval() != DefaultAgingInterval {
		t.Errorf("default aging interval = %v", cfg.Engine.AgingInterval())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"negative cores",
			func(c *Config) { c.Engine.NumCores = -1 },
			"num_cores",
		},
		{
			"pool smaller than batch",
			func(c *Config) { c.Engine.BatchSize = 512; c.Engine.BufferPoolSize = 16 },
			"buffer_pool_size",
		},
		{
			"hard before soft",
			func(c *Config) {
				c.Engine.FlowSoftTimeout = "1m"
				c.Engine.FlowHardTimeout = "1s"
			},
			"flow_hard_timeout",
		},
		{
			"bad duration",
			func(c *Config) { c.Engine.FlowAgingInterval = "soon" },
			"flow_aging_interval",
		},
		{
			"afpacket without interface",
			func(c *Config) { c.Source = &SourceConfig{Mode: "afpacket"} },
			"interface",
		},
		{
			"short tunnel key",
			func(c *Config) {
				c.Tunnels = []TunnelConfig{{ID: "1", Key: "abcd"}}
			},
			"32 bytes",
		},
		{
			"duplicate tunnel",
			func(c *Config) {
				key := strings.Repeat("00", 32)
				c.Tunnels = []TunnelConfig{{ID: "1", Key: key}, {ID: "1", Key: key}}
			},
			"duplicate",
		},
		{
			"export without collectors",
			func(c *Config) { c.Export = &ExportConfig{} },
			"collector",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
