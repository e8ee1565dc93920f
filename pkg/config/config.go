// Package config loads and validates the velox daemon configuration from
// HCL.
package config

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Defaults applied where the configuration is silent.
const (
	DefaultFlowTableSize  = 65536
	DefaultBatchSize      = 64
	DefaultBufferPoolSize = 8192

	DefaultAgingInterval = time.Second
	DefaultSoftTimeout   = 30 * time.Second
	DefaultHardTimeout   = 5 * time.Minute
)

// Config is the root daemon configuration.
type Config struct {
	Engine  EngineConfig   `hcl:"engine,block"`
	Source  *SourceConfig  `hcl:"source,block"`
	Tunnels []TunnelConfig `hcl:"tunnel,block"`
	Export  *ExportConfig  `hcl:"export,block"`
	API     *APIConfig     `hcl:"api,block"`
}

// EngineConfig holds the fast path engine parameters. Durations are HCL
// strings ("30s", "5m"); Validate parses them into the accessor values.
type EngineConfig struct {
	NumCores          int    `hcl:"num_cores,optional"`
	FlowTableSize     int    `hcl:"flow_table_size,optional"`
	BatchSize         int    `hcl:"batch_size,optional"`
	UseHugepages      bool   `hcl:"use_hugepages,optional"`
	BufferPoolSize    int    `hcl:"buffer_pool_size,optional"`
	FlowAgingInterval string `hcl:"flow_aging_interval,optional"`
	FlowSoftTimeout   string `hcl:"flow_soft_timeout,optional"`
	FlowHardTimeout   string `hcl:"flow_hard_timeout,optional"`

	agingInterval time.Duration
	softTimeout   time.Duration
	hardTimeout   time.Duration
}

// AgingInterval returns the parsed flow aging sweep interval.
func (e *EngineConfig) AgingInterval() time.Duration { return e.agingInterval }

// SoftTimeout returns the parsed idle flow timeout.
func (e *EngineConfig) SoftTimeout() time.Duration { return e.softTimeout }

// HardTimeout returns the parsed total flow age limit.
func (e *EngineConfig) HardTimeout() time.Duration { return e.hardTimeout }

// SourceConfig selects where packets come from.
type SourceConfig struct {
	Mode      string `hcl:"mode"` // "afpacket" or "loopback"
	Interface string `hcl:"interface,optional"`
}

// TunnelConfig provisions one crypto tunnel.
type TunnelConfig struct {
	ID        string `hcl:"id,label"`
	Algorithm string `hcl:"algorithm,optional"` // "aes256-gcm" (default) or "chacha20-poly1305"
	Key       string `hcl:"key"`                // 64 hex characters
}

// TunnelID parses the block label into the numeric tunnel ID.
func (t *TunnelConfig) TunnelID() (uint32, error) {
	id, err := strconv.ParseUint(t.ID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("tunnel id %q: %w", t.ID, err)
	}
	return uint32(id), nil
}

// KeyBytes decodes the hex key material.
func (t *TunnelConfig) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(t.Key)
	if err != nil {
		return nil, fmt.Errorf("tunnel %s key: %w", t.ID, err)
	}
	return key, nil
}

// ExportConfig configures NetFlow export of closed flows.
type ExportConfig struct {
	Collectors      []string `hcl:"collectors"`
	TemplateRefresh string   `hcl:"template_refresh,optional"`

	templateRefresh time.Duration
}

// TemplateRefreshInterval returns the parsed template refresh period.
func (e *ExportConfig) TemplateRefreshInterval() time.Duration { return e.templateRefresh }

// APIConfig configures the HTTP observability server.
type APIConfig struct {
	Listen string `hcl:"listen"`
}

// Default returns a configuration with every engine parameter at its
// default, no tunnels, and no source (loopback simulation).
func Default() *Config {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		panic(err) // defaults are always valid
	}
	return cfg
}

// Load reads and validates an HCL configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate applies defaults and rejects inconsistent parameters.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.NumCores == 0 {
		e.NumCores = runtime.NumCPU()
	}
	if e.NumCores < 0 {
		return fmt.Errorf("num_cores must be positive, got %d", e.NumCores)
	}
	if e.FlowTableSize == 0 {
		e.FlowTableSize = DefaultFlowTableSize
	}
	if e.FlowTableSize < 0 {
		return fmt.Errorf("flow_table_size must be positive, got %d", e.FlowTableSize)
	}
	if e.BatchSize == 0 {
		e.BatchSize = DefaultBatchSize
	}
	if e.BatchSize < 0 {
		return fmt.Errorf("batch_size must be positive, got %d", e.BatchSize)
	}
	if e.BufferPoolSize == 0 {
		e.BufferPoolSize = DefaultBufferPoolSize
	}
	if e.BufferPoolSize < e.BatchSize {
		return fmt.Errorf("buffer_pool_size %d must be at least batch_size %d",
			e.BufferPoolSize, e.BatchSize)
	}

	var err error
	if e.agingInterval, err = parseDuration("flow_aging_interval", e.FlowAgingInterval, DefaultAgingInterval); err != nil {
		return err
	}
	if e.softTimeout, err = parseDuration("flow_soft_timeout", e.FlowSoftTimeout, DefaultSoftTimeout); err != nil {
		return err
	}
	if e.hardTimeout, err = parseDuration("flow_hard_timeout", e.FlowHardTimeout, DefaultHardTimeout); err != nil {
		return err
	}
	if e.hardTimeout < e.softTimeout {
		return fmt.Errorf("flow_hard_timeout %v must not be shorter than flow_soft_timeout %v",
			e.hardTimeout, e.softTimeout)
	}

	if c.Source != nil {
		switch c.Source.Mode {
		case "afpacket":
			if c.Source.Interface == "" {
				return fmt.Errorf("source mode afpacket requires an interface")
			}
		case "loopback":
		default:
			return fmt.Errorf("unknown source mode %q", c.Source.Mode)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if seen[t.ID] {
			return fmt.Errorf("duplicate tunnel id %s", t.ID)
		}
		seen[t.ID] = true
		if _, err := t.TunnelID(); err != nil {
			return err
		}
		key, err := t.KeyBytes()
		if err != nil {
			return err
		}
		if len(key) != 32 {
			return fmt.Errorf("tunnel %s key must be 32 bytes, got %d", t.ID, len(key))
		}
	}

	if c.Export != nil {
		if len(c.Export.Collectors) == 0 {
			return fmt.Errorf("export block requires at least one collector")
		}
		if c.Export.templateRefresh, err = parseDuration("template_refresh",
			c.Export.TemplateRefresh, time.Minute); err != nil {
			return err
		}
	}

	return nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return d, nil
}
