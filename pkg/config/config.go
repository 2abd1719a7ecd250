// Package config loads blesync settings from a file, the environment and
// command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/node"
	"github.com/juanpablocruz/blesync/pkg/relay"
)

// EnvPrefix prefixes every environment override, e.g. BLESYNC_SYNC_COOLDOWN.
const EnvPrefix = "BLESYNC"

var ErrInvalid = errors.New("config: invalid value")

type Config struct {
	Devices int           `mapstructure:"devices"`
	Records int           `mapstructure:"records"`
	Publish time.Duration `mapstructure:"publish_every"`
	TUI     bool          `mapstructure:"tui"`

	Store   StoreConfig   `mapstructure:"store"`
	Link    LinkConfig    `mapstructure:"link"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Chaos   ChaosConfig   `mapstructure:"chaos"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // memory | sqlite
	Dir     string `mapstructure:"dir"`
	Reset   bool   `mapstructure:"reset"`
}

type LinkConfig struct {
	MTU       int `mapstructure:"mtu"`
	ChunkSize int `mapstructure:"chunk_size"`
}

type SyncConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	ScanEvery    time.Duration `mapstructure:"scan_every"`
}

type ChaosConfig struct {
	Loss      float64       `mapstructure:"loss"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	Jitter    time.Duration `mapstructure:"jitter"`
	FailMTU   bool          `mapstructure:"fail_mtu"`
	Seed      int64         `mapstructure:"seed"`
}

// Enabled reports whether any degradation is configured.
func (c ChaosConfig) Enabled() bool {
	return c.Loss > 0 || c.BaseDelay > 0 || c.Jitter > 0 || c.FailMTU
}

type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("devices", 3)
	v.SetDefault("records", 10)
	v.SetDefault("publish_every", time.Duration(0))
	v.SetDefault("tui", false)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.reset", false)

	v.SetDefault("link.mtu", link.RequestedMTU)
	v.SetDefault("link.chunk_size", link.DefaultChunkSize)

	v.SetDefault("sync.fetch_timeout", node.DefaultFetchTimeout)
	v.SetDefault("sync.cooldown", 5*time.Second)
	v.SetDefault("sync.retry_delay", node.DefaultRetryDelay)
	v.SetDefault("sync.scan_every", 2*time.Second)

	v.SetDefault("chaos.loss", 0.0)
	v.SetDefault("chaos.base_delay", time.Duration(0))
	v.SetDefault("chaos.jitter", time.Duration(0))
	v.SetDefault("chaos.fail_mtu", false)
	v.SetDefault("chaos.seed", int64(0))

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.url", relay.DefaultURL)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads path (optional) into v and decodes the result. Environment
// variables override the file; flags bound to v override both.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Devices < 1:
		return fmt.Errorf("%w: devices must be at least 1", ErrInvalid)
	case c.Records < 0:
		return fmt.Errorf("%w: records must not be negative", ErrInvalid)
	case c.Store.Backend != "memory" && c.Store.Backend != "sqlite":
		return fmt.Errorf("%w: store.backend %q", ErrInvalid, c.Store.Backend)
	case c.Link.MTU < link.DefaultMTU || c.Link.MTU > link.MaxMTU:
		return fmt.Errorf("%w: link.mtu %d outside [%d, %d]", ErrInvalid, c.Link.MTU, link.DefaultMTU, link.MaxMTU)
	case c.Link.ChunkSize < 1:
		return fmt.Errorf("%w: link.chunk_size must be positive", ErrInvalid)
	case c.Chaos.Loss < 0 || c.Chaos.Loss >= 1:
		return fmt.Errorf("%w: chaos.loss must be in [0, 1)", ErrInvalid)
	case c.Sync.FetchTimeout <= 0:
		return fmt.Errorf("%w: sync.fetch_timeout must be positive", ErrInvalid)
	}
	return nil
}

// Logger builds the process logger.
func (l LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
