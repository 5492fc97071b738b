package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stratakv/strata/pkg/types"
)

// Config holds the full node configuration.
type Config struct {
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`
	Zone    string `mapstructure:"zone"`

	RPCBind   string `mapstructure:"rpc_bind"`
	RPCSecret string `mapstructure:"rpc_secret"`

	MetricsBind string `mapstructure:"metrics_bind"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// Peers maps node ids to advertised endpoints. Discovery is
	// independent of the layout: listing a peer here never changes
	// partition placement.
	Peers map[string]string `mapstructure:"peers"`

	Replication ReplicationConfig `mapstructure:"replication"`
	Sync        SyncConfig        `mapstructure:"sync"`
}

// ReplicationConfig carries the quorum profile for all tables.
type ReplicationConfig struct {
	R int `mapstructure:"r"`
	W int `mapstructure:"w"`
	F int `mapstructure:"f"`
}

// SyncConfig tunes the anti-entropy worker.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// Quorum returns the configured quorum parameters.
func (c *Config) Quorum() types.QuorumParams {
	return types.QuorumParams{R: c.Replication.R, W: c.Replication.W, F: c.Replication.F}
}

// Load reads configuration from built-in defaults, the given file
// (optional), and the environment (STRATA_* variables); the file
// overrides defaults and the environment overrides both.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "/var/lib/strata")
	v.SetDefault("rpc_bind", "0.0.0.0:3901")
	v.SetDefault("metrics_bind", "127.0.0.1:3903")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("replication.r", types.DefaultQuorum.R)
	v.SetDefault("replication.w", types.DefaultQuorum.W)
	v.SetDefault("replication.f", types.DefaultQuorum.F)
	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.concurrency", 2)
	v.SetDefault("sync.grace_period", types.DefaultSyncGracePeriod)

	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are unknown to Unmarshal unless bound.
	for _, key := range []string{"node_id", "zone", "rpc_secret"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants a node cannot start without.
func (c *Config) Validate() error {
	if c.NodeID != "" {
		if _, err := types.ParseNodeID(c.NodeID); err != nil {
			return err
		}
	}
	if err := c.Quorum().Validate(); err != nil {
		return err
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	return nil
}
