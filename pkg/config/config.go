// Package config loads swarmnode's configuration file and environment
// overrides. It is the only place in the repository that knows about the
// on-disk config format — core never reads a Config value, it receives
// plain fields from cmd/ (see core.NodeConfig).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chunkmesh/swarmnode/pkg/utils"
)

// envPrefix namespaces environment-variable overrides, e.g.
// SWARMNODE_NODE_BIND_PORT overrides node.bind_port.
const envPrefix = "SWARMNODE"

// Config is the unified on-disk/env configuration for a swarmnode process.
type Config struct {
	Node struct {
		BindHost      string `mapstructure:"bind_host"`
		BindPort      int    `mapstructure:"bind_port"`
		BootstrapHost string `mapstructure:"bootstrap_host"`
		BootstrapPort int    `mapstructure:"bootstrap_port"`
	} `mapstructure:"node"`

	Cache struct {
		Dir              string `mapstructure:"dir"`
		EvictAfterMillis int64  `mapstructure:"evict_after_millis"`
	} `mapstructure:"cache"`

	Ledger struct {
		Dir                string `mapstructure:"dir"`
		MaxActionsPerBlock int    `mapstructure:"max_actions_per_block"`
		// OrphanRetention is a documented no-op: spec.md §9 leaves the
		// handling of orphaned blocks (predecessor never arrives) as an
		// open question and this reimplementation resolves it as "no
		// orphan pool": Ledger.AddBlock rejects a block whose predecessor
		// is not in the chain, and such a block is not kept. The field
		// exists so a future retention policy has a config slot without a
		// breaking change.
		OrphanRetention string `mapstructure:"orphan_retention"`
	} `mapstructure:"ledger"`

	Fetch struct {
		WorkerPoolSize int `mapstructure:"worker_pool_size"`
	} `mapstructure:"fetch"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// Load reads configFile (if non-empty) and layers SWARMNODE_-prefixed
// environment variables on top, mirroring the teacher's viper-based
// Load/LoadFromEnv split (pkg/config's AppConfig pattern) generalized to a
// single explicit config path instead of an environment-selected file set.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, utils.Wrap(err, "load .env overrides")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("read config %s", configFile))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.bind_host", "0.0.0.0")
	v.SetDefault("node.bind_port", 7946)
	v.SetDefault("cache.dir", "./data/cache")
	v.SetDefault("cache.evict_after_millis", int64(7*24*60*60*1000))
	v.SetDefault("ledger.dir", "./data/ledger")
	v.SetDefault("ledger.max_actions_per_block", 100)
	v.SetDefault("ledger.orphan_retention", "none")
	v.SetDefault("fetch.worker_pool_size", 10)
	v.SetDefault("logging.level", "info")
}
