// Package gcmd contains configuration shared by the gnode commands.
package gcmd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gordian-engine/gnode/gdb"
	"github.com/gordian-engine/gnode/gdb/gdbbolt"
	"github.com/gordian-engine/gnode/gdb/gdbmem"
	"github.com/gordian-engine/gnode/gdb/gdbsqlite"
	"github.com/gordian-engine/gnode/gkeystore"
	"github.com/gordian-engine/gnode/gservice"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "GNODE"

// ConfigName is the base name, without extension, of the config file in the home directory.
const ConfigName = "gnode"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
)

// Config is the merged configuration of the run command.
// Keys match flag names.
type Config struct {
	Home string `mapstructure:"home"`

	Store string `mapstructure:"store"`

	// Takes precedence over the key file when set.
	InsecurePassphrase string `mapstructure:"insecure-passphrase"`
	KeyFile            string `mapstructure:"key-file"`

	NoNetwork   bool     `mapstructure:"no-network"`
	ListenAddrs []string `mapstructure:"listen-multiaddr"`
	Bootstrap   []string `mapstructure:"bootstrap"`
	EnableDHT   bool     `mapstructure:"dht"`

	HTTPAddr string `mapstructure:"http-addr"`

	EventBufferSize    int `mapstructure:"event-buffer-size"`
	DatabaseBufferSize int `mapstructure:"database-buffer-size"`
	CacheSize          int `mapstructure:"canonical-cache-size"`

	Watchdog bool `mapstructure:"watchdog"`

	DevBlockInterval time.Duration `mapstructure:"dev-block-interval"`
	DevFinalityDepth uint64        `mapstructure:"dev-finality-depth"`
}

// AddRunFlags defines every [Config] flag on fs with its default value.
func AddRunFlags(fs *pflag.FlagSet) {
	fs.String("store", StoreSQLite, "block store backend (memory|sqlite|bolt)")

	fs.String("insecure-passphrase", "", "derive the node key from this passphrase instead of the key file")
	fs.String("key-file", "", "path to the node key file, created if missing (default $HOME_DIR/node_key)")

	fs.Bool("no-network", false, "run without a libp2p host")
	fs.StringSliceP("listen-multiaddr", "l", []string{"/ip4/0.0.0.0/tcp/9900"}, "multiaddr to listen on")
	fs.StringSlice("bootstrap", nil, "multiaddr, including /p2p component, of a peer to dial at startup")
	fs.Bool("dht", true, "participate in the kademlia DHT")

	fs.String("http-addr", "127.0.0.1:9901", "address for the metrics and status server; empty to disable")

	fs.Int("event-buffer-size", gservice.DefaultEventBufferSize, "capacity of the event channel")
	fs.Int("database-buffer-size", gservice.DefaultDatabaseBufferSize, "capacity of the database request channel")
	fs.Int("canonical-cache-size", gdb.DefaultCacheSize, "number of canonical hashes the database task caches")

	fs.Bool("watchdog", false, "terminate the node if the database or network task stops responding")

	fs.Duration("dev-block-interval", 0, "produce a synthetic block at this interval; zero disables")
	fs.Uint64("dev-finality-depth", 2, "finalize synthetic blocks this far behind the head; zero disables")
}

// LoadConfig merges, in increasing precedence, the defaults in fs,
// the optional config file in home, GNODE_* environment variables,
// and the flags explicitly set on fs.
//
// If configFile is not empty it is read instead of searching home,
// and it must exist.
func LoadConfig(v *viper.Viper, fs *pflag.FlagSet, home, configFile string) (Config, error) {
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", configFile, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		v.AddConfigPath(home)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Home = home

	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(home, "node_key")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var err error

	switch c.Store {
	case StoreMemory, StoreSQLite, StoreBolt:
		// Okay.
	default:
		err = errors.Join(err, fmt.Errorf("store must be one of memory, sqlite, or bolt; got %q", c.Store))
	}

	if c.Store != StoreMemory && c.Home == "" {
		err = errors.Join(err, errors.New("home directory must be set for a persistent store"))
	}

	if !c.NoNetwork {
		if len(c.ListenAddrs) == 0 {
			err = errors.Join(err, errors.New("at least one listen multiaddr is required unless no-network is set"))
		}
		for _, a := range c.ListenAddrs {
			if _, mErr := multiaddr.NewMultiaddr(a); mErr != nil {
				err = errors.Join(err, fmt.Errorf("invalid listen multiaddr %q: %w", a, mErr))
			}
		}
		if _, bErr := c.BootstrapAddrs(); bErr != nil {
			err = errors.Join(err, bErr)
		}
	}

	if c.EventBufferSize < 0 {
		err = errors.Join(err, fmt.Errorf("event-buffer-size must not be negative; got %d", c.EventBufferSize))
	}
	if c.DatabaseBufferSize < 0 {
		err = errors.Join(err, fmt.Errorf("database-buffer-size must not be negative; got %d", c.DatabaseBufferSize))
	}
	if c.CacheSize < 0 {
		err = errors.Join(err, fmt.Errorf("canonical-cache-size must not be negative; got %d", c.CacheSize))
	}

	if c.DevBlockInterval < 0 {
		err = errors.Join(err, fmt.Errorf("dev-block-interval must not be negative; got %s", c.DevBlockInterval))
	}

	return err
}

// BootstrapAddrs parses c.Bootstrap.
func (c Config) BootstrapAddrs() ([]multiaddr.Multiaddr, error) {
	var err error
	out := make([]multiaddr.Multiaddr, 0, len(c.Bootstrap))
	for _, a := range c.Bootstrap {
		ma, mErr := multiaddr.NewMultiaddr(a)
		if mErr != nil {
			err = errors.Join(err, fmt.Errorf("invalid bootstrap multiaddr %q: %w", a, mErr))
			continue
		}
		out = append(out, ma)
	}
	return out, err
}

// OpenStore opens the configured block store under the home directory.
// The caller must close it.
func (c Config) OpenStore(ctx context.Context) (gdb.Store, error) {
	if c.Store != StoreMemory {
		if err := os.MkdirAll(c.Home, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create home directory: %w", err)
		}
	}

	switch c.Store {
	case StoreMemory:
		return gdbmem.NewStore(), nil
	case StoreSQLite:
		s, err := gdbsqlite.NewOnDiskStore(ctx, filepath.Join(c.Home, "blocks.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case StoreBolt:
		s, err := gdbbolt.NewStore(filepath.Join(c.Home, "blocks.bolt"))
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return s, nil
	default:
		panic(fmt.Errorf("BUG: unvalidated store %q", c.Store))
	}
}

// LoadKey returns the node's private key.
func (c Config) LoadKey() (ed25519.PrivateKey, error) {
	if c.InsecurePassphrase != "" {
		return gkeystore.KeyFromInsecurePassphrase(c.InsecurePassphrase)
	}
	return gkeystore.LoadOrCreateKeyFile(c.KeyFile)
}
