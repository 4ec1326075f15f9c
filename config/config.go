package config

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"sealdisk"
	"sealdisk/journal"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

const envPrefix = "SEALDISK"

type Config struct {
	Addr string `mapstructure:"addr"`
	// DevicePath is the file backing the disk. Blocks sizes it on first use.
	DevicePath string `mapstructure:"device_path"`
	Blocks     uint64 `mapstructure:"blocks"`
	// Key is the hex-encoded master key.
	Key        string `mapstructure:"key"`
	Comparator string `mapstructure:"comparator"`

	MemTableSize   int64  `mapstructure:"memtable_size"`
	BlockCacheSize int    `mapstructure:"block_cache_size"`
	JournalBlocks  uint64 `mapstructure:"journal_blocks"`
	// CompactPolicy is "default" or "never".
	CompactPolicy string `mapstructure:"compact_policy"`
	Compression   bool   `mapstructure:"compression"`
	Background    bool   `mapstructure:"background"`

	LogLevel   string `mapstructure:"log_level"`
	Production bool   `mapstructure:"production"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":7070")
	v.SetDefault("device_path", "sealdisk.img")
	v.SetDefault("blocks", 1<<16)
	v.SetDefault("key", "")
	v.SetDefault("comparator", cmp.ByteComparator{}.Name())
	v.SetDefault("memtable_size", 1<<20)
	v.SetDefault("block_cache_size", 1024)
	v.SetDefault("journal_blocks", 64)
	v.SetDefault("compact_policy", "default")
	v.SetDefault("compression", false)
	v.SetDefault("background", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("production", false)
}

// Load reads .env (when present), SEALDISK_* variables and, when file is not
// empty, a config file. Variables override the file.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

// MasterKey decodes Key.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Key == "" {
		return nil, errors.Wrap(errs.ErrInvalidArgs, "no master key configured ("+envPrefix+"_KEY)")
	}
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "master key: %v", err)
	}
	return key, nil
}

// DiskOptions turns the configuration into options for Format and Open.
func (c *Config) DiskOptions() (sealdisk.Options, error) {
	key, err := c.MasterKey()
	if err != nil {
		return sealdisk.Options{}, err
	}
	opt := sealdisk.DefaultOptions(key)
	comparator, ok := cmp.ByName(c.Comparator)
	if !ok {
		return opt, errors.Wrapf(errs.ErrInvalidArgs, "unknown comparator %q", c.Comparator)
	}
	opt.Comparator = comparator
	switch c.CompactPolicy {
	case "", "default":
	case "never":
		opt.CompactPolicy = journal.NeverCompactPolicy()
	default:
		return opt, errors.Wrapf(errs.ErrInvalidArgs, "unknown compact policy %q", c.CompactPolicy)
	}
	if c.MemTableSize > 0 {
		opt.MemTableSize = c.MemTableSize
	}
	if c.BlockCacheSize > 0 {
		opt.BlockCacheSize = c.BlockCacheSize
	}
	if c.JournalBlocks > 0 {
		opt.JournalBlocks = c.JournalBlocks
	}
	opt.Compression = c.Compression
	opt.Background = c.Background
	return opt, nil
}
