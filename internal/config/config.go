package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-switchfs/internal/crypto/xtsn"
	"github.com/deploymenttheory/go-switchfs/internal/types"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "switchfs"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "SWITCHFS"
)

// Config holds the application configuration
type Config struct {
	// Keys is the path to a BIS key dump (biskeydump output or prod.keys)
	Keys string `mapstructure:"keys"`

	// SectorSize is the XTS-N data unit used for encrypted partitions
	SectorSize int `mapstructure:"sector_size"`

	// CacheSectors is the number of decrypted sectors kept per image (0 disables)
	CacheSectors int `mapstructure:"cache_sectors"`

	// ParallelThreshold is the sector count above which decryption is split across goroutines
	ParallelThreshold int `mapstructure:"parallel_threshold"`

	// Workers bounds the goroutines used for one decrypt call (0 means GOMAXPROCS)
	Workers int `mapstructure:"workers"`

	// UseGPT reads the partition table from the image instead of the fixed retail layout
	UseGPT bool `mapstructure:"use_gpt"`

	// FallbackLayout uses the retail layout when the partition table fails its checks
	FallbackLayout bool `mapstructure:"fallback_layout"`

	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// NBDSocket is the unix socket the serve command listens on
	NBDSocket string `mapstructure:"nbd_socket"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		SectorSize:        types.NANDSectorSize,
		CacheSectors:      256,
		ParallelThreshold: xtsn.DefaultParallelThreshold,
		UseGPT:            true,
		LogFormat:         "human",
		NBDSocket:         "/tmp/switchfs.sock",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("keys", d.Keys)
	v.SetDefault("sector_size", d.SectorSize)
	v.SetDefault("cache_sectors", d.CacheSectors)
	v.SetDefault("parallel_threshold", d.ParallelThreshold)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("use_gpt", d.UseGPT)
	v.SetDefault("fallback_layout", d.FallbackLayout)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("nbd_socket", d.NBDSocket)
}

func addSearchPaths(v *viper.Viper) {
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.switchfs")
	v.AddConfigPath("/etc/switchfs")
}

// Loaded describes where a configuration came from.
type Loaded struct {
	Config Config

	// File is the config file used, empty when only defaults and environment applied
	File string

	// Viper is the instance the configuration was read with, for flag binding
	Viper *viper.Viper
}

// Load reads the configuration. An explicit cfgFile must exist; otherwise
// switchfs-config.yaml is searched for in the standard locations and a
// missing file is not an error. Environment variables prefixed SWITCHFS_
// override file values.
func Load(cfgFile string) (*Loaded, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName + "-config")
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	loaded := &Loaded{Viper: v}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		loaded.File = v.ConfigFileUsed()
	}

	if err := v.Unmarshal(&loaded.Config); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := loaded.Config.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// Validate checks values that would otherwise fail deep inside a read.
func (c Config) Validate() error {
	if err := xtsn.ValidateSectorSize(c.SectorSize); err != nil {
		return fmt.Errorf("config: sector_size: %w", err)
	}
	if c.CacheSectors < 0 {
		return fmt.Errorf("config: cache_sectors must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	switch c.LogFormat {
	case "json", "human":
	default:
		return fmt.Errorf("config: log_format must be json or human, got %q", c.LogFormat)
	}
	return nil
}

// CipherOptions returns the xtsn options implied by the configuration.
func (c Config) CipherOptions() []xtsn.Option {
	opts := []xtsn.Option{xtsn.WithParallelThreshold(c.ParallelThreshold)}
	if c.Workers > 0 {
		opts = append(opts, xtsn.WithWorkers(c.Workers))
	}
	return opts
}
