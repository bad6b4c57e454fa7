package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config holds every setting the serve command needs, layered
// flags > env > config file > defaults by viper.
type config struct {
	Dir                string        `mapstructure:"dir"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	MaxSegmentSize     int64         `mapstructure:"max_segment_size"`
	Fsync              bool          `mapstructure:"fsync"`
	CompactionEnabled  bool          `mapstructure:"compaction_enabled"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
	LogPath            string        `mapstructure:"log_path"`
	LogMaxSizeMB       int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups      int           `mapstructure:"log_max_backups"`
}

func defaultConfig() config {
	return config{
		Dir:                "storage",
		ListenAddr:         ":7887",
		MaxSegmentSize:     1_000_000,
		Fsync:              false,
		CompactionEnabled:  true,
		CompactionInterval: 10 * time.Second,
		LogPath:            "",
		LogMaxSizeMB:       100,
		LogMaxBackups:      3,
	}
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	defaults := defaultConfig()

	flags := cmd.Flags()
	flags.String("dir", defaults.Dir, "data directory holding segment files")
	flags.String("listen-addr", defaults.ListenAddr, "HTTP listen address")
	flags.Int64("max-segment-size", defaults.MaxSegmentSize, "active segment rollover threshold, in bytes")
	flags.Bool("fsync", defaults.Fsync, "fsync after every write")
	flags.Bool("compaction-enabled", defaults.CompactionEnabled, "run the background compactor")
	flags.Duration("compaction-interval", defaults.CompactionInterval, "compactor tick period")
	flags.String("log-path", defaults.LogPath, "log file path; empty logs to stderr")
	flags.Int("log-max-size-mb", defaults.LogMaxSizeMB, "rotate the log file after it reaches this size")
	flags.Int("log-max-backups", defaults.LogMaxBackups, "number of rotated log files to keep")

	_ = v.BindPFlag("dir", flags.Lookup("dir"))
	_ = v.BindPFlag("listen_addr", flags.Lookup("listen-addr"))
	_ = v.BindPFlag("max_segment_size", flags.Lookup("max-segment-size"))
	_ = v.BindPFlag("fsync", flags.Lookup("fsync"))
	_ = v.BindPFlag("compaction_enabled", flags.Lookup("compaction-enabled"))
	_ = v.BindPFlag("compaction_interval", flags.Lookup("compaction-interval"))
	_ = v.BindPFlag("log_path", flags.Lookup("log-path"))
	_ = v.BindPFlag("log_max_size_mb", flags.Lookup("log-max-size-mb"))
	_ = v.BindPFlag("log_max_backups", flags.Lookup("log-max-backups"))
}

func loadConfig(v *viper.Viper) (config, error) {
	v.SetEnvPrefix("SEGSTORE")
	v.AutomaticEnv()

	v.SetConfigName("segstore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/segstore")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config{}, err
		}
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}
