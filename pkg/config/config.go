// Package config loads the dpifd configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psaab/ovsdp/pkg/logging"
	"github.com/psaab/ovsdp/pkg/odp"
)

// Config is the daemon configuration.
type Config struct {
	Datapath DatapathConfig `mapstructure:"datapath"`
	Upcalls  UpcallConfig   `mapstructure:"upcalls"`
	Flows    FlowConfig     `mapstructure:"flows"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatapathConfig selects the datapath to drive.
type DatapathConfig struct {
	Name   string       `mapstructure:"name"`
	Create bool         `mapstructure:"create"`
	Ports  []PortConfig `mapstructure:"ports"`
}

// PortConfig is a port attached at startup if missing.
type PortConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// UpcallConfig controls upcall reception.
type UpcallConfig struct {
	// Listen names the upcall types to subscribe to: miss, action,
	// sample.
	Listen      []string `mapstructure:"listen"`
	MaxAttempts int      `mapstructure:"max_attempts"`
	LogSize     int      `mapstructure:"log_size"`
	// SummaryInterval is how often per-type upcall totals are logged.
	// Zero disables the summary.
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
}

// FlowConfig controls flow table housekeeping.
type FlowConfig struct {
	// IdleTimeout deletes flows that matched no packet for this long.
	// Zero keeps flows until something else removes them.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// MetricsConfig configures the HTTP API, which also serves /metrics.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables
	// APIKeys, when set, are required for everything but /health and
	// /metrics.
	APIKeys []string `mapstructure:"api_keys"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
	// Syslog lists remote collectors that receive a copy of the log.
	Syslog []SyslogConfig `mapstructure:"syslog"`
}

// SyslogConfig is one remote syslog collector.
type SyslogConfig struct {
	Addr     string `mapstructure:"addr"`     // host:port, UDP
	Severity string `mapstructure:"severity"` // least severe level sent; empty sends all
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("datapath.name", "ovs-system")
	v.SetDefault("datapath.create", true)
	v.SetDefault("upcalls.listen", []string{"miss", "action"})
	v.SetDefault("upcalls.max_attempts", 50)
	v.SetDefault("upcalls.log_size", 1024)
	v.SetDefault("upcalls.summary_interval", time.Minute)
	v.SetDefault("flows.idle_timeout", time.Duration(0))
	v.SetDefault("metrics.addr", "127.0.0.1:9108")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with the defaults set and DPIFD_*
// environment overrides enabled. Callers may bind flags to it before
// calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("dpifd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if not empty, into v and decodes the result. A
// missing file is an error only when a path was given.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		slog.Info("config: using file", "path", v.ConfigFileUsed())
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if c.Datapath.Name == "" {
		return errors.New("datapath.name is required")
	}
	if len(c.Datapath.Name) >= odp.MaxNameLen {
		return fmt.Errorf("datapath.name %q is longer than %d bytes", c.Datapath.Name, odp.MaxNameLen-1)
	}
	if _, err := c.ListenMask(); err != nil {
		return err
	}
	for _, p := range c.Datapath.Ports {
		if p.Name == "" {
			return errors.New("datapath.ports: port without a name")
		}
		if t, ok := odp.ParseVportType(p.Type); !ok || t == odp.VportUnspec {
			return fmt.Errorf("datapath.ports: %s: unknown type %q", p.Name, p.Type)
		}
	}
	if c.Upcalls.SummaryInterval < 0 {
		return errors.New("upcalls.summary_interval must not be negative")
	}
	if c.Flows.IdleTimeout < 0 {
		return errors.New("flows.idle_timeout must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	for _, sl := range c.Log.Syslog {
		if _, _, err := net.SplitHostPort(sl.Addr); err != nil {
			return fmt.Errorf("log.syslog: %w", err)
		}
		if sl.Severity != "" && logging.ParseSeverity(sl.Severity) == 0 {
			return fmt.Errorf("log.syslog: %s: unknown severity %q", sl.Addr, sl.Severity)
		}
	}
	return nil
}

// ListenMask converts Upcalls.Listen into a listen mask.
func (c *Config) ListenMask() (uint32, error) {
	var mask uint32
	for _, name := range c.Upcalls.Listen {
		found := false
		for t := odp.UpcallMiss; t < odp.NumUpcallTypes; t++ {
			if t.String() == name {
				mask |= 1 << t
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("upcalls.listen: unknown upcall type %q", name)
		}
	}
	return mask, nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
