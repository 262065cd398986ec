// Package config loads the pulse configuration from defaults, an optional
// TOML file and PULSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/basekick-labs/pulse/pkg/plugin"
)

// Config holds all configuration for pulse
type Config struct {
	Log      LogConfig
	Pipeline PipelineConfig
	API      APIConfig
	Shutdown ShutdownConfig
	Plugins  PluginsConfig
}

type LogConfig struct {
	Level      string
	Format     string // json or console
	BufferSize int    // entries kept for /api/v1/logs
}

type PipelineConfig struct {
	PollQueueSize      int
	BlockingQueueSize  int
	OutputMaxFailures  int // consecutive failures opening an output breaker, negative disables
	OutputRetryTimeout time.Duration
}

type APIConfig struct {
	Enabled      bool
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLSEnabled   bool
	TLSCertFile  string
	TLSKeyFile   string
}

type ShutdownConfig struct {
	Timeout time.Duration
}

// PluginsConfig lists the plugins to start, in order, and their tables
type PluginsConfig struct {
	Enabled []string
	Tables  map[string]plugin.ConfigTable
}

// Table returns the configuration table of a plugin, nil when none was given
func (p *PluginsConfig) Table(name string) plugin.ConfigTable {
	return p.Tables[name]
}

// Load reads the configuration. An empty path searches pulse.toml in the
// working directory, /etc/pulse/ and $HOME/.pulse/; a missing file is not an
// error in that case.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pulse")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pulse/")
		v.AddConfigPath("$HOME/.pulse/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			BufferSize: v.GetInt("log.buffer_size"),
		},
		Pipeline: PipelineConfig{
			PollQueueSize:      v.GetInt("pipeline.poll_queue_size"),
			BlockingQueueSize:  v.GetInt("pipeline.blocking_queue_size"),
			OutputMaxFailures:  v.GetInt("pipeline.output_max_failures"),
			OutputRetryTimeout: v.GetDuration("pipeline.output_retry_timeout"),
		},
		API: APIConfig{
			Enabled:      v.GetBool("api.enabled"),
			Host:         v.GetString("api.host"),
			Port:         v.GetInt("api.port"),
			ReadTimeout:  v.GetDuration("api.read_timeout"),
			WriteTimeout: v.GetDuration("api.write_timeout"),
			TLSEnabled:   v.GetBool("api.tls_enabled"),
			TLSCertFile:  v.GetString("api.tls_cert_file"),
			TLSKeyFile:   v.GetString("api.tls_key_file"),
		},
		Shutdown: ShutdownConfig{
			Timeout: v.GetDuration("shutdown.timeout"),
		},
		Plugins: PluginsConfig{
			Enabled: splitList(v.GetStringSlice("plugins.enabled")),
			Tables:  pluginTables(v),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.buffer_size", 2048)

	v.SetDefault("pipeline.poll_queue_size", 256)
	v.SetDefault("pipeline.blocking_queue_size", 64)
	v.SetDefault("pipeline.output_max_failures", 5)
	v.SetDefault("pipeline.output_retry_timeout", "30s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 9750)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")
	v.SetDefault("api.tls_enabled", false)
	v.SetDefault("api.tls_cert_file", "")
	v.SetDefault("api.tls_key_file", "")

	v.SetDefault("shutdown.timeout", "30s")

	v.SetDefault("plugins.enabled", []string{"counter", "diff", "textout"})
}

// splitList accepts both TOML arrays and comma or space separated env values
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// pluginTables collects every [plugins.<name>] table. Keys present in a table
// can be overridden with PULSE_PLUGINS_<NAME>_<KEY>.
func pluginTables(v *viper.Viper) map[string]plugin.ConfigTable {
	tables := make(map[string]plugin.ConfigTable)
	for name, raw := range v.GetStringMap("plugins") {
		if name == "enabled" {
			continue
		}
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		table := make(plugin.ConfigTable, len(sub))
		for key, value := range sub {
			if _, nested := value.(map[string]any); nested {
				table[key] = value
				continue
			}
			table[key] = v.Get("plugins." + name + "." + key)
		}
		tables[name] = table
	}
	return tables
}

// UnusedTables names the configured plugins that are not enabled, sorted
func (p *PluginsConfig) UnusedTables() []string {
	enabled := make(map[string]bool, len(p.Enabled))
	for _, name := range p.Enabled {
		enabled[name] = true
	}
	var unused []string
	for name := range p.Tables {
		if !enabled[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	if len(c.Plugins.Enabled) == 0 {
		return fmt.Errorf("plugins.enabled must list at least one plugin")
	}
	seen := make(map[string]bool, len(c.Plugins.Enabled))
	for _, name := range c.Plugins.Enabled {
		if seen[name] {
			return fmt.Errorf("plugin %q enabled twice", name)
		}
		seen[name] = true
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}
	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("api.port %d out of range", c.API.Port)
		}
		if err := c.API.ValidateTLS(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTLS checks the certificate and key files when TLS is enabled
func (c *APIConfig) ValidateTLS() error {
	if !c.TLSEnabled {
		return nil
	}
	if c.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but api.tls_cert_file not specified")
	}
	if c.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but api.tls_key_file not specified")
	}
	for _, f := range []struct{ what, path string }{{"certificate", c.TLSCertFile}, {"key", c.TLSKeyFile}} {
		info, err := os.Stat(f.path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", f.what, f.path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", f.what, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", f.what, f.path)
		}
	}
	return nil
}

// Addr is the listen address of the API server
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
