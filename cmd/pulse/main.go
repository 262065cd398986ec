package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basekick-labs/pulse/internal/api"
	"github.com/basekick-labs/pulse/internal/config"
	"github.com/basekick-labs/pulse/internal/logger"
	"github.com/basekick-labs/pulse/internal/plugins"
	"github.com/basekick-labs/pulse/internal/plugins/journal"
	"github.com/basekick-labs/pulse/internal/shutdown"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

// Version is set at build time
var Version = "dev"

const usage = `usage:
  pulse [-config pulse.toml]       run the measurement pipeline
  pulse journal dump <path>        print a journal segment or directory
  pulse plugins                    list built-in plugins and their defaults
  pulse version                    print the version
`

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "journal":
			os.Exit(runJournal(os.Args[2:], os.Stdout, os.Stderr))
		case "plugins":
			os.Exit(runPlugins(os.Stdout, os.Stderr))
		case "version":
			fmt.Println(Version)
			return
		case "help", "-h", "--help":
			fmt.Print(usage)
			return
		}
	}

	fs := flag.NewFlagSet("pulse", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the configuration file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logs := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		BufferSize: cfg.Log.BufferSize,
	})
	log.Info().Str("version", Version).Strs("plugins", cfg.Plugins.Enabled).Msg("Starting pulse...")

	host, err := newHost(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set up plugins")
		return 1
	}

	coordinator := shutdown.New(cfg.Shutdown.Timeout, logger.Get("shutdown"))
	coordinator.RegisterFunc("host", func(context.Context) error { return host.Stop() }, shutdown.PriorityHost)

	if err := host.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to start pipeline")
		_ = coordinator.Shutdown()
		return 1
	}

	// a pipeline that ends on its own takes the process down with it
	go func() {
		<-host.Pipeline().Done()
		coordinator.Trigger()
	}()

	if cfg.API.Enabled {
		server := api.NewServer(&api.ServerConfig{
			Addr:         cfg.API.Addr(),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  api.DefaultServerConfig().IdleTimeout,
			TLSCertFile:  tlsFile(cfg.API.TLSEnabled, cfg.API.TLSCertFile),
			TLSKeyFile:   tlsFile(cfg.API.TLSEnabled, cfg.API.TLSKeyFile),
			Logs:         logs,
		}, host, logger.Get("api"))
		server.MountExporters()
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start HTTP server")
			_ = coordinator.Shutdown()
			return 1
		}
		coordinator.RegisterFunc("api", server.Shutdown, shutdown.PriorityAPI)
	}

	log.Info().Msg("pulse is running")
	coordinator.Wait(context.Background())

	if err := coordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		return 1
	}
	return 0
}

// newHost registers the enabled plugins, in the configured order, and applies
// their tables
func newHost(cfg *config.Config) (*plugin.Host, error) {
	host := plugin.NewHost(&plugin.HostConfig{
		Logger: logger.Get("host"),
		Pipeline: pipeline.Config{
			PollQueueSize:      cfg.Pipeline.PollQueueSize,
			BlockingQueueSize:  cfg.Pipeline.BlockingQueueSize,
			OutputMaxFailures:  cfg.Pipeline.OutputMaxFailures,
			OutputRetryTimeout: cfg.Pipeline.OutputRetryTimeout,
		},
	})

	for _, name := range cfg.Plugins.Enabled {
		meta, ok := plugins.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		if err := host.Register(meta); err != nil {
			return nil, err
		}
		if table := cfg.Plugins.Table(name); table != nil {
			if err := host.Configure(name, table); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range cfg.Plugins.UnusedTables() {
		log.Warn().Str("plugin", name).Msg("Ignoring configuration of a plugin that is not enabled")
	}
	return host, nil
}

func tlsFile(enabled bool, path string) string {
	if !enabled {
		return ""
	}
	return path
}

func runJournal(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 || args[0] != "dump" {
		fmt.Fprint(stderr, usage)
		return 2
	}
	n, err := journal.Dump(context.Background(), args[1], stdout, zerolog.New(stderr).With().Timestamp().Logger())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "%d points\n", n)
	return 0
}

func runPlugins(stdout, stderr io.Writer) int {
	type entry struct {
		Name    string             `json:"name"`
		Version string             `json:"version"`
		Config  plugin.ConfigTable `json:"default_config,omitempty"`
	}
	var out []entry
	for _, m := range plugins.Builtin() {
		e := entry{Name: m.Name, Version: m.Version}
		if m.DefaultConfig != nil {
			table, err := m.DefaultConfig()
			if err != nil {
				fmt.Fprintf(stderr, "error: %s: %v\n", m.Name, err)
				return 1
			}
			e.Config = table
		}
		out = append(out, e)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
