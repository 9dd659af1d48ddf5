// Command pilotd is the always-on local agent process: the Gateway
// Supervisor (C5) wired to the VLM Lifecycle Manager and Orchestrator,
// grounded on cmd/alex-server/main.go's signal-driven listen/shutdown
// shape and exposing it through a spf13/cobra CLI the way cmd/alex's
// root command does.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pilotd/internal/actuator"
	"pilotd/internal/config"
	"pilotd/internal/gateway"
	"pilotd/internal/logging"
)

// exit codes, documented in spec.md §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitPortInUse      = 2
	exitAlreadyRunning = 3
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func newRootCommand() *cobra.Command {
	var (
		host       string
		port       int
		rootDir    string
		configPath string
	)

	root := &cobra.Command{
		Use:   "pilotd",
		Short: "pilotd is a local vision-language desktop agent",
	}
	root.PersistentFlags().StringVar(&host, "host", "", "bind host (overrides config/env)")
	root.PersistentFlags().IntVar(&port, "port", 0, "bind port (overrides config/env)")
	root.PersistentFlags().StringVar(&rootDir, "root-dir", "", "persisted-state root directory (overrides config/env)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.yaml")

	root.AddCommand(newServeCommand(&host, &port, &rootDir, &configPath))
	root.AddCommand(newKeyCommand(&rootDir, &configPath))

	return root
}

func newServeCommand(host *string, port *int, rootDir *string, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd.Flags(), host, port, rootDir, configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}

			srv, err := gateway.New(gateway.Dependencies{
				Config:   cfg,
				Logger:   logger,
				Actuator: buildActuator(logger),
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}

			if err := srv.AcquireSingleInstanceLock(); err != nil {
				if gateway.IsAlreadyRunning(err) {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitAlreadyRunning)
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); err != nil {
				if isAddrInUse(err) {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitPortInUse)
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitConfigError)
			}
			return nil
		},
	}
}

func newKeyCommand(rootDir *string, configPath *string) *cobra.Command {
	keyCmd := &cobra.Command{Use: "key", Short: "manage the REST API bearer key"}
	keyCmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "generate and persist a new API key, invalidating the previous one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd.Flags(), nil, nil, rootDir, configPath)
			if err != nil {
				return err
			}
			key, err := gateway.RotateAPIKey(cfg.RootDir, logger)
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	})
	return keyCmd
}

// loadRuntime resolves the four-layer config (defaults, file, env, then
// these CLI flags) and builds the matching file+stdout logger, per
// SPEC_FULL.md's AMBIENT STACK configuration layering. host/port may be nil
// when the caller command (e.g. `key rotate`) has no such flags.
func loadRuntime(flags interface{ Changed(string) bool }, host *string, port *int, rootDir *string, configPath *string) (config.RuntimeConfig, logging.Logger, error) {
	var overrides config.FlagOverrides
	if host != nil && flags.Changed("host") {
		overrides.Host = host
	}
	if port != nil && flags.Changed("port") {
		overrides.Port = port
	}
	if rootDir != nil && flags.Changed("root-dir") {
		overrides.RootDir = rootDir
	}

	opts := []config.Option{config.WithFlagOverrides(overrides)}
	if configPath != nil && *configPath != "" {
		opts = append(opts, config.WithFilePath(*configPath))
	}

	cfg, _, err := config.Load(opts...)
	if err != nil {
		return config.RuntimeConfig{}, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.RootDir, err = expandHome(cfg.RootDir)
	if err != nil {
		return config.RuntimeConfig{}, nil, fmt.Errorf("resolving root dir: %w", err)
	}

	sink, err := logging.NewFileSink(filepath.Join(cfg.RootDir, "logs", "pilotd.log"), logging.Info)
	if err != nil {
		return config.RuntimeConfig{}, nil, fmt.Errorf("opening log file: %w", err)
	}
	return cfg, sink.Component("Gateway"), nil
}

// expandHome resolves a leading "~" the way a shell would, since
// RuntimeConfig's default root_dir is written as "~/.pilotd" but nothing
// downstream (os.MkdirAll, flock) understands tilde paths.
func expandHome(path string) (string, error) {
	if path == "~" {
		path = "~/"
	}
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// buildActuator returns the Actuator the gateway drives the screen
// through. No concrete GUI-driving backend ships in this module (spec.md
// §1 Non-goals name concrete input-device drivers out of scope), so the
// production binary runs against the same in-memory double the
// orchestrator's tests use and logs loudly that it is doing so.
func buildActuator(logger logging.Logger) actuator.Actuator {
	logger.Warn("no platform actuator wired; running with the in-memory fake — screen capture and input injection are no-ops")
	return actuator.NewFake()
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}
