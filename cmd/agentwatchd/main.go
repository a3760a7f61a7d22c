// Package main is the entry point for the agentwatch daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/internal/watcher"
	"github.com/agentwatch/agentwatch/pkg/types"
)

const version = "0.1.0"

// ConfigEnv names a config file when --config is not given.
const ConfigEnv = "AGENTWATCH_CONFIG"

type serveOptions struct {
	configPath string
	host       string
	port       int
	dataDir    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:          "agentwatchd",
		Short:        "Watch local AI coding agents, repositories and ports",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, opts)
			return run(cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&opts.host, "host", "", "Address to listen on")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Directory for persisted state")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newInitCmd(opts), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentwatchd version %s\n", version)
		},
	}
}

func newInitCmd(opts *serveOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Writes the default configuration to --config, or to ~/.agentwatch/config.yaml
when no path is given. An existing file is only replaced with --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = filepath.Join(types.DefaultConfig().DataDir, "config.yaml")
			}
			if err := writeDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config: %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

// applyFlags overrides config values with flags the user set explicitly.
func applyFlags(cmd *cobra.Command, cfg *types.Config, opts *serveOptions) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = opts.dataDir
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
}

// configCandidates are tried in order when no config path is given.
func configCandidates() []string {
	candidates := []string{
		"agentwatch.yaml",
		"agentwatch.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".agentwatch", "config.yaml"))
	}
	return candidates
}

func loadConfig(path string) (*types.Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		for _, c := range configCandidates() {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	config := types.DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	config.DataDir = expandHome(config.DataDir)
	for i, root := range config.Repos.Roots {
		config.Repos.Roots[i] = expandHome(root)
	}
	return config, nil
}

func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists: %s", path)
	}
	data, err := yaml.Marshal(types.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[:2] == "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func run(config *types.Config) error {
	config.Validate()
	if err := logging.Configure(config.Logging, filepath.Join(config.DataDir, "logs")); err != nil {
		return err
	}
	defer logging.Close()
	logger := logging.NewLogger("agentwatchd")
	gin.SetMode(gin.ReleaseMode)

	w, err := watcher.New(config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}

	addr := net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.WithField("version", version).Infof("agentwatch listening on http://%s (WebSocket: ws://%s/ws)", addr, addr)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server shutdown failed")
	}
	w.Stop()
	return runErr
}
