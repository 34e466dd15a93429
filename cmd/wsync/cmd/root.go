package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/wsync"
	"github.com/aweris/wsync/internal/logging"
	"github.com/aweris/wsync/internal/remote"
)

var rootCmd = &cobra.Command{
	Use:           "wsync",
	Short:         "Content-addressable workspace sync",
	Long:          "Sync a workspace directory to stream revisions of a depot, keeping replaced content in a local store.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/wsync/config.yaml)")
	flags.String("root", "", "workspace root (default: ~/.local/share/wsync)")
	flags.String("remote", "", "OCI repository holding the depot, e.g. ghcr.io/org/depot")
	flags.Bool("insecure", false, "allow plain HTTP registries")
	flags.String("client", "", "client identity (default: derived from host and root)")
	flags.Int("concurrency", wsync.DefaultConcurrency, "parallel fetches")
	flags.Bool("have-ledger", false, "mirror the workspace state into the depot's have ledger")
	flags.Int64("cache-budget", 0, "purge the store to this many bytes after each sync (0 disables)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console, json")
	flags.String("metrics-file", "", "write prometheus metrics to this file on exit")

	for key, flag := range map[string]string{
		"root":         "root",
		"remote":       "remote",
		"insecure":     "insecure",
		"client":       "client",
		"concurrency":  "concurrency",
		"have_ledger":  "have-ledger",
		"cache_budget": "cache-budget",
		"log.level":    "log-level",
		"log.format":   "log-format",
		"metrics_file": "metrics-file",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("root", wsync.DefaultRoot())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "wsync")
	}
	return ".wsync"
}

// session is an open workspace with the logger, depot and metrics registry
// built from configuration.
type session struct {
	ws       *wsync.Workspace
	depot    *remote.OCI
	logger   *zap.Logger
	registry *prometheus.Registry
}

func openSession() (*session, error) {
	logger, err := logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	s := &session{logger: logger, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(collectors.NewGoCollector())

	var server wsync.Server
	if repo := viper.GetString("remote"); repo != "" {
		opts := []remote.OCIOption{
			remote.WithOCILogger(logging.Component(logger, "oci")),
			remote.WithOCIConcurrency(viper.GetInt("concurrency")),
		}
		if viper.GetBool("insecure") {
			opts = append(opts, remote.WithInsecure())
		}
		s.depot, err = remote.NewOCI(repo, opts...)
		if err != nil {
			return nil, err
		}
		server = s.depot
	}

	opts := []wsync.Option{
		wsync.WithLogger(logger),
		wsync.WithMetrics(s.registry),
		wsync.WithConcurrency(viper.GetInt("concurrency")),
		wsync.WithHaveLedger(viper.GetBool("have_ledger")),
		wsync.WithCacheBudget(viper.GetInt64("cache_budget")),
	}
	if id := viper.GetString("client"); id != "" {
		opts = append(opts, wsync.WithClientID(id))
	}

	s.ws, err = wsync.Open(viper.GetString("root"), server, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the workspace and writes the metrics file when configured.
func (s *session) Close() error {
	err := s.ws.Close()
	if path := viper.GetString("metrics_file"); path != "" {
		if merr := prometheus.WriteToTextfile(path, s.registry); merr != nil && err == nil {
			err = fmt.Errorf("write metrics: %w", merr)
		}
	}
	s.logger.Sync()
	return err
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(fn func(s *session) error) (err error) {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
