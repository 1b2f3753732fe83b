package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/config"
	"github.com/yourorg/annotrack/internal/logging"
	"github.com/yourorg/annotrack/internal/replay"
	"github.com/yourorg/annotrack/internal/server"
	"github.com/yourorg/annotrack/internal/store"
)

var version = "dev"

const defaultConfigContent = `shipper:
  api: "http://127.0.0.1:8080/api/v1"
  token: ""
  min_gap: 10s
  request_timeout: 30s
  drain_timeout: 5s
  compress: false

recorder:
  debug: "off"
  storage: "memory"
  storage_dsn: ""
  ignore_activities: []
  image_surface_classes:
    - h-image-view-container
    - geojs-map
  scrollbar_threshold: 4

redact:
  fields:
    - password
    - secret
    - token
    - access_token
  replacement: "***REDACTED***"

collector:
  host: "127.0.0.1"
  port: 8080
  api_root: "/api/v1"
  tokens: []
  cors_origin: ""

log:
  level: "info"
  file: ""
`

type rootOptions struct {
	cfgPath  string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "annotrack",
		Short:         "Annotation activity tracker: collector and replay tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newReplayCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// load reads the config and builds the logger for a command.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.annotrack directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			baseDir := filepath.Join(home, ".annotrack")
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			dbPath := filepath.Join(baseDir, "annotrack.db")
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "set shipper.token and collector.tokens in", cfgFile)
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Run the activity collection endpoint", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := opts.load()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cmd.Flags().Changed("host") {
			cfg.Collector.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Collector.Port = port
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		st, err := store.NewSQLiteStore(cfg.Collector.DB)
		if err != nil {
			return err
		}
		defer st.Close()

		srv, err := server.New(cfg, st, logger.Named("collector"))
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := net.JoinHostPort(cfg.Collector.Host, strconv.Itoa(cfg.Collector.Port))
		logger.Info("collector listening",
			zap.String("addr", addr),
			zap.String("api_root", cfg.Collector.APIRoot),
			zap.String("db", cfg.Collector.DB))
		return srv.ListenAndServe(ctx, addr)
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 8080, "server port")
	return cmd
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var scriptPath, api, token string
	var wait time.Duration
	cmd := &cobra.Command{Use: "replay", Short: "Play an interaction script through the recorder and shipper", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := opts.load()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if api != "" {
			cfg.Shipper.API = api
		}
		if token != "" {
			cfg.Shipper.Token = token
		}
		if err := cfg.ValidateReplay(); err != nil {
			return err
		}
		script, err := replay.Parse(scriptPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, runErr := replay.Run(ctx, replay.Options{
			Config: cfg,
			Script: script,
			Logger: logger,
			Wait:   wait,
		})
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "session", report.Session)
		fmt.Fprintln(out, "entries", report.Entries)
		fmt.Fprintln(out, "delivered", report.Delivered)
		fmt.Fprintln(out, "pending", report.Pending)
		if report.Failures > 0 {
			fmt.Fprintln(out, "failed attempts", report.Failures)
		}
		return runErr
	}}
	cmd.Flags().StringVar(&scriptPath, "script", "", "interaction script (JSON)")
	cmd.Flags().StringVar(&api, "api", "", "override shipper.api")
	cmd.Flags().StringVar(&token, "token", "", "override shipper.token")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for delivery after playback")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{Use: "version", Short: "Print the version", Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "annotrack", version)
	}}
}
