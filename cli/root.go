package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolbridge/bridge"
	"github.com/petal-labs/toolbridge/config"
	bridgeotel "github.com/petal-labs/toolbridge/otel"
)

const closeTimeout = 5 * time.Second

// NewRootCmd builds the toolbridge command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolbridge",
		Short: "Invoke tools exposed by external provider processes",
		Long:  "toolbridge spawns tool provider processes on demand, keeps their sessions alive and caches their answers.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to toolbridge.yaml (default: ./toolbridge.yaml, then ~/.toolbridge/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (default: OTEL_EXPORTER_OTLP_ENDPOINT)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("toolbridge version %s\n", version))

	root.AddCommand(NewProvidersCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewInvalidateCmd())
	root.AddCommand(NewCheckCmd())
	root.AddCommand(NewReleaseCmd())
	return root
}

// app is the per-command bridge plus what it needs to shut down.
type app struct {
	cfg      config.Config
	bridge   *bridge.Bridge
	logger   *slog.Logger
	shutdown bridgeotel.ShutdownFunc
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.Config{}, exitError(exitFileNotFound, "%s", err)
	}
	if !found {
		return config.Config{}, exitError(exitFileNotFound, "no toolbridge.yaml found; pass --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitValidation, "%s", err)
	}
	return cfg, nil
}

// openApp loads the config, installs telemetry and builds the bridge.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)

	endpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	shutdown, err := bridgeotel.Setup(cmd.Context(), bridgeotel.SetupConfig{
		ServiceName: "toolbridge",
		Endpoint:    endpoint,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "%s", err)
	}
	observer, err := bridgeotel.NewGlobalBridgeObserver()
	if err != nil {
		_ = shutdown(context.Background())
		return nil, exitError(exitRuntime, "creating telemetry observer: %s", err)
	}

	opts, err := cfg.BridgeOptions(logger, observer)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, exitError(exitValidation, "%s", err)
	}
	b, err := bridge.New(opts)
	if err != nil {
		if opts.ResponseStore != nil {
			_ = opts.ResponseStore.Close()
		}
		_ = shutdown(context.Background())
		return nil, exitError(exitValidation, "%s", err)
	}
	return &app{cfg: cfg, bridge: b, logger: logger, shutdown: shutdown}, nil
}

// Close stops every provider session and flushes telemetry.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return errors.Join(a.bridge.Close(ctx), a.shutdown(ctx))
}

func (a *app) closeQuietly(w io.Writer) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(w, "warning: shutdown: %v\n", err)
	}
}
