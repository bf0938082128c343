package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	mrmdsync "github.com/MaximeRivest/mrmd-sync"
	"github.com/MaximeRivest/mrmd-sync/internal/pathutil"
	"github.com/MaximeRivest/mrmd-sync/internal/version"
)

const envPrefix = "MRMD_SYNC"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MRMD_SYNC_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mrmd-sync")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	_ = cancel // released on process exit
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg mrmdsync.Config
	root := &cobra.Command{
		Use:           "mrmd-sync",
		Short:         "Real-time collaborative markdown synchronization hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), cfg, baseLogger)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.Listen, "listen", mrmdsync.DefaultListen, "bind address for sockets and the control plane")
	flags.StringVar(&cfg.Dir, "dir", ".", "base directory for documents (filesystem mode)")
	flags.StringVar(&cfg.Store, "store", "", "backend DSN: empty/file:// for filesystem, postgres:// for the external table")
	flags.StringVar(&cfg.PathPrefix, "path-prefix", "", "URL prefix stripped before document name derivation")
	flags.DurationVar(&cfg.Debounce, "debounce", mrmdsync.DefaultDebounce, "quiet interval before persisting a burst of edits")
	flags.IntVar(&cfg.MaxConnections, "max-connections", mrmdsync.DefaultMaxConnections, "total socket cap")
	flags.IntVar(&cfg.MaxConnectionsPerDoc, "max-connections-per-doc", mrmdsync.DefaultMaxConnectionsPerDoc, "per-document socket cap")
	flags.Int64Var(&cfg.MaxMessageSize, "max-message-size", mrmdsync.DefaultMaxMessageSize, "maximum inbound frame size in bytes")
	flags.Int64Var(&cfg.MaxFileSize, "max-file-size", mrmdsync.DefaultMaxFileSize, "maximum document size loaded from storage in bytes")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", mrmdsync.DefaultPingInterval, "heartbeat cadence per socket")
	flags.DurationVar(&cfg.DocCleanupDelay, "doc-cleanup-delay", mrmdsync.DefaultDocCleanupDelay, "idle time before a clientless document is evicted")
	flags.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", mrmdsync.DefaultSnapshotInterval, "recovery snapshot cadence (filesystem mode)")
	flags.BoolVar(&cfg.DisableStatePersistence, "no-persist-state", false, "disable replica-state snapshots")
	flags.BoolVar(&cfg.DisableWatch, "no-watch", false, "disable the external-change watcher")
	flags.BoolVar(&cfg.DangerouslyAllowSystemPaths, "dangerously-allow-system-paths", false, "allow serving documents from system directories")
	flags.StringVar(&cfg.LogLevel, "log-level", mrmdsync.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", "", "optional Prometheus metrics bind address")
	flags.StringVar(&cfg.PGUser, "pg-user", "", "external-table row key: user")
	flags.StringVar(&cfg.PGProject, "pg-project", "", "external-table row key: project")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	root.PreRunE = func(cmd *cobra.Command, args []string) error {
		// Environment values fill in flags the caller did not set.
		var err error
		flags.VisitAll(func(f *pflag.Flag) {
			if err != nil || f.Changed || !v.IsSet(f.Name) {
				return
			}
			if setErr := f.Value.Set(v.GetString(f.Name)); setErr != nil {
				err = fmt.Errorf("apply %s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), setErr)
			}
		})
		return err
	}

	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			return nil
		},
	}
}

func runServer(ctx context.Context, cfg mrmdsync.Config, baseLogger pslog.Logger) error {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		logger = logger.LogLevel(level)
	}
	dir, err := pathutil.Expand(cfg.Dir)
	if err != nil {
		return fmt.Errorf("expand dir %q: %w", cfg.Dir, err)
	}
	cfg.Dir = dir
	logger.Info("starting",
		"version", version.Current(),
		"listen", cfg.Listen,
		"max_message_size", humanize.IBytes(uint64(max(cfg.MaxMessageSize, 0))),
		"max_file_size", humanize.IBytes(uint64(max(cfg.MaxFileSize, 0))),
	)
	srv, stop, err := mrmdsync.StartServer(ctx, cfg, mrmdsync.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("ready", "address", srv.ListenerAddr().String())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
