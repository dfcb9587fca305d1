package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amoylab/cfgstream/internal/broadcast"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/notifier"
	"github.com/amoylab/cfgstream/internal/server"
	"github.com/amoylab/cfgstream/internal/source"
	"github.com/amoylab/cfgstream/internal/subscription"
	"github.com/amoylab/cfgstream/pkg/helper"
	"github.com/amoylab/cfgstream/pkg/logger"
	"github.com/amoylab/cfgstream/pkg/metrics"
	"github.com/amoylab/cfgstream/pkg/trace"
	"github.com/amoylab/cfgstream/pkg/utils"
	"github.com/amoylab/cfgstream/pkg/version"
)

var (
	configPath     string
	publishLabel   string
	publishVersion string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of cfgstream",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cfgstream version %s\n", version.String())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration file %s is invalid: %w", cfgPath, err)
			}
			fmt.Printf("configuration file %s is valid\n", cfgPath)
			return nil
		},
	}

	publishCmd = &cobra.Command{
		Use:   "publish <app> <profile> <file>",
		Short: "Publish a configuration document to every running instance",
		Long:  `Publish reads a YAML, JSON or TOML document and sends it through the configured notifier. Instances receiving from the same notifier store it and push it to their clients.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd.Context(), args[0], args[1], args[2])
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop a running cfgstream through its PID file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
			}
			if cfg.PID == "" {
				return errors.New("pid is not configured")
			}
			pid := utils.NewPIDFile(helper.GetPIDPath(cfg.PID))
			if err := pid.Signal(syscall.SIGTERM); err != nil {
				return err
			}
			fmt.Printf("sent SIGTERM to the process in %s\n", pid.Path())
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   "cfgstream",
		Short: "Configuration streaming server",
		Long:  `cfgstream pushes configuration snapshots and JSON Patch updates to subscribed services over WebSocket`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", config.DefaultFile, "path to configuration file")
	publishCmd.Flags().StringVar(&publishLabel, "label", "", "label to publish under, defaults to default_label")
	publishCmd.Flags().StringVar(&publishVersion, "version", "", "version of the document, defaults to its content hash")
	rootCmd.AddCommand(versionCmd, testCmd, publishCmd, stopCmd)
}

func run(ctx context.Context) error {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("Starting cfgstream",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	if cfg.PID != "" {
		pid := utils.NewPIDFile(helper.GetPIDPath(cfg.PID))
		if err := pid.Write(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() {
			if err := pid.Remove(); err != nil {
				lg.Warn("failed to remove PID file", zap.Error(err))
			}
		}()
	}

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			lg.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	src, err := source.New(lg, &cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to initialize config source: %w", err)
	}

	ntf, err := notifier.NewNotifier(ctx, lg, &cfg.Notifier)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if ntf != nil {
		defer func() {
			if err := ntf.Close(); err != nil {
				lg.Warn("failed to close notifier", zap.Error(err))
			}
		}()
	}

	registry := subscription.NewRegistry(lg)
	hist := history.New(cfg.History.Config, lg)
	b := broadcast.New(lg, registry, hist, m, cfg.Broadcast.BufferSize)
	pump := notifier.NewPump(lg, ntf, src, b)
	srv := server.New(lg, cfg, server.Deps{
		Registry:    registry,
		History:     hist,
		Broadcaster: b,
		Source:      src,
		Pump:        pump,
		Metrics:     m,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return hist.Run(gctx, cfg.History.PruneInterval) })
	g.Go(func() error { return pump.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down cfgstream")
		b.Close()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracePeriod+5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("cfgstream stopped with error", zap.Error(err))
		return err
	}
	lg.Info("cfgstream stopped")
	return nil
}

// publish sends one document through the notifier without starting a server
func publish(ctx context.Context, app, profile, path string) error {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
	}

	label := utils.FirstNonEmpty(publishLabel, cfg.DefaultLabel)
	if err := subscription.ValidateKey(app, profile, label); err != nil {
		return err
	}

	content, err := source.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := source.NewDocument(content, publishVersion)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	cfg.Notifier.Role = string(config.RoleSender)
	ntf, err := notifier.NewNotifier(ctx, lg, &cfg.Notifier)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if ntf == nil {
		return errors.New("no notifier configured, set notifier.type to redis, kafka or composite")
	}
	defer func() { _ = ntf.Close() }()

	ev := &event.ConfigChangeEvent{
		App:       app,
		Profile:   profile,
		Label:     label,
		NewConfig: doc.Config,
		Version:   doc.Version,
		Timestamp: time.Now(),
	}
	if err := ntf.NotifyUpdate(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Key(), err)
	}
	fmt.Printf("published %s version %s\n", ev.Key(), ev.Version)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
