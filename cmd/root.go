// Package cmd wires the command line interface of the docserve service.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/docserve/internal/api"
	"github.com/zjrosen/docserve/internal/config"
	"github.com/zjrosen/docserve/internal/convert"
	"github.com/zjrosen/docserve/internal/convert/cli"
	"github.com/zjrosen/docserve/internal/log"
	"github.com/zjrosen/docserve/internal/orchestrator"
	"github.com/zjrosen/docserve/internal/orchestrator/local"
	"github.com/zjrosen/docserve/internal/orchestrator/remote"
	"github.com/zjrosen/docserve/internal/scratch"
	"github.com/zjrosen/docserve/internal/tracing"
)

var (
	version = "dev"
	cfgFile string
	logPath string
	debug   bool

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "docserve",
	Short: "Asynchronous document conversion service",
	Long: `docserve exposes an HTTP API for converting documents (PDF, Office,
HTML, images and more) into JSON, HTML, Markdown, plain text or doctags.

Conversions run as tasks on a local worker pool or on a remote workflow
engine; clients submit sources, poll or subscribe for status, and fetch
results as inline JSON or a ZIP archive.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./docserve.yaml or ~/.config/docserve/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "",
		"write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")

	rootCmd.Flags().String("host", "", "address to bind")
	rootCmd.Flags().Int("port", 0, "port to listen on")
	rootCmd.Flags().String("eng-kind", "", "orchestration backend (local or remote)")
	rootCmd.Flags().Int("num-workers", 0, "local conversion workers")
	rootCmd.Flags().String("scratch-path", "", "directory for staged results")

	_ = v.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	_ = v.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("eng_kind", rootCmd.Flags().Lookup("eng-kind"))
	_ = v.BindPFlag("eng_loc_num_workers", rootCmd.Flags().Lookup("num-workers"))
	_ = v.BindPFlag("scratch_path", rootCmd.Flags().Lookup("scratch-path"))
}

func initConfig() {
	config.Bind(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if _, err := os.Stat("docserve.yaml"); err == nil {
			v.SetConfigFile("docserve.yaml")
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "docserve"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Running purely on defaults, flags and env is fine.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	if logPath != "" {
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}
	if debug {
		log.SetMinLevel(log.LevelDebug)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.Info(log.CatConfig, "configuration loaded", "engine", cfg.EngKind, "host", cfg.Host, "port", cfg.Port)

	provider, err := tracing.NewProvider(cfg.Trace)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	var tracer trace.Tracer
	if provider.Enabled() {
		tracer = provider.Tracer()
	}

	store, err := scratch.New(cfg.ScratchPath)
	if err != nil {
		return err
	}

	orch, converters, err := buildOrchestrator(cfg, store, tracer)
	if err != nil {
		return err
	}

	handler := api.NewHandler(orch, converters, api.Config{
		MaxSyncWait: cfg.MaxSyncWaitDuration(),
		MaxFileSize: cfg.MaxFileSize,
		Version:     version,
		EngineKind:  string(cfg.EngKind),
	})

	server, err := api.NewServer(cfg.Host, cfg.Port, cfg.CORS, tracer, handler.Routes())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.WarmUpCaches(ctx); err != nil {
		log.Warn(log.CatOrch, "cache warm-up failed", "error", err)
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = orch.ProcessQueue(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(log.CatAPI, "shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "error stopping server", err)
	}

	// Workers finish the conversion they hold; queued tasks are dropped.
	cancel()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn(log.CatOrch, "workers did not stop in time")
	}

	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "error flushing traces", err)
	}
	if err := store.Close(); err != nil {
		log.ErrorErr(log.CatScratch, "error removing scratch space", err)
	}
	log.Info(log.CatAPI, "service stopped")
	return nil
}

// buildOrchestrator selects the backend from the configuration.
func buildOrchestrator(cfg config.Config, store *scratch.Store, tracer trace.Tracer) (orchestrator.Orchestrator, api.Converters, error) {
	switch cfg.EngKind {
	case config.EngineLocal:
		engine := cli.NewEngine("")
		if err := engine.Check(); err != nil {
			log.Warn(log.CatConvert, "conversion tool unavailable, conversions will fail", "error", err)
		}

		policy := convert.Policy{
			AvailableOCREngines:  engine.AvailableOCREngines(),
			MaxDocumentTimeout:   cfg.MaxDocumentTimeout,
			MaxNumPages:          cfg.MaxNumPages,
			MaxFileSize:          cfg.MaxFileSize,
			EnableRemoteServices: cfg.EnableRemoteServices,
			AllowExternalPlugins: cfg.AllowExternalPlugins,
		}
		factory, err := convert.NewFactory(engine, policy, cfg.OptionsCacheSize)
		if err != nil {
			return nil, nil, err
		}

		orch := local.New(factory, store, local.Options{
			NumWorkers:       cfg.EngLocNumWorkers,
			SingleUseResults: cfg.SingleUseResults,
			RemovalDelay:     cfg.ResultRemovalDelayDuration(),
			Tracer:           tracer,
		})
		return orch, factory, nil

	case config.EngineRemote:
		client, err := remote.NewClient(remote.ClientConfig{
			Endpoint:   cfg.Remote.Endpoint,
			Token:      cfg.Remote.Token,
			TokenPath:  cfg.Remote.TokenPath,
			CACertPath: cfg.Remote.CACertPath,
		})
		if err != nil {
			return nil, nil, err
		}

		orch := remote.New(client, remote.Options{
			SingleUseResults:       cfg.SingleUseResults,
			RemovalDelay:           cfg.ResultRemovalDelayDuration(),
			SelfCallbackEndpoint:   cfg.Remote.SelfCallbackEndpoint,
			SelfCallbackTokenPath:  cfg.Remote.SelfCallbackTokenPath,
			SelfCallbackCACertPath: cfg.Remote.SelfCallbackCACertPath,
		})
		return orch, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown engine kind %q", cfg.EngKind)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
