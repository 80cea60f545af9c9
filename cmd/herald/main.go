package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/app"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/escalation"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/rules"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - notification and escalation engine",
	Long: `Herald matches domain events against notification and escalation rules
and delivers the resulting messages over email, SMS, push and in-app channels.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine",
	Long:  `Start the HTTP API, delivery workers and configured event consumers.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("herald version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Workers: %d\n", cfg.Queue.Workers)
	fmt.Printf("  Retrigger: %s\n", cfg.Escalation.Retrigger)
	fmt.Printf("  Channels: %s\n", configuredChannels(cfg))
	if cfg.Ingest.AMQP != nil {
		fmt.Printf("  AMQP queue: %s\n", cfg.Ingest.AMQP.Queue)
	}
	if cfg.Ingest.Kafka != nil {
		fmt.Printf("  Kafka topic: %s\n", cfg.Ingest.Kafka.Topic)
	}

	return nil
}

func configuredChannels(cfg *config.Config) []queue.Channel {
	var chs []queue.Channel
	if cfg.Channels.Email != nil {
		chs = append(chs, queue.ChannelEmail)
	}
	if cfg.Channels.SMS != nil {
		chs = append(chs, queue.ChannelSMS)
	}
	if cfg.Channels.InApp != nil {
		chs = append(chs, queue.ChannelInApp)
	}
	if cfg.Channels.Push != nil {
		chs = append(chs, queue.ChannelPush)
	}
	return chs
}

// openEngine opens the storage of a stopped server for offline commands.
// The returned func closes it.
func openEngine() (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path, queue.Options{
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage (is the server running?): %w", err)
	}

	store, err := rules.NewBoltStore(storage.DB())
	if err != nil {
		storage.Close()
		return nil, nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, storage, escalation.StaticDirectory(cfg.Directory), engine.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Retrigger:  cfg.Escalation.Retrigger,
	}, logger)

	return eng, func() { storage.Close() }, nil
}
