package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Hugo0713/Kunpeng-AED/cmd/benchmark"
	"github.com/Hugo0713/Kunpeng-AED/cmd/config"
	"github.com/Hugo0713/Kunpeng-AED/cmd/devices"
	"github.com/Hugo0713/Kunpeng-AED/cmd/realtime"
	"github.com/Hugo0713/Kunpeng-AED/internal/buildinfo"
	"github.com/Hugo0713/Kunpeng-AED/internal/conf"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

// skipSetup marks commands that run without loading the configuration.
const skipSetup = "skip-setup"

const telemetryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command
func RootCommand() *cobra.Command {
	var configFile string
	info := buildinfo.Current()

	rootCmd := &cobra.Command{
		Use:          "kunpeng-aed",
		Short:        "Real-time acoustic event detection for Kunpeng servers",
		Version:      info.GetVersion(),
		SilenceUsage: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, &configFile); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		realtime.Command(),
		benchmark.Command(),
		devices.Command(),
		config.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipSetup] == "true" {
			return nil
		}
		return initialize(configFile, info)
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		errors.FlushTelemetry(telemetryFlushTimeout)
		_ = logger.Global().Flush()
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and telemetry
// before any subcommand runs.
func initialize(configFile string, info *buildinfo.Context) error {
	settings, err := conf.Load(configFile)
	if err != nil {
		return err
	}

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if err := errors.InitSentry(settings.Telemetry.Sentry.DSN, info.GetVersion()); err != nil {
		// telemetry is optional
		central.Module("main").Warn("sentry disabled", logger.Error(err))
	}

	central.Module("main").Info("starting",
		logger.String("version", info.GetVersion()),
		logger.String("build_date", info.GetBuildDate()),
		logger.String("config", viper.ConfigFileUsed()))
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search ., ~/.config/kunpeng-aed, /etc/kunpeng-aed)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("model", "", "Path to the TFLite model")
	flags.String("labels", "", "Path to the class map CSV")
	flags.Int("threads", 0, "Inference threads, 0 derives the count from the CPU")
	flags.Bool("xnnpack", false, "Use the XNNPACK delegate")

	bindings := map[string]string{
		"debug":   "debug",
		"model":   "model.path",
		"labels":  "model.labels",
		"threads": "model.threads",
		"xnnpack": "model.usexnnpack",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
