package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Hugo0713/Kunpeng-AED/internal/conf"
)

const redacted = "********"

// Command groups the configuration helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}
	cmd.AddCommand(showCommand(), initCommand())
	return cmd
}

func showCommand() *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := conf.GetSettings()
			if settings == nil {
				return fmt.Errorf("configuration not loaded")
			}
			out := *settings
			if !showSecrets {
				redact(&out)
			}
			data, err := conf.MarshalYAML(&out)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "secrets", false, "Print passwords and the Sentry DSN")
	return cmd
}

func initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the annotated default configuration",
		Args:  cobra.MaximumNArgs(1),
		// runs before any config exists
		Annotations: map[string]string{"skip-setup": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return err
		},
	}
}

// defaultConfigPath is config.yaml in the per-user config directory, or the
// working directory when there is no home.
func defaultConfigPath() string {
	paths := conf.GetDefaultConfigPaths()
	if len(paths) > 1 {
		return filepath.Join(paths[1], "config.yaml")
	}
	return "config.yaml"
}

// redact masks credentials in a copy of the settings.
func redact(s *conf.Settings) {
	mask := func(v *string) {
		if *v != "" {
			*v = redacted
		}
	}
	mask(&s.MQTT.Password)
	mask(&s.Datastore.MySQL.Password)
	mask(&s.Telemetry.Sentry.DSN)
}
