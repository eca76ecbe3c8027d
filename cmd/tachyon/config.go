package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/internal/environment"
)

var configShowSource bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long: `Show the effective configuration after merging defaults, config file, and environment variables.

Passwords and tokens are masked.`,
	Example: `  # Show effective configuration
  tachyon config show

  # Show configuration with source file path
  tachyon config show --source`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowSource {
			if configPath != "" {
				fmt.Printf("Config file: %s\n\n", configPath)
			} else {
				fmt.Println("Config file: (none, using defaults)")
				fmt.Println()
			}
		}

		out, err := yaml.Marshal(redactConfig(cfg))
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowSource, "source", false, "show config file source")
	configCmd.AddCommand(configShowCmd)
}

const redacted = "********"

// redactConfig returns a copy of c with secrets masked.
func redactConfig(c *cli.Config) *cli.Config {
	out := *c
	out.Database = redactDatabase(c.Database)
	out.Release.Database = redactDatabase(c.Release.Database)
	if out.Release.Deploy.Token != "" {
		out.Release.Deploy.Token = redacted
	}
	if out.Audit.Redis.Password != "" {
		out.Audit.Redis.Password = redacted
	}

	out.Environments = make(map[string]environment.EnvironmentConfig, len(c.Environments))
	for name, env := range c.Environments {
		env.Database = redactDatabase(env.Database)
		out.Environments[name] = env
	}
	return &out
}

func redactDatabase(d environment.DatabaseConfig) environment.DatabaseConfig {
	if d.Password != "" {
		d.Password = redacted
	}
	if d.URL != "" {
		d.URL = d.Redacted()
	}
	return d
}
