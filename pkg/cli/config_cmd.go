package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/portmux/pkg/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration serve would run with: defaults, then the file,
then PORTMUX_* environment variables.`,
	Example: `  portmux config -c portmux.yaml --format toml`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		format := config.Format(configFormat)
		if jsonOutput {
			format = config.FormatJSON
		}
		switch format {
		case config.FormatJSON, config.FormatYAML, config.FormatTOML:
		default:
			return fmt.Errorf("unknown format %q (want json, yaml or toml)", configFormat)
		}
		data, err := config.Encode(cfg, format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().StringVarP(&configFormat, "format", "f", string(config.FormatYAML), "Output format (json, yaml, toml)")
	rootCmd.AddCommand(configCmd)
}
