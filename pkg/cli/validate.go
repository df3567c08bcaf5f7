package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getmockd/portmux/pkg/cli/internal/output"
	"github.com/getmockd/portmux/pkg/config"
)

// ValidateOutput is the JSON form of portmux validate.
type ValidateOutput struct {
	Valid     bool     `json:"valid"`
	File      string   `json:"file,omitempty"`
	Listen    string   `json:"listen,omitempty"`
	Protocols []string `json:"protocols,omitempty"`
	Routes    int      `json:"routes"`
	Errors    []string `json:"errors,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file",
	Long: `Load a configuration file the way serve does, environment overrides
included, and report every invalid field.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			configPath = args[0]
		}
		cfg, err := config.Load(configPath)

		if jsonOutput {
			out := ValidateOutput{Valid: err == nil, File: configPath}
			if err != nil {
				out.Errors = splitErrors(err)
			} else {
				out.Listen = cfg.Listen
				out.Protocols = cfg.Protocols.Enabled()
				out.Routes = len(cfg.Routes)
			}
			if werr := output.JSON(cmd.OutOrStdout(), out); werr != nil {
				return werr
			}
			if err != nil {
				return errors.New("configuration is invalid")
			}
			return nil
		}

		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "configuration is valid")
		fmt.Fprintf(w, "  listen:    %s\n", cfg.Listen)
		fmt.Fprintf(w, "  protocols: %s\n", strings.Join(cfg.Protocols.Enabled(), ", "))
		fmt.Fprintf(w, "  routes:    %d\n", len(cfg.Routes))
		if cfg.TLS.Enabled {
			fmt.Fprintf(w, "  tls:       clientAuth=%s\n", cfg.TLS.ClientAuth)
		}
		return nil
	},
}

// splitErrors flattens a joined error into one message per cause.
func splitErrors(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
