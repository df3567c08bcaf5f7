package cli

import (
	"github.com/spf13/cobra"

	"github.com/getmockd/portmux/pkg/config"
)

// overrides are the serve flags that take precedence over the file and the
// environment.
var overrides struct {
	listen    string
	logLevel  string
	logFormat string
	tls       bool
}

// loadConfig loads the configuration named by --config and applies the
// flags the user set on cmd.
func loadConfig(cmd *cobra.Command) (*config.ServerConfiguration, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	changed := false
	if flags.Changed("listen") {
		cfg.Listen, changed = overrides.listen, true
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, changed = overrides.logLevel, true
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, changed = overrides.logFormat, true
	}
	if flags.Changed("tls") && overrides.tls {
		cfg.TLS.Enabled, changed = true, true
		if cfg.TLS.CertFile == "" {
			cfg.TLS.AutoGenerateCert = true
		}
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
