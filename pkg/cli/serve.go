package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/portmux/pkg/config"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/server"
)

var addrFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portmux server",
	Long: `Run the portmux server until SIGINT or SIGTERM.

SIGHUP reloads the routes of the configuration file without dropping
connections. Other settings need a restart.`,
	Example: `  portmux serve -c portmux.yaml
  portmux serve --listen :8443 --tls
  PORTMUX_PROTOCOLS_MQTT=false portmux serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	log := logging.New(lc)

	s, err := server.NewServer(cfg, server.WithLogger(log), server.WithVersion(Version))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	addr := s.Addr().String()
	fmt.Fprintf(cmd.OutOrStdout(), "portmux %s listening on %s (%s)\n",
		Version, addr, strings.Join(cfg.Protocols.Enabled(), ", "))
	if addrFile != "" {
		if err := os.WriteFile(addrFile, []byte(addr+"\n"), 0o600); err != nil {
			log.Warn("failed to write address file", "path", addrFile, "error", err)
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			reload(s, log)
		case <-ctx.Done():
			log.Info("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.D()+time.Second)
			defer cancel()
			return s.Stop(stopCtx)
		}
	}
}

// reload replaces the configured routes. A broken file keeps the current
// routes.
func reload(s *server.Server, log *slog.Logger) {
	if configPath == "" {
		log.Warn("reload requested without a configuration file")
		return
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("reload failed", "error", err)
		return
	}
	if err := s.ReloadRoutes(cfg.Routes); err != nil {
		log.Error("reload failed", "error", err)
		return
	}
	log.Info("routes reloaded", "routes", len(cfg.Routes))
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVarP(&overrides.listen, "listen", "l", "", "Listen address (host:port)")
	flags.StringVar(&overrides.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&overrides.logFormat, "log-format", "", "Log format (text, json)")
	flags.BoolVar(&overrides.tls, "tls", false, "Accept TLS, generating a certificate when none is configured")
	flags.StringVar(&addrFile, "addr-file", "", "Write the bound address to this file once listening")
	rootCmd.AddCommand(serveCmd)
}
