package config

import (
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/ratelimit"
	"github.com/getmockd/portmux/pkg/tls"
)

// TLSOptions converts the TLS section into certificate store options.
func (c *ServerConfiguration) TLSOptions() tls.Options {
	return tls.Options{
		CertFile:     c.TLS.CertFile,
		KeyFile:      c.TLS.KeyFile,
		AutoGenerate: c.TLS.AutoGenerateCert,
		Hosts:        c.TLS.Hosts,
		ClientAuth:   c.TLS.ClientAuth,
		ClientCAFile: c.TLS.ClientCAFile,
	}
}

// LoggerConfig converts the logging section. Output stays the default.
func (c *ServerConfiguration) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	cfg.Format = logging.ParseFormat(c.Logging.Format)
	cfg.AddSource = c.Logging.AddSource
	return cfg
}

// RateLimit converts the limits section. ok is false when connection
// admission is unlimited.
func (c *ServerConfiguration) RateLimit() (cfg ratelimit.Config, ok bool) {
	if c.Limits.ConnectionRate <= 0 {
		return ratelimit.Config{}, false
	}
	return ratelimit.Config{
		Rate:  c.Limits.ConnectionRate,
		Burst: c.Limits.ConnectionBurst,
	}, true
}
