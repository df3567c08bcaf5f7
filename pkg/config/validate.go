package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/getmockd/portmux/pkg/mtls"
	"github.com/getmockd/portmux/pkg/routes"
)

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

var (
	logLevels  = []string{"debug", "info", "warn", "warning", "error"}
	logFormats = []string{"text", "json"}
	separators = []string{"/", "."}
	aclAccess  = []string{"read", "write", "readwrite", "subscribe", "publish", "all"}
)

// Validate reports every invalid field, joined.
func (c *ServerConfiguration) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		fail("listen", "%q is not a host:port address", c.Listen)
	}
	if c.ShutdownTimeout < 0 {
		fail("shutdownTimeout", "must not be negative")
	}
	if c.MaxSwaps < 0 {
		fail("maxSwaps", "must not be negative")
	}
	if c.Detection.WindowCap < 16 {
		fail("detection.windowCap", "must be at least 16, got %d", c.Detection.WindowCap)
	}
	if c.Detection.Timeout <= 0 {
		fail("detection.timeout", "must be positive")
	}

	if c.TLS.Enabled {
		if !c.TLS.AutoGenerateCert && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			fail("tls", "certFile and keyFile are required unless autoGenerateCert is set")
		}
		auth, err := mtls.ParseClientAuth(c.TLS.ClientAuth)
		switch {
		case err != nil:
			fail("tls.clientAuth", "%v", err)
		case mtls.Verifies(auth) && c.TLS.ClientCAFile == "":
			fail("tls.clientCAFile", "is required when clientAuth is %s", c.TLS.ClientAuth)
		}
	}

	enabled := c.Protocols.Enabled()
	if len(enabled) == 0 {
		fail("protocols", "at least one protocol must be enabled")
	}
	if c.Protocols.WebSocket && !c.Protocols.HTTP {
		fail("protocols.websocket", "requires http")
	}

	if c.HTTP.MaxBodySize < 0 {
		fail("http.maxBodySize", "must not be negative")
	}
	for i, m := range c.HTTP.Mounts {
		if !strings.HasPrefix(m.Prefix, "/") {
			fail(fmt.Sprintf("http.mounts[%d].prefix", i), "must start with /")
		}
		if m.Dir == "" {
			fail(fmt.Sprintf("http.mounts[%d].dir", i), "is required")
		}
	}
	if c.WebSocket.MaxMessageSize < 0 {
		fail("websocket.maxMessageSize", "must not be negative")
	}
	if c.WebSocket.MaxSessions < 0 {
		fail("websocket.maxSessions", "must not be negative")
	}
	if !slices.Contains(separators, c.EventBus.Separator) {
		fail("eventbus.separator", "must be / or ., got %q", c.EventBus.Separator)
	}
	if c.GRPC.MaxMessageSize < 0 {
		fail("grpc.maxMessageSize", "must not be negative")
	}

	if a := c.MQTT.Auth; a.Enabled {
		if len(a.Users) == 0 {
			fail("mqtt.auth.users", "at least one user is required when auth is enabled")
		}
		for i, u := range a.Users {
			if u.Username == "" {
				fail(fmt.Sprintf("mqtt.auth.users[%d].username", i), "is required")
			}
			for j, r := range u.ACL {
				if !slices.Contains(aclAccess, r.Access) {
					fail(fmt.Sprintf("mqtt.auth.users[%d].acl[%d].access", i, j), "unknown access %q", r.Access)
				}
			}
		}
	}

	if c.Limits.ConnectionRate < 0 {
		fail("limits.connectionRate", "must not be negative")
	}
	if c.Limits.ConnectionBurst < 0 {
		fail("limits.connectionBurst", "must not be negative")
	}

	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		fail("logging.level", "unknown level %q", c.Logging.Level)
	}
	if !slices.Contains(logFormats, strings.ToLower(c.Logging.Format)) {
		fail("logging.format", "unknown format %q", c.Logging.Format)
	}

	for i, r := range c.Routes {
		p := strings.ToLower(r.Protocol)
		if p == "" {
			p = routes.DefaultProtocol
		}
		if !slices.Contains(enabled, p) {
			fail(fmt.Sprintf("routes[%d].protocol", i), "%q is not an enabled protocol", p)
		}
	}
	if err := routes.Validate(c.Routes); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
