package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/routes"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := DefaultServerConfiguration()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":7700", cfg.Listen)
	assert.Equal(t, []string{"http", "websocket", "eventbus", "binary", "mqtt", "grpc"}, cfg.Protocols.Enabled())
	assert.False(t, cfg.TLS.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Detection.Timeout.D())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "portmux.yaml", `
listen: 127.0.0.1:9000
shutdownTimeout: 3s
detection:
  windowCap: 1024
  timeout: 250ms
protocols:
  http: true
  websocket: false
  eventbus: true
  binary: false
  mqtt: true
  grpc: false
mqtt:
  auth:
    enabled: true
    users:
      - username: sensor
        password: secret
        acl:
          - topic: devices/#
            access: write
routes:
  - name: health
    pattern: /ping
    group: GET
    response:
      body: pong
  - protocol: mqtt
    pattern: devices/{id}/state
    response:
      json: {ok: true}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout.D())
	assert.Equal(t, 1024, cfg.Detection.WindowCap)
	assert.Equal(t, 250*time.Millisecond, cfg.Detection.Timeout.D())
	assert.Equal(t, []string{"http", "eventbus", "mqtt"}, cfg.Protocols.Enabled())
	require.Len(t, cfg.MQTT.Auth.Users, 1)
	assert.Equal(t, "devices/#", cfg.MQTT.Auth.Users[0].ACL[0].Topic)
	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, "pong", cfg.Routes[0].Response.Body)
	assert.Equal(t, "json", cfg.Routes[1].Response.Kind())

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/", cfg.EventBus.Separator)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "portmux.toml", `
listen = ":7000"

[logging]
level = "debug"
format = "json"

[tls]
enabled = true
autoGenerateCert = true
hosts = ["example.test"]

[[routes]]
pattern = "/users/{id}"
group = "GET"

[routes.response]
echo = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.TLS.AutoGenerateCert)
	assert.Equal(t, []string{"example.test"}, cfg.TLSOptions().Hosts)
	require.Len(t, cfg.Routes, 1)
	assert.True(t, cfg.Routes[0].Response.Echo)

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "portmux.json", `{"listen": ":7100", "http": {"title": "devices", "mounts": [{"prefix": "/static", "dir": "."}]}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "devices", cfg.HTTP.Title)
	assert.Equal(t, []MountConfig{{Prefix: "/static", Dir: "."}}, cfg.HTTP.Mounts)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := Load(writeFile(t, "empty.yaml", "  \n"))
		assert.ErrorIs(t, err, ErrEmptyFile)
	})

	t.Run("unknown field", func(t *testing.T) {
		for name, content := range map[string]string{
			"bad.yaml": "listne: :80\n",
			"bad.json": `{"listne": ":80"}`,
			"bad.toml": "listne = \":80\"\n",
		} {
			_, err := Load(writeFile(t, name, content))
			assert.ErrorIs(t, err, ErrInvalidFormat, name)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeFile(t, "d.yaml", "shutdownTimeout: soon\n"))
		assert.ErrorIs(t, err, ErrInvalidFormat)
	})
}

func TestLoad_Environment(t *testing.T) {
	path := writeFile(t, "portmux.yaml", "listen: :8000\n")
	t.Setenv("PORTMUX_LISTEN", ":8100")
	t.Setenv("PORTMUX_PROTOCOLS_MQTT", "false")
	t.Setenv("PORTMUX_DETECTION_TIMEOUT", "2s")
	t.Setenv("PORTMUX_WEBSOCKET_SUBPROTOCOLS", "chat,json")
	t.Setenv("PORTMUX_DISPATCH_STRICT_NUMERIC", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8100", cfg.Listen)
	assert.False(t, cfg.Protocols.MQTT)
	assert.Equal(t, 2*time.Second, cfg.Detection.Timeout.D())
	assert.Equal(t, []string{"chat", "json"}, cfg.WebSocket.Subprotocols)
	assert.True(t, cfg.Dispatch.StrictNumeric)
}

func TestValidate(t *testing.T) {
	cfg := DefaultServerConfiguration()
	cfg.Listen = "nowhere"
	cfg.Detection.WindowCap = 4
	cfg.TLS.Enabled = true
	cfg.TLS.ClientAuth = "require-and-verify"
	cfg.Protocols.HTTP = false
	cfg.EventBus.Separator = ":"
	cfg.Logging.Level = "loud"
	cfg.MQTT.Auth.Enabled = true
	cfg.Routes = []routes.Route{{Pattern: "/x"}, {Protocol: "mqtt"}}
	cfg.Limits.ConnectionRate = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, field := range []string{
		"listen",
		"detection.windowCap",
		"tls",
		"tls.clientCAFile",
		"protocols.websocket",
		"eventbus.separator",
		"logging.level",
		"mqtt.auth.users",
		"routes[0].protocol",
		"limits.connectionRate",
	} {
		assert.Contains(t, err.Error(), "validation error on "+field+":", field)
	}
	assert.Contains(t, err.Error(), "routes[1].pattern: is required")

	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestEncode_RoundTrip(t *testing.T) {
	cfg := DefaultServerConfiguration()
	cfg.Routes = []routes.Route{{Pattern: "/ping", Response: routes.Response{Body: "pong"}}}

	for _, format := range []Format{FormatYAML, FormatTOML, FormatJSON} {
		data, err := Encode(cfg, format)
		require.NoError(t, err, format)

		got := DefaultServerConfiguration()
		require.NoError(t, Decode(data, format, got), format)
		assert.Equal(t, cfg.Listen, got.Listen, format)
		assert.Equal(t, cfg.ShutdownTimeout, got.ShutdownTimeout, format)
		assert.Equal(t, cfg.Routes, got.Routes, format)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultServerConfiguration()
	_, ok := cfg.RateLimit()
	assert.False(t, ok, "unlimited by default")

	cfg.Limits = LimitsConfig{ConnectionRate: 5, ConnectionBurst: 20}
	rl, ok := cfg.RateLimit()
	require.True(t, ok)
	assert.Equal(t, 5.0, rl.Rate)
	assert.Equal(t, 20, rl.Burst)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatOf("a.yml"))
	assert.Equal(t, FormatYAML, FormatOf("a.YAML"))
	assert.Equal(t, FormatTOML, FormatOf("a.toml"))
	assert.Equal(t, FormatJSON, FormatOf("a.json"))
	assert.Equal(t, FormatJSON, FormatOf("a"))
}
