package config

import (
	"fmt"
	"time"

	"github.com/getmockd/portmux/pkg/mqtt"
	"github.com/getmockd/portmux/pkg/routes"
)

// Duration is a time.Duration read from and written as a duration string.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// ServerConfiguration is the complete server configuration.
type ServerConfiguration struct {
	// Listen is the address of the shared listener.
	Listen string `json:"listen" yaml:"listen" toml:"listen" envconfig:"LISTEN"`

	// ShutdownTimeout bounds a graceful stop.
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty" toml:"shutdownTimeout,omitempty" envconfig:"SHUTDOWN_TIMEOUT"`

	// MaxSwaps limits how often a connection may change codecs.
	MaxSwaps int `json:"maxSwaps,omitempty" yaml:"maxSwaps,omitempty" toml:"maxSwaps,omitempty" envconfig:"MAX_SWAPS"`

	Detection DetectionConfig `json:"detection" yaml:"detection" toml:"detection" envconfig:"DETECTION"`
	TLS       TLSConfig       `json:"tls" yaml:"tls" toml:"tls" envconfig:"TLS"`
	Protocols ProtocolsConfig `json:"protocols" yaml:"protocols" toml:"protocols" envconfig:"PROTOCOLS"`
	HTTP      HTTPConfig      `json:"http" yaml:"http" toml:"http" envconfig:"HTTP"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket" toml:"websocket" envconfig:"WEBSOCKET"`
	EventBus  EventBusConfig  `json:"eventbus" yaml:"eventbus" toml:"eventbus" envconfig:"EVENTBUS"`
	Binary    BinaryConfig    `json:"binary" yaml:"binary" toml:"binary" envconfig:"BINARY"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt" toml:"mqtt" envconfig:"MQTT"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc" toml:"grpc" envconfig:"GRPC"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging" envconfig:"LOGGING"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch" toml:"dispatch" envconfig:"DISPATCH"`
	Limits    LimitsConfig    `json:"limits" yaml:"limits" toml:"limits" envconfig:"LIMITS"`

	// Routes are served without code by the façade each names.
	Routes []routes.Route `json:"routes,omitempty" yaml:"routes,omitempty" toml:"routes,omitempty" ignored:"true"`
}

// DetectionConfig bounds connection classification.
type DetectionConfig struct {
	// WindowCap is the most bytes read before a connection is rejected.
	WindowCap int `json:"windowCap,omitempty" yaml:"windowCap,omitempty" toml:"windowCap,omitempty" envconfig:"WINDOW_CAP"`

	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" envconfig:"TIMEOUT"`
}

// TLSConfig enables TLS on the shared port. Plaintext connections are still
// accepted next to TLS ones.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled" envconfig:"ENABLED"`
	CertFile string `json:"certFile,omitempty" yaml:"certFile,omitempty" toml:"certFile,omitempty" envconfig:"CERT_FILE"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"keyFile,omitempty" toml:"keyFile,omitempty" envconfig:"KEY_FILE"`

	// AutoGenerateCert creates a self-signed certificate.
	AutoGenerateCert bool `json:"autoGenerateCert,omitempty" yaml:"autoGenerateCert,omitempty" toml:"autoGenerateCert,omitempty" envconfig:"AUTO_GENERATE_CERT"`

	// Hosts are the names of a generated certificate.
	Hosts []string `json:"hosts,omitempty" yaml:"hosts,omitempty" toml:"hosts,omitempty" envconfig:"HOSTS"`

	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty" yaml:"handshakeTimeout,omitempty" toml:"handshakeTimeout,omitempty" envconfig:"HANDSHAKE_TIMEOUT"`

	// ClientAuth is the client certificate policy: none, request, require,
	// verify-if-given or require-and-verify.
	ClientAuth string `json:"clientAuth,omitempty" yaml:"clientAuth,omitempty" toml:"clientAuth,omitempty" envconfig:"CLIENT_AUTH"`

	// ClientCAFile holds the CAs client certificates are verified with.
	ClientCAFile string `json:"clientCAFile,omitempty" yaml:"clientCAFile,omitempty" toml:"clientCAFile,omitempty" envconfig:"CLIENT_CA_FILE"`
}

// ProtocolsConfig toggles the façades.
type ProtocolsConfig struct {
	HTTP      bool `json:"http" yaml:"http" toml:"http" envconfig:"HTTP"`
	WebSocket bool `json:"websocket" yaml:"websocket" toml:"websocket" envconfig:"WEBSOCKET"`
	EventBus  bool `json:"eventbus" yaml:"eventbus" toml:"eventbus" envconfig:"EVENTBUS"`
	Binary    bool `json:"binary" yaml:"binary" toml:"binary" envconfig:"BINARY"`
	MQTT      bool `json:"mqtt" yaml:"mqtt" toml:"mqtt" envconfig:"MQTT"`
	GRPC      bool `json:"grpc" yaml:"grpc" toml:"grpc" envconfig:"GRPC"`
}

// Enabled lists the enabled façade names.
func (p ProtocolsConfig) Enabled() []string {
	var out []string
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"http", p.HTTP},
		{"websocket", p.WebSocket},
		{"eventbus", p.EventBus},
		{"binary", p.Binary},
		{"mqtt", p.MQTT},
		{"grpc", p.GRPC},
	} {
		if e.on {
			out = append(out, e.name)
		}
	}
	return out
}

// HTTPConfig configures the HTTP façade.
type HTTPConfig struct {
	MaxBodySize       int64    `json:"maxBodySize,omitempty" yaml:"maxBodySize,omitempty" toml:"maxBodySize,omitempty" envconfig:"MAX_BODY_SIZE"`
	ReadHeaderTimeout Duration `json:"readHeaderTimeout,omitempty" yaml:"readHeaderTimeout,omitempty" toml:"readHeaderTimeout,omitempty" envconfig:"READ_HEADER_TIMEOUT"`
	IdleTimeout       Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty" toml:"idleTimeout,omitempty" envconfig:"IDLE_TIMEOUT"`

	// Title names the server in the OpenAPI document.
	Title string `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty" envconfig:"TITLE"`

	// Views is a glob of html/template files rendered for View replies.
	Views string `json:"views,omitempty" yaml:"views,omitempty" toml:"views,omitempty" envconfig:"VIEWS"`

	// Mounts serve directories under URL prefixes.
	Mounts []MountConfig `json:"mounts,omitempty" yaml:"mounts,omitempty" toml:"mounts,omitempty" ignored:"true"`
}

// MountConfig serves Dir under Prefix.
type MountConfig struct {
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Dir    string `json:"dir" yaml:"dir" toml:"dir"`
}

// WebSocketConfig configures the WebSocket façade.
type WebSocketConfig struct {
	MaxMessageSize int64    `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty" toml:"maxMessageSize,omitempty" envconfig:"MAX_MESSAGE_SIZE"`
	MaxSessions    int      `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty" toml:"maxSessions,omitempty" envconfig:"MAX_SESSIONS"`
	Subprotocols   []string `json:"subprotocols,omitempty" yaml:"subprotocols,omitempty" toml:"subprotocols,omitempty" envconfig:"SUBPROTOCOLS"`
	OriginPatterns []string `json:"originPatterns,omitempty" yaml:"originPatterns,omitempty" toml:"originPatterns,omitempty" envconfig:"ORIGIN_PATTERNS"`
	WriteTimeout   Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty" toml:"writeTimeout,omitempty" envconfig:"WRITE_TIMEOUT"`
}

// EventBusConfig configures the local event bus.
type EventBusConfig struct {
	// Separator splits topics into segments, "/" or ".".
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty" toml:"separator,omitempty" envconfig:"SEPARATOR"`
}

// BinaryConfig configures the binary framed protocol.
type BinaryConfig struct {
	// Secret verifies HS256 frame tokens. Empty disables authentication.
	Secret          string   `json:"secret,omitempty" yaml:"secret,omitempty" toml:"secret,omitempty" envconfig:"SECRET"`
	MaxPayloadBytes uint64   `json:"maxPayloadBytes,omitempty" yaml:"maxPayloadBytes,omitempty" toml:"maxPayloadBytes,omitempty" envconfig:"MAX_PAYLOAD_BYTES"`
	IdleTimeout     Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty" toml:"idleTimeout,omitempty" envconfig:"IDLE_TIMEOUT"`
}

// MQTTConfig configures the MQTT façade.
type MQTTConfig struct {
	Auth mqtt.AuthConfig `json:"auth" yaml:"auth" toml:"auth" envconfig:"AUTH"`
}

// GRPCConfig configures the gRPC façade.
type GRPCConfig struct {
	Reflection     bool `json:"reflection,omitempty" yaml:"reflection,omitempty" toml:"reflection,omitempty" envconfig:"REFLECTION"`
	MaxMessageSize int  `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty" toml:"maxMessageSize,omitempty" envconfig:"MAX_MESSAGE_SIZE"`
}

// LoggingConfig configures the operational log.
type LoggingConfig struct {
	Level     string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty" envconfig:"LEVEL"`
	Format    string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty" envconfig:"FORMAT"`
	AddSource bool   `json:"addSource,omitempty" yaml:"addSource,omitempty" toml:"addSource,omitempty" envconfig:"ADD_SOURCE"`
}

// DispatchConfig configures argument injection.
type DispatchConfig struct {
	// StrictNumeric records failed numeric coercions of primitive
	// parameters as validation failures.
	StrictNumeric bool `json:"strictNumeric,omitempty" yaml:"strictNumeric,omitempty" toml:"strictNumeric,omitempty" envconfig:"STRICT_NUMERIC"`
}

// LimitsConfig configures connection admission per client IP.
type LimitsConfig struct {
	// ConnectionRate is the sustained number of new connections per second
	// accepted from one IP. Zero disables the limit.
	ConnectionRate float64 `json:"connectionRate,omitempty" yaml:"connectionRate,omitempty" toml:"connectionRate,omitempty" envconfig:"CONNECTION_RATE"`
	// ConnectionBurst defaults to twice the rate.
	ConnectionBurst int `json:"connectionBurst,omitempty" yaml:"connectionBurst,omitempty" toml:"connectionBurst,omitempty" envconfig:"CONNECTION_BURST"`
}

// DefaultServerConfiguration returns the defaults: every façade on, TLS off,
// listening on :7700.
func DefaultServerConfiguration() *ServerConfiguration {
	return &ServerConfiguration{
		Listen:          ":7700",
		ShutdownTimeout: Duration(10 * time.Second),
		MaxSwaps:        2,
		Detection: DetectionConfig{
			WindowCap: 4096,
			Timeout:   Duration(5 * time.Second),
		},
		TLS: TLSConfig{
			HandshakeTimeout: Duration(10 * time.Second),
			ClientAuth:       "none",
		},
		Protocols: ProtocolsConfig{
			HTTP:      true,
			WebSocket: true,
			EventBus:  true,
			Binary:    true,
			MQTT:      true,
			GRPC:      true,
		},
		HTTP: HTTPConfig{
			MaxBodySize:       10 << 20,
			ReadHeaderTimeout: Duration(10 * time.Second),
			IdleTimeout:       Duration(2 * time.Minute),
			Title:             "portmux",
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 1 << 20,
			WriteTimeout:   Duration(10 * time.Second),
		},
		EventBus: EventBusConfig{Separator: "/"},
		Binary: BinaryConfig{
			MaxPayloadBytes: 8 << 20,
		},
		GRPC: GRPCConfig{
			MaxMessageSize: 4 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
