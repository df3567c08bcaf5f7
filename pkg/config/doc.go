// Package config loads the server configuration.
//
// A configuration file is optional. Its format follows the extension:
// .yaml and .yml are YAML, .toml is TOML, anything else is JSON. Values
// from the file override DefaultServerConfiguration, and PORTMUX_*
// environment variables override the file:
//
//	PORTMUX_LISTEN=:9000
//	PORTMUX_LOGGING_LEVEL=debug
//	PORTMUX_PROTOCOLS_MQTT=false
//	PORTMUX_TLS_ENABLED=true
//
// Durations are written as Go durations ("250ms", "1m30s") in every
// format. Routes and static mounts are only read from files.
package config
