// Package cli implements the portmux command line.
//
// Commands:
//
//	portmux serve     run the server on one port for every enabled protocol
//	portmux validate  check a configuration file
//	portmux routes    list the endpoints a configuration registers
//	portmux config    print the effective configuration
//	portmux version   show build information
//
// Every command reads the configuration named by --config (or
// PORTMUX_CONFIG) and applies PORTMUX_* environment overrides on top.
package cli
