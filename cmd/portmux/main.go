// Command portmux serves many protocols on a single port.
package main

import "github.com/getmockd/portmux/pkg/cli"

func main() {
	cli.Execute()
}
