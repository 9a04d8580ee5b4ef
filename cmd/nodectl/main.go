// Command nodectl controls the node through the nodesupd daemon.
//
// Usage:
//
//	nodectl status
//	nodectl serving
//	nodectl consuming --autostart
//	nodectl watch
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		os.Exit(1)
	}
}
