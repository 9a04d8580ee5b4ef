// Command nodesupd supervises the local node process and serves the UI
// daemon socket.
//
// Usage:
//
//	# Start with built-in defaults
//	nodesupd
//
//	# Start with a configuration file and a custom socket
//	nodesupd --config /etc/nodesupd.yaml --socket /tmp/nodesupd.sock
//
//	# Expose Prometheus metrics
//	nodesupd --metrics-addr 127.0.0.1:9464
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
