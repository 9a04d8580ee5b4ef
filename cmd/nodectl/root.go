package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/topoface/node-supervisor/client"
	"github.com/topoface/node-supervisor/socket"
)

type globals struct {
	socket    string
	autostart bool
	timeout   time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "nodectl",
		Short:         "Control the local node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.socket, "socket", socket.DefaultSocketPath(socket.DefaultName), "daemon socket path")
	root.PersistentFlags().BoolVar(&g.autostart, "autostart", false, "start nodesupd if it is not running")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 3*time.Minute, "request timeout")

	root.AddCommand(
		newIntentCmd(g, "off", "Stop the node and restore DNS"),
		newIntentCmd(g, "serving", "Run the node without redirecting DNS"),
		newIntentCmd(g, "consuming", "Run the node and redirect DNS through it"),
		newStatusCmd(g),
		newWatchCmd(g),
		newPingCmd(g),
		newInfoCmd(g),
		newStopDaemonCmd(g),
	)
	return root
}

// dial returns a connection to the daemon, starting it when --autostart is
// set.
func (g *globals) dial(ctx context.Context) (*client.Conn, error) {
	if g.autostart {
		return client.EnsureDaemonRunning(ctx, client.DefaultAutoStartConfig(g.socket))
	}
	conn := client.NewConn(client.WithSocketPath(g.socket))
	if err := conn.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (g *globals) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}
