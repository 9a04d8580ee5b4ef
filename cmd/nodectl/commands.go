package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/topoface/node-supervisor/client"
	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/socket"
	"github.com/topoface/node-supervisor/status"
)

func newIntentCmd(g *globals, name, short string) *cobra.Command {
	target, err := status.Parse(name)
	if err != nil {
		panic(err)
	}
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			conn, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			got, err := conn.Node(ctx, target)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), got)
			if got != target {
				return errors.Errorf("node is %s, not %s; see nodectl watch for details", got, target)
			}
			return nil
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			conn, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			st, err := conn.Status(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream status changes and notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn := client.NewConn(client.WithSocketPath(g.socket))
			if g.autostart {
				var err error
				if conn, err = g.dial(ctx); err != nil {
					return err
				}
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			err := conn.Subscribe(ctx, func(p protocol.Push) { printPush(out, p) })
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newPingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			conn, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PONG")
			return nil
		},
	}
}

func newInfoCmd(g *globals) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show daemon information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			conn, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			info, err := conn.Info(ctx)
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), info)
			if check {
				return client.CheckVersion(ctx, conn, version, false)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check-version", false, "fail when the daemon runs a different version")
	return cmd
}

func newStopDaemonCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-daemon",
		Short: "Tear the node down and stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := g.context(cmd)
			defer cancel()
			if !socket.IsRunning(g.socket) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
				return nil
			}
			if err := client.StopDaemon(ctx, g.socket); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		},
	}
}
