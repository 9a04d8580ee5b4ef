package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/topoface/node-supervisor/client"
	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/status"
)

var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	faintColor = color.New(color.Faint)

	statusColors = map[status.Status]*color.Color{
		status.Off:       color.New(color.FgWhite),
		status.Serving:   color.New(color.FgGreen, color.Bold),
		status.Consuming: color.New(color.FgCyan, color.Bold),
		status.Invalid:   color.New(color.FgRed, color.Bold),
	}
)

func colorStatus(st status.Status) string {
	if c, ok := statusColors[st]; ok {
		return c.Sprint(st)
	}
	return st.String()
}

func printStatus(w io.Writer, st status.Status) {
	fmt.Fprintln(w, colorStatus(st))
}

func printPush(w io.Writer, p protocol.Push) {
	ts := faintColor.Sprint(time.Now().Format("15:04:05"))
	switch p.Type {
	case protocol.PushStatus:
		fmt.Fprintf(w, "%s status %s\n", ts, colorStatus(status.Status(p.Status)))
	case protocol.PushNotification:
		msg := p.Message
		switch notify.Severity(p.Severity) {
		case notify.Error:
			msg = errorColor.Sprint(msg)
		case notify.Warning:
			msg = warnColor.Sprint(msg)
		}
		fmt.Fprintf(w, "%s %-7s %s\n", ts, p.Severity, msg)
	}
}

func printInfo(w io.Writer, info *client.Info) {
	fmt.Fprintf(w, "version      %s\n", info.Version)
	fmt.Fprintf(w, "uptime       %s\n", info.Uptime.Round(time.Second))
	fmt.Fprintf(w, "clients      %d\n", info.ClientCount)
	fmt.Fprintf(w, "subscribers  %d\n", info.Subscribers)
	fmt.Fprintf(w, "status       %s\n", colorStatus(status.Status(info.Status)))
}
