// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Durations are Go duration strings
// ("60s", "1m30s").
type Config struct {
	Node    Node    `yaml:"node"`
	Control Control `yaml:"control"`
	DNS     DNS     `yaml:"dns"`
	Daemon  Daemon  `yaml:"daemon"`
	Log     Log     `yaml:"log"`
}

// Node describes how the node launcher is started and how node processes
// are recognised in the process table.
type Node struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	Env             map[string]string `yaml:"env"`
	Dir             string            `yaml:"dir"`
	ProcessName     string            `yaml:"process_name"`
	CmdlineContains string            `yaml:"cmdline_contains"`
	StartupTimeout  time.Duration     `yaml:"startup_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	GracefulTimeout time.Duration     `yaml:"graceful_timeout"`
	TrackerFile     string            `yaml:"tracker_file"`
}

// Control is the node's UI gateway.
type Control struct {
	URL          string        `yaml:"url"`
	Subprotocol  string        `yaml:"subprotocol"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// DNS configures the redirection utility and the resolver file watched for
// outside changes.
type DNS struct {
	Utility        string        `yaml:"utility"`
	InspectTimeout time.Duration `yaml:"inspect_timeout"`
	ResolverFile   string        `yaml:"resolver_file"`
}

// Daemon configures the UI-facing daemon.
type Daemon struct {
	Socket          string        `yaml:"socket"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	IntentTimeout   time.Duration `yaml:"intent_timeout"`
	MaxClients      int           `yaml:"max_clients"`
}

// Log configures logging. An empty File logs to stderr.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Node: Node{
			Command:         "node-launcher",
			ProcessName:     "node",
			StartupTimeout:  60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			GracefulTimeout: 5 * time.Second,
		},
		Control: Control{
			URL:          "ws://127.0.0.1:5333",
			PollInterval: 500 * time.Millisecond,
			DialTimeout:  2 * time.Second,
		},
		DNS: DNS{
			Utility:        "dns-utility",
			InspectTimeout: 2 * time.Second,
			ResolverFile:   "/etc/resolv.conf",
		},
		Daemon: Daemon{
			RefreshInterval: 5 * time.Second,
			IntentTimeout:   2 * time.Minute,
			MaxClients:      64,
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	switch {
	case c.Node.Command == "":
		return errors.New("node.command is required")
	case c.Node.ProcessName == "":
		return errors.New("node.process_name is required")
	case c.Node.StartupTimeout <= 0:
		return errors.New("node.startup_timeout must be positive")
	case c.Node.ShutdownTimeout <= 0:
		return errors.New("node.shutdown_timeout must be positive")
	case c.Node.GracefulTimeout < 0:
		return errors.New("node.graceful_timeout must not be negative")
	case c.DNS.Utility == "":
		return errors.New("dns.utility is required")
	case c.Daemon.RefreshInterval < 0:
		return errors.New("daemon.refresh_interval must not be negative")
	case c.Daemon.MaxClients < 0:
		return errors.New("daemon.max_clients must not be negative")
	}

	u, err := url.Parse(c.Control.URL)
	if err != nil {
		return errors.Wrap(err, "control.url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("control.url must be ws:// or wss://, got %q", c.Control.URL)
	}
	if u.Host == "" {
		return errors.Errorf("control.url has no host: %q", c.Control.URL)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// LaunchEnv flattens Node.Env into sorted KEY=VALUE pairs.
func (n Node) LaunchEnv() []string {
	env := make([]string, 0, len(n.Env))
	for k, v := range n.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
