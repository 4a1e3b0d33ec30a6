// dpifd keeps an Open vSwitch kernel datapath open, attaches its
// configured ports and records the upcalls it sends to userspace.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/ovsdp/pkg/config"
	"github.com/psaab/ovsdp/pkg/daemon"
	"github.com/psaab/ovsdp/pkg/logging"
)

func main() {
	configFile := flag.String("config", "", "configuration file path (YAML, TOML or JSON)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(config.New(), *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpifd: %v\n", err)
		os.Exit(1)
	}

	h, err := newLogHandler(cfg.Log, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dpifd: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()
	slog.SetDefault(slog.New(h))

	d := daemon.New(daemon.Options{Config: cfg})
	if err := d.Run(context.Background()); err != nil {
		slog.Error("dpifd exiting", "err", err)
		h.Close()
		os.Exit(1)
	}
}

func newLogHandler(lc config.LogConfig, debug bool) (*logging.SyslogHandler, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.Format == "json" {
		base = slog.NewJSONHandler(os.Stderr, opts)
	}

	var clients []*logging.SyslogClient
	for _, sc := range lc.Syslog {
		c, err := logging.DialSyslog(sc.Addr, "dpifd")
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, err
		}
		c.MinSeverity = logging.ParseSeverity(sc.Severity)
		clients = append(clients, c)
	}
	return logging.NewSyslogHandler(base, clients...), nil
}
