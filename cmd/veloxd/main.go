// veloxd is the velox dataplane daemon.
//
// It runs the per-core fast path engine against a configured packet
// source and exposes an HTTP observability API, NetFlow export, and an
// optional interactive diagnostic shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/veloxsec/velox/pkg/daemon"
)

func main() {
	configFile := flag.String("config", "/etc/velox/velox.hcl", "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config)")
	interactive := flag.Bool("shell", false, "run the interactive diagnostic shell")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := *configFile
	if _, err := os.Stat(cfgPath); err != nil && !flagWasSet("config") {
		// The default path is optional; an explicitly given one is not.
		cfgPath = ""
	}

	d := daemon.New(daemon.Options{
		ConfigFile:  cfgPath,
		APIAddr:     *apiAddr,
		Interactive: *interactive,
	})
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "veloxd: %v\n", err)
		os.Exit(1)
	}
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
