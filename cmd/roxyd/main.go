package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/roxyproxy/roxy/internal/daemon"
)

var appVersion = "dev"

func main() {
	var (
		showVersion bool
		foreground  bool
		configPath  string
		verbose     string
		home        string
	)

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&foreground, "foreground", false, "run in the foreground instead of daemonizing")
	flag.StringVar(&configPath, "config", "", "override <home>/config.toml")
	flag.StringVar(&verbose, "verbose", "", "log level: error, warn, info, debug")
	flag.StringVar(&home, "home", "", "override ROXY_HOME")
	flag.Parse()

	if showVersion {
		fmt.Printf("roxyd %s\n", appVersion)
		os.Exit(0)
	}

	err := daemon.Run(daemon.Options{
		Home:       home,
		ConfigPath: configPath,
		Foreground: foreground,
		Verbose:    verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "roxyd: %v\n", err)
		var exitErr *daemon.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
