package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/config"
	"github.com/jbesclapez/trackerspotter/internal/logs"
)

var version = "dev"

type cliFlags struct {
	configPath  string
	host        string
	port        int
	debug       bool
	showVersion bool
}

// parseFlags parses command-line flags. Default values are read from
// environment variables:
//   - TRACKERSPOTTER__CONFIG: path to the yaml config file
//   - TRACKERSPOTTER__HOST:   bind address
//   - TRACKERSPOTTER__PORT:   tracker port (must be > 0)
//   - DEBUG: enables debug logging if set
func parseFlags(args []string) cliFlags {
	defaultConfig := os.Getenv("TRACKERSPOTTER__CONFIG")
	defaultHost := os.Getenv("TRACKERSPOTTER__HOST")

	defaultPort := 0
	if p, err := strconv.Atoi(os.Getenv("TRACKERSPOTTER__PORT")); err == nil && p > 0 {
		defaultPort = p
	}

	debugDefault := os.Getenv("DEBUG") != ""

	fs := flag.NewFlagSet("trackerspotter", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "path to yaml config file [env TRACKERSPOTTER__CONFIG]")
	fs.StringVar(configPath, "c", defaultConfig, "alias to -config")

	host := fs.String("host", defaultHost, "bind address, overrides config file [env TRACKERSPOTTER__HOST]")

	port := fs.Int("port", defaultPort, "tracker port, overrides config file [env TRACKERSPOTTER__PORT]")
	fs.IntVar(port, "p", defaultPort, "alias to -port")

	debug := fs.Bool("debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(debug, "d", debugDefault, "alias to -debug")

	showVersion := fs.Bool("version", false, "print version")
	fs.BoolVar(showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nTrackerSpotter: %s\nLocal BitTorrent Tracker Monitor\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	// With ExitOnError, the flag package exits on error
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		host:        *host,
		port:        *port,
		debug:       *debug,
		showVersion: *showVersion,
	}
}

func printBanner(conf *config.Config) {
	fmt.Printf(`
================================================================
                  TrackerSpotter %s
           Local BitTorrent Tracker Monitor
================================================================

  HTTP tracker: http://%s:%d/announce
  UDP tracker:  udp://%s:%d/announce
  Dashboard:    http://%s:%d

  Add either tracker URL to your torrent client to start
  monitoring announces. Press Ctrl+C to stop.
================================================================

`, version, conf.Host, conf.Port, conf.Host, conf.Port, conf.Host, conf.Port)
}

func main() {
	fl := parseFlags(os.Args[1:])

	if fl.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	conf, err := config.Load(fl.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	// Flags win over the config file.
	if fl.host != "" {
		conf.Host = fl.host
	}
	if fl.port != 0 {
		conf.Port = fl.port
	}
	if fl.debug {
		conf.Log.Level = "debug"
	}

	if err := logs.ReplaceLogger(conf.Log); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	printBanner(conf)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := NewServer(conf)
	if err := srv.Run(ctx); err != nil {
		logs.GetLogger().Fatal("server error", zap.Error(err))
	}
}
