package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"evdetect/internal/config"
	"evdetect/internal/logger"
	"evdetect/internal/session"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"detect", "detect -file <image>     analyze an uploaded JPG/PNG image", runDetect},
	{"capture", "capture                   grab one camera frame and analyze it", runCapture},
	{"stream", "stream                    analyze a camera frame every period until interrupted", runStream},
	{"history", "history [-limit N]        list recent detections (-local reads the journal)", runHistory},
	{"fetch", "fetch -name <file> -o <p> download a processed (annotated) image", runFetch},
	{"video", "video                     video file analysis", runVideo},
	{"notify-test", "notify-test               send a Telegram test message", runNotifyTest},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		usage()
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	// SIGINT and SIGTERM cancel the context so streaming and in-flight
	// requests stop cleanly
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	err := cmd.run(ctx, os.Args[2:])
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, session.ErrModeDisabled):
		fmt.Fprintln(os.Stderr, "Video analysis is coming soon.")
		os.Exit(3)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: evdetect <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %s\n", c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nrun 'evdetect <command> -h' for command flags\n")
}

// commonFlags are accepted by every command and override the environment
type commonFlags struct {
	envFile  string
	apiURL   string
	token    string
	logLevel string
	pretty   bool
	debug    bool
	jsonOut  bool
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.envFile, "env", ".env", "Environment file to load")
	fs.StringVar(&f.apiURL, "api", "", "Detection service base URL (overrides EVDETECT_API_URL)")
	fs.StringVar(&f.token, "token", "", "Bearer token (overrides EVDETECT_TOKEN)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&f.pretty, "pretty", true, "Human readable logs")
	fs.BoolVar(&f.debug, "debug", false, "Log request and response bodies")
	fs.BoolVar(&f.jsonOut, "json", false, "Print results as JSON")
}

// load reads the configuration, applies flag overrides and sets up logging
func (f *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, err
	}
	if f.apiURL != "" {
		cfg.APIURL = f.apiURL
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}

	logger.Setup(cfg.LogLevel, f.pretty)
	return cfg, nil
}
