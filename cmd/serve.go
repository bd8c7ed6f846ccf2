package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/lmgate/lmstudio-gateway/internal/config"
	"github.com/lmgate/lmstudio-gateway/internal/gateway"
	"github.com/lmgate/lmstudio-gateway/internal/utils"
)

// serveOptions holds the parsed serve flags.
type serveOptions struct {
	configPath string
	port       int
	debug      bool
	help       bool
}

// parseServeArgs parses serve flags. Unknown options are an error.
func parseServeArgs(args []string) (serveOptions, error) {
	var opts serveOptions

	i := 0
	for i < len(args) {
		switch args[i] {
		case "-h", "--help":
			opts.help = true
			i++
		case "-c", "--config":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			opts.configPath = args[i+1]
			i += 2
		case "-d", "--debug":
			opts.debug = true
			i++
		case "-p", "--port":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			port, err := strconv.Atoi(args[i+1])
			if err != nil || port <= 0 || port > 65535 {
				return opts, fmt.Errorf("invalid port '%s'", args[i+1])
			}
			opts.port = port
			i += 2
		default:
			if strings.HasPrefix(args[i], "-") {
				return opts, fmt.Errorf("unknown option: %s", args[i])
			}
			return opts, fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	return opts, nil
}

// runServeCommand starts the gateway and blocks until SIGINT/SIGTERM.
// It returns the process exit code.
func runServeCommand(args []string) int {
	opts, err := parseServeArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if opts.help {
		printHelp()
		return 0
	}

	loadEnvFiles()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	setupLogging(cfg.Logging, os.Stderr)

	log.Info().
		Str("version", config.Version).
		Int("port", cfg.Server.Port).
		Str("upstream", cfg.Upstream.BaseURL).
		Str("model", cfg.Upstream.Model).
		Str("api_key", utils.MaskKey(cfg.Upstream.APIKey)).
		Dur("timeout", cfg.Upstream.Timeout).
		Dur("models_timeout", cfg.Upstream.ModelsTimeout).
		Bool("metrics", cfg.Monitoring.MetricsEnabled).
		Msg("gateway_init")

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize gateway")
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("gateway stopped")
			return 1
		}
		return 0
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
		return 1
	}
	log.Info().Msg("gateway stopped")
	return 0
}
