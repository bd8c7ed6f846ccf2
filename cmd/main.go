// Command lmstudio-gateway runs the OpenAI-compatible relay in front of a
// local LM Studio (or any OpenAI-compatible) server.
package main

import (
	"fmt"
	"os"

	"github.com/lmgate/lmstudio-gateway/internal/config"
)

func main() {
	args := os.Args[1:]

	cmd := "serve"
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			args = args[1:]
		case "version", "--version", "-v":
			cmd = "version"
		case "help", "-h", "--help":
			cmd = "help"
		}
	}

	switch cmd {
	case "version":
		fmt.Printf("lmstudio-gateway %s\n", config.Version)
	case "help":
		printHelp()
	default:
		os.Exit(runServeCommand(args))
	}
}

func printHelp() {
	fmt.Println("OpenAI-compatible gateway for LM Studio")
	fmt.Println()
	fmt.Println("Usage: lmstudio-gateway [serve] [OPTIONS]")
	fmt.Println("       lmstudio-gateway version")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config FILE    YAML config file (optional)")
	fmt.Println("  -p, --port PORT      Listen port (default: 8000, env GATEWAY_PORT)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println("  -h, --help           Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  LMSTUDIO_API_BASE          Upstream base URL (default: http://localhost:1234/v1)")
	fmt.Println("  LMSTUDIO_API_KEY           Bearer token sent upstream (optional)")
	fmt.Println("  LMSTUDIO_PROXY_MODEL_NAME  Model name used in defaults (default: lmstudio-proxy)")
	fmt.Println("  PROXY_TIMEOUT              Upstream timeout, seconds or duration (default: 300)")
	fmt.Println("  LOG_LEVEL, LOG_FORMAT      Logging level and format (auto, json, console)")
	fmt.Println()
	fmt.Println("Variables are also read from .env and .env.local in the working directory.")
}
