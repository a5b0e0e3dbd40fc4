package cmd

import (
	"context"
	"fmt"
	"strings"

	"deepclaude/internal/config"
)

// Version is set at build time with -ldflags "-X deepclaude/cmd.Version=...".
var Version = "dev"

const usage = `deepclaude relays a reasoning model's thinking into an answering model
behind one OpenAI-compatible endpoint.

Usage:
  deepclaude <command> [flags]

Commands:
  serve    Start the HTTP server
  models   List the deep models defined in a configuration file
  version  Print the version

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "models":
		return listModels(args[1:])
	case "version", "--version":
		fmt.Printf("deepclaude %s\n", Version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

// loadConfig loads the optional dotenv file first so ${VAR} references in the
// YAML can see its values.
func loadConfig(path, envFile string) (config.Config, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}
