package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"deepclaude/internal/router"
)

func listModels(args []string) error {
	fs := pflag.NewFlagSet("models", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfigPath, "path to YAML configuration file")
	envFile := fs.String("env-file", "", "dotenv file loaded before the configuration")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:\n  deepclaude models [--config <path>] [--env-file <path>]\n\nFlags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	cfg, err := loadConfig(*cfgPath, *envFile)
	if err != nil {
		return err
	}

	rt := router.New(cfg)
	for _, name := range rt.ModelNames() {
		pair, err := rt.Resolve(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s reason=%s/%s answer=%s/%s\n",
			name,
			pair.Reason.Provider, pair.Reason.ModelID,
			pair.Answer.Provider, pair.Answer.ModelID,
		)
	}
	return nil
}
