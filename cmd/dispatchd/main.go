// Command dispatchd runs the instruction dispatch daemon and its CLI tools.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/dispatchd/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Resilient instruction dispatch and execution daemon",
		Long: `dispatchd turns model output into prioritized instruction batches and executes
them: responses, service calls, delegated workers and recurring schedules.

Model calls go through a gateway with per-model circuit breakers, retry with
backoff, a response cache and an ordered fallback chain.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("DISPATCHD_CONFIG", defaultConfigPath),
		"Path to configuration file or directory")

	root.AddCommand(
		newStartCmd(opts),
		newParseCmd(opts),
		newAskCmd(opts),
		newTasksCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// readInput returns args joined by spaces, or stdin when the only arg is "-".
func readInput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	return strings.Join(args, " "), nil
}
