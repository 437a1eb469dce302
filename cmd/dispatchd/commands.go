package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/dispatchd/internal/config"
	"github.com/mattjoyce/dispatchd/internal/instruction"
	"github.com/mattjoyce/dispatchd/internal/log"
)

func newParseCmd(opts *rootOptions) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "parse <text|->",
		Short: "Parse model output into instructions and print them as JSON",
		Long: `Parse extracts the instruction batch from raw model output. Pass "-" to read
from stdin. With --run the batch is executed locally against the configured
workers and memory store.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if !run {
				return writeJSON(cmd.OutOrStdout(), instruction.ParseWithPreamble(raw))
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := buildLocalApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return writeJSON(cmd.OutOrStdout(), a.engine.Dispatch(cmd.Context(), raw))
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "Execute the parsed batch locally")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask <prompt|->",
		Short: "Send a prompt through the model gateway and execute the reply",
		Long: `Ask runs one prompt through the gateway fallback chain, parses the reply and
executes it locally. Schedules created by a one-shot ask end with the process;
use the daemon's POST /v1/ask for recurring tasks.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("prompt is empty")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := buildLocalApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.Ask(ctx, prompt)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall deadline for the model call and batch")
	return cmd
}

// buildLocalApp wires the app for one-shot commands, logging to w.
func buildLocalApp(ctx context.Context, cfg *config.Config, w io.Writer) (*app, error) {
	log.SetupWithFormat(cfg.Service.LogLevel, "text", w)
	return buildApp(ctx, cfg, log.WithComponent("cli"))
}

type tasksOptions struct {
	addr  string
	token string
}

func newTasksCmd(opts *rootOptions) *cobra.Command {
	topts := &tasksOptions{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recurring tasks on a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return topts.call(cmd, opts, http.MethodGet, "/v1/tasks")
		},
	}
	cmd.PersistentFlags().StringVar(&topts.addr, "addr", "", "Daemon API address (default: api.listen from config)")
	cmd.PersistentFlags().StringVar(&topts.token, "token", os.Getenv("DISPATCHD_TOKEN"), "Bearer token (default: api.auth.api_key from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop a recurring task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return topts.call(cmd, opts, http.MethodDelete, "/v1/tasks/"+args[0])
		},
	})
	return cmd
}

func (t *tasksOptions) call(cmd *cobra.Command, opts *rootOptions, method, path string) error {
	addr, token := t.addr, t.token
	if addr == "" || token == "" {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		if addr == "" {
			addr = cfg.API.Listen
		}
		if token == "" {
			token = cfg.API.Auth.APIKey
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(addr, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
