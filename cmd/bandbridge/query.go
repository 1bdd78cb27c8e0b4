package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cyberinferno/bandbridge/bandclient"
	"github.com/spf13/cobra"
)

type queryOptions struct {
	addr    string
	timeout time.Duration
}

func newQueryCmd() *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Sends one request to a running bridge and prints the answer as JSON.",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:2055", "bridge address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "time limit for the whole request")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Lists active sessions.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runQuery(cmd, opts, func(ctx context.Context, c *bandclient.Client) (any, error) {
					return c.ListSessions(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "data <session>",
			Short: "Prints the live averages of a session.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQuery(cmd, opts, func(ctx context.Context, c *bandclient.Client) (any, error) {
					return c.GetData(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "calibrate <session>",
			Short: "Calibrates a session and prints the reference readings.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQuery(cmd, opts, func(ctx context.Context, c *bandclient.Client) (any, error) {
					return c.Calibrate(ctx, args[0])
				})
			},
		},
	)

	return cmd
}

func runQuery(cmd *cobra.Command, opts *queryOptions, do func(context.Context, *bandclient.Client) (any, error)) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	log, err := newLogger(settings)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	cfg := bandclient.DefaultConfig(opts.addr)
	cfg.ReadTimeout = opts.timeout
	cfg.MaxFrameSize = settings.MaxFrameSize

	result, err := do(ctx, bandclient.NewClient(cfg, log))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
