// cmd/bookshare/chaos.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bookshare/internal/chaos"
	"bookshare/internal/config"
)

func newChaosCmd(g *globals) *cobra.Command {
	var (
		target   string
		opts     chaos.Options
		pause    time.Duration
		retryFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run resilience experiments against a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath, os.Getenv)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			engine := chaos.NewEngine(logger)
			experiments := chaos.Experiments(chaos.Target{
				BaseURL:  target,
				HTTP:     &http.Client{Timeout: 30 * time.Second},
				RetryFor: retryFor,
			}, opts)

			held := true
			for i, exp := range experiments {
				if i > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(pause):
					}
				}
				logger.Info("running experiment", "experiment", exp.Name, "hypothesis", exp.Hypothesis)
				res, err := engine.Run(cmd.Context(), exp)
				if err != nil {
					logger.Error("experiment did not start", "experiment", exp.Name, "error", err)
					held = false
					continue
				}
				held = held && res.HypothesisHeld
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(engine.Results()); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
			if !held {
				return errors.New("at least one hypothesis did not hold")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "http://localhost:8080", "server root URL")
	cmd.Flags().IntVar(&opts.Borrowers, "borrowers", 10, "concurrent borrowers in the request race")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 5*time.Second, "observation window per experiment")
	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Second, "probe sampling interval")
	cmd.Flags().DurationVar(&pause, "pause", 2*time.Second, "wait between experiments")
	cmd.Flags().DurationVar(&retryFor, "retry-for", 2*time.Minute, "how long to retry calls rejected with 429")
	return cmd
}
