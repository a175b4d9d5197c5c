package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpulse/cartpulse/pkg/publisher"
)

func newPublishCmd() *cobra.Command {
	var (
		id       string
		addr     string
		rate     float64
		duration time.Duration
		burst    int
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run a publisher against a broker ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			p := publisher.New(id, addr, seed, logger)
			if err := p.Connect(ctx); err != nil {
				return err
			}
			defer p.Close()

			if burst > 0 {
				p.Burst(burst, 0)
			} else {
				if duration > 0 {
					var timedCancel context.CancelFunc
					ctx, timedCancel = context.WithTimeout(ctx, duration)
					defer timedCancel()
				}
				if err := p.Run(ctx, rate); err != nil {
					return err
				}
			}

			return json.NewEncoder(os.Stdout).Encode(p.Stats())
		},
	}

	cmd.Flags().StringVar(&id, "id", "publisher1", "publisher id")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5557", "broker publisher ingress address")
	cmd.Flags().Float64Var(&rate, "rate", 10, "events per second")
	cmd.Flags().DurationVar(&duration, "duration", 0, "run duration (0 = until interrupted)")
	cmd.Flags().IntVar(&burst, "burst", 0, "publish a burst of N events and exit")
	cmd.Flags().Int64Var(&seed, "seed", 42, "generator seed")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
