package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpulse/cartpulse/pkg/broker"
	"github.com/cartpulse/cartpulse/pkg/config"
	"github.com/cartpulse/cartpulse/pkg/publisher"
	"github.com/cartpulse/cartpulse/pkg/subscriber"
)

// bench runs a self-contained load test: one in-process broker, one
// publisher, one subscriber with a shaped subscription mix, for a fixed
// duration, then prints all three stats records.
func newBenchCmd() *cobra.Command {
	var (
		eventsPerSec  float64
		duration      time.Duration
		subscriptions int
		equalityRatio float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a fixed-duration local load test",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg := config.Default()
			cfg.Broker.BrokerID = "bench-broker"
			cfg.Broker.PublisherPort = 0
			cfg.Broker.SubscriberPort = 0
			cfg.Broker.ManagementPort = 0
			cfg.Broker.PeerPort = 0

			b, err := broker.New(cfg.Broker, logger)
			if err != nil {
				return err
			}
			if err := b.Start(); err != nil {
				return err
			}
			defer b.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), duration)
			defer cancel()

			sub, err := subscriber.New("bench-subscriber", []subscriber.BrokerAddrs{{
				Egress:     b.SubscriberAddr(),
				Management: b.ManagementAddr(),
			}}, 42, logger)
			if err != nil {
				return err
			}
			sub.Start(ctx)
			time.Sleep(200 * time.Millisecond)
			if err := sub.SubscribeWithEqualityRatio(subscriptions, equalityRatio); err != nil {
				return err
			}

			pub := publisher.New("bench-publisher", b.PublisherAddr(), 42, logger)
			if err := pub.Connect(ctx); err != nil {
				return err
			}
			defer pub.Close()

			if err := pub.Run(ctx, eventsPerSec); err != nil {
				return err
			}
			time.Sleep(500 * time.Millisecond) // let in-flight notifications land

			enc := json.NewEncoder(os.Stdout)
			enc.Encode(b.Stats())
			enc.Encode(pub.Stats())
			enc.Encode(sub.Stats())
			return nil
		},
	}

	cmd.Flags().Float64Var(&eventsPerSec, "rate", 1000, "events per second")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "benchmark duration")
	cmd.Flags().IntVar(&subscriptions, "subscriptions", 1000, "number of generated subscriptions")
	cmd.Flags().Float64Var(&equalityRatio, "equality-ratio", 0.8, "fraction of equality operators")
	return cmd
}
