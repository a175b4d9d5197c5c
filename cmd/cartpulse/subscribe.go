package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cartpulse/cartpulse/pkg/subscriber"
)

func newSubscribeCmd() *cobra.Command {
	var (
		id            string
		brokers       []string
		simpleCount   int
		complexCount  int
		equalityCount int
		equalityRatio float64
		duration      time.Duration
		seed          int64
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Run a subscriber against one or more brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			addrs, err := brokerAddrs(brokers)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, err := subscriber.New(id, addrs, seed, logger)
			if err != nil {
				return err
			}
			s.Start(ctx)
			time.Sleep(time.Second) // let egress connections establish

			if equalityCount > 0 {
				err = s.SubscribeWithEqualityRatio(equalityCount, equalityRatio)
			} else {
				if err = s.SubscribeSimple(simpleCount); err == nil {
					err = s.SubscribeComplex(complexCount)
				}
			}
			if err != nil {
				return err
			}

			if duration > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(duration):
				}
			} else {
				ticker := time.NewTicker(10 * time.Second)
				defer ticker.Stop()
			loop:
				for {
					select {
					case <-ctx.Done():
						break loop
					case <-ticker.C:
						json.NewEncoder(os.Stdout).Encode(s.Stats())
					}
				}
			}

			return json.NewEncoder(os.Stdout).Encode(s.Stats())
		},
	}

	cmd.Flags().StringVar(&id, "id", "subscriber1", "subscriber id")
	cmd.Flags().StringSliceVar(&brokers, "brokers", []string{"127.0.0.1:5554"}, "broker egress addresses; management defaults to port+1000")
	cmd.Flags().IntVar(&simpleCount, "simple", 5, "number of generated simple subscriptions")
	cmd.Flags().IntVar(&complexCount, "complex", 2, "number of generated windowed subscriptions")
	cmd.Flags().IntVar(&equalityCount, "test-equality", 0, "register N subscriptions shaped by --equality-ratio instead")
	cmd.Flags().Float64Var(&equalityRatio, "equality-ratio", 1.0, "fraction of equality operators in generated conditions")
	cmd.Flags().DurationVar(&duration, "duration", 0, "run duration (0 = until interrupted)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "generator seed")
	return cmd
}

// brokerAddrs derives management addresses from egress addresses, management
// living 1000 ports above egress by convention.
func brokerAddrs(egress []string) ([]subscriber.BrokerAddrs, error) {
	var out []subscriber.BrokerAddrs
	for _, addr := range egress {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("broker address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("broker address %q: %w", addr, err)
		}
		out = append(out, subscriber.BrokerAddrs{
			Egress:     addr,
			Management: net.JoinHostPort(host, strconv.Itoa(port+1000)),
		})
	}
	return out, nil
}
