package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/broker"
	"github.com/cartpulse/cartpulse/pkg/config"
	"github.com/cartpulse/cartpulse/pkg/dashboard"
	"github.com/cartpulse/cartpulse/pkg/ingest"
	"github.com/cartpulse/cartpulse/pkg/metrics"
	"github.com/cartpulse/cartpulse/pkg/tracing"
)

func newBrokerCmd() *cobra.Command {
	var (
		configFile     string
		brokerID       string
		publisherPort  int
		subscriberPort int
		peerPort       int
		peers          []string
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configFile)
			if err != nil {
				return err
			}
			if brokerID != "" {
				cfg.Broker.BrokerID = brokerID
			}
			if cmd.Flags().Changed("publisher-port") {
				cfg.Broker.PublisherPort = publisherPort
			}
			if cmd.Flags().Changed("subscriber-port") {
				cfg.Broker.SubscriberPort = subscriberPort
			}
			if cmd.Flags().Changed("peer-port") {
				cfg.Broker.PeerPort = peerPort
			}
			if len(peers) > 0 {
				cfg.Broker.PeerEndpoints = peers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBroker(cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "config.yaml", "path to configuration file")
	cmd.Flags().StringVar(&brokerID, "id", "", "broker id (overrides config)")
	cmd.Flags().IntVar(&publisherPort, "publisher-port", 5557, "publisher ingress port")
	cmd.Flags().IntVar(&subscriberPort, "subscriber-port", 5554, "subscriber egress port")
	cmd.Flags().IntVar(&peerPort, "peer-port", 7554, "peer mesh port")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "peer mesh endpoints (host:port)")
	return cmd
}

func runBroker(cfg *config.Config) error {
	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.NewProvider(ctx, cfg.Tracing, "cartpulse-broker", logger)
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	var opts []broker.Option
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		opts = append(opts, broker.WithMetrics(collector))
	}
	if tracer.Enabled() {
		opts = append(opts, broker.WithTracer(tracer.Tracer("broker")))
	}

	b, err := broker.New(cfg.Broker, logger, opts...)
	if err != nil {
		return err
	}
	if err := b.Start(); err != nil {
		return err
	}

	var metricsSrv *metrics.Server
	if collector != nil {
		metricsSrv = metrics.NewServer(cfg.Metrics.Address, collector, logger)
		metricsSrv.Start()
	}
	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(cfg.Dashboard.Address, cfg.Dashboard.PushInterval(), b.Stats, logger)
		dash.Start(ctx)
	}
	if cfg.NATS.Enabled {
		bridge := ingest.NewNATSBridge(cfg.NATS, b, logger)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("nats ingest bridge failed to start", zap.Error(err))
		}
	}

	logger.Info("broker running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	if metricsSrv != nil {
		metricsSrv.Stop()
	}
	return b.Stop()
}
