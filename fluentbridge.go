// Package fluentbridge forwards structured trace events to a fluentd
// daemon over its binary forward protocol. Capture happens on arbitrary
// producer goroutines through a narrow callback interface; delivery
// happens on a single background worker decoupled by a bounded channel,
// so producers never observe network failures.
package fluentbridge

import (
	"fmt"
	"sync"

	"github.com/observark/fluentbridge/pkg/channel"
	collectorService "github.com/observark/fluentbridge/pkg/collector/service"
	"github.com/observark/fluentbridge/pkg/config"
	"github.com/observark/fluentbridge/pkg/fluent/encoder"
	forwarderModel "github.com/observark/fluentbridge/pkg/forwarder/model"
	forwarderService "github.com/observark/fluentbridge/pkg/forwarder/service"
	"github.com/observark/fluentbridge/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Builder assembles a System. All collaborators are optional; the zero
// configuration talks to fluentd on 127.0.0.1:24224.
type Builder struct {
	cfg       config.Config
	logger    *zap.Logger
	dialer    forwarderService.Dialer
	registry  *prometheus.Registry
	stateHook func(forwarderModel.ConnectionState)
}

func NewBuilder(cfg config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithLogger sets the logger used for internal diagnostics. The default
// is a no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithDialer replaces the default TCP dialer, e.g. for tests or a unix
// domain socket transport.
func (b *Builder) WithDialer(dialer forwarderService.Dialer) *Builder {
	b.dialer = dialer
	return b
}

// WithRegistry registers the pipeline's metrics on the given registry.
func (b *Builder) WithRegistry(registry *prometheus.Registry) *Builder {
	b.registry = registry
	return b
}

// WithStateHook installs an observer for forwarder connection state
// transitions. The hook is invoked from the worker goroutine and must not
// block.
func (b *Builder) WithStateHook(hook func(forwarderModel.ConnectionState)) *Builder {
	b.stateHook = hook
	return b
}

// Build validates the configuration, wires the pipeline and starts the
// forwarder worker.
func (b *Builder) Build() (*System, error) {
	cfg := b.cfg
	config.ApplyDefaults(&cfg)
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("error building fluentbridge system: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := telemetry.NewMetrics(b.registry)

	recordEncoder, err := encoder.NewRecordEncoder(cfg.WireTimestampMode(), logger)
	if err != nil {
		return nil, fmt.Errorf("error creating record encoder: %w", err)
	}

	deliveryChannel, err := channel.NewDeliveryChannel(
		cfg.ChannelCapacity,
		cfg.ChannelOverflowPolicy(),
		cfg.BlockTimeout,
		metrics,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating delivery channel: %w", err)
	}

	collector := collectorService.NewCollectorService(
		recordEncoder,
		deliveryChannel,
		cfg.TagPrefix,
		cfg.Flatten,
		logger,
	)

	dialer := b.dialer
	if dialer == nil {
		dialer = forwarderService.NewTCPDialer(cfg.Host, cfg.Port, cfg.DialTimeout)
	}

	forwarder := forwarderService.NewForwarderService(
		deliveryChannel,
		recordEncoder,
		dialer,
		forwarderService.Settings{
			MaxBatchSize:           cfg.MaxBatchSize,
			WriteTimeout:           cfg.WriteTimeout,
			BackoffInitialInterval: cfg.Backoff.InitialInterval,
			BackoffMaxInterval:     cfg.Backoff.MaxInterval,
			BackoffMultiplier:      cfg.Backoff.Multiplier,
			BackoffMaxRetries:      cfg.Backoff.MaxRetries,
			ShutdownGracePeriod:    cfg.ShutdownGracePeriod,
		},
		b.stateHook,
		metrics,
		logger,
	)
	forwarder.Start()

	return &System{
		collector: collector,
		channel:   deliveryChannel,
		forwarder: forwarder,
		logger:    logger,
	}, nil
}

// System is the running capture-to-wire pipeline. It is created through
// Builder.Build and torn down with Shutdown; there is no ambient global
// instance.
type System struct {
	collector    *collectorService.CollectorService
	channel      *channel.DeliveryChannel
	forwarder    *forwarderService.ForwarderService
	logger       *zap.Logger
	shutdownOnce sync.Once
}

// Handler exposes the capture-side callback interface to hand to the host
// tracing framework.
func (s *System) Handler() collectorService.Handler {
	return s.collector
}

// State reports the forwarder's current connection state.
func (s *System) State() forwarderModel.ConnectionState {
	return s.forwarder.State()
}

// Dropped reports how many records have been dropped by backpressure so
// far.
func (s *System) Dropped() uint64 {
	return s.channel.Dropped()
}

// Shutdown closes the producer side, drains already-enqueued records
// within the configured grace period and closes the socket. It is
// idempotent; concurrent and repeated calls all wait for the same
// teardown to finish.
func (s *System) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down fluentbridge system")
	})
	s.forwarder.Shutdown()
}
