package service

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/observark/fluentbridge/pkg/channel"
	"github.com/observark/fluentbridge/pkg/fluent/encoder"
	fluentModel "github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/observark/fluentbridge/pkg/forwarder/model"
	"github.com/observark/fluentbridge/pkg/telemetry"
	"go.uber.org/zap"
)

// Settings are the forwarder's construction-time knobs.
type Settings struct {
	MaxBatchSize           int
	WriteTimeout           time.Duration
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	BackoffMultiplier      float64
	// BackoffMaxRetries bounds connection attempts per reconnect cycle.
	// Zero means unbounded.
	BackoffMaxRetries   uint64
	ShutdownGracePeriod time.Duration
}

// ForwarderService is the single background worker that owns the network
// connection. It dequeues wire records, frames them (Message Mode for a
// single record, Forward Mode for a batch), writes them to the socket and
// handles reconnection. Delivery is at-most-once: a batch that was already
// dequeued when a write fails is dropped, not resubmitted.
type ForwarderService struct {
	deliveryChannel *channel.DeliveryChannel
	recordEncoder   *encoder.RecordEncoder
	dialer          Dialer
	settings        Settings
	metrics         *telemetry.Metrics
	logger          *zap.Logger

	conn      net.Conn
	state     atomic.Int32
	stateHook func(model.ConnectionState)

	started      atomic.Bool
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	done         chan struct{}
}

func NewForwarderService(
	deliveryChannel *channel.DeliveryChannel,
	recordEncoder *encoder.RecordEncoder,
	dialer Dialer,
	settings Settings,
	stateHook func(model.ConnectionState),
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *ForwarderService {
	return &ForwarderService{
		deliveryChannel: deliveryChannel,
		recordEncoder:   recordEncoder,
		dialer:          dialer,
		settings:        settings,
		stateHook:       stateHook,
		metrics:         metrics,
		logger:          logger,
		shutdownCh:      make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (fs *ForwarderService) Start() {
	fs.startOnce.Do(func() {
		fs.started.Store(true)
		go fs.run()
	})
}

// Shutdown closes the producer side of the channel, signals the worker to
// drain within the grace period and waits for it to exit. It is
// idempotent and safe to call concurrently.
func (fs *ForwarderService) Shutdown() {
	fs.shutdownOnce.Do(func() {
		close(fs.shutdownCh)
		fs.deliveryChannel.Close()
	})
	if fs.started.Load() {
		<-fs.done
	} else {
		fs.setState(model.ShutDown)
	}
}

// State reports the current connection state.
func (fs *ForwarderService) State() model.ConnectionState {
	return model.ConnectionState(fs.state.Load())
}

func (fs *ForwarderService) run() {
	defer close(fs.done)

	for {
		if fs.isShutdown() {
			break
		}
		connected := fs.ensureConnected()
		if fs.isShutdown() {
			break
		}
		rec, ok := fs.deliveryChannel.Recv()
		if !ok {
			break
		}
		batch := fs.collectBatch(rec)
		if !connected {
			// Retry budget exhausted for this cycle; the batch is
			// dropped and a fresh backoff cycle starts with the next
			// record.
			fs.dropBatch(batch, telemetry.ReasonRetriesExhausted)
			continue
		}
		fs.writeBatch(batch)
	}

	fs.drainRemaining()
	fs.closeConn()
	fs.setState(model.ShutDown)
}

// ensureConnected blocks until the connection is established, shutdown is
// signalled, or the configured retry budget is exhausted. It returns
// whether the connection is usable.
func (fs *ForwarderService) ensureConnected() bool {
	if fs.conn != nil {
		return true
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = fs.settings.BackoffInitialInterval
	bo.MaxInterval = fs.settings.BackoffMaxInterval
	bo.Multiplier = fs.settings.BackoffMultiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	var attempts uint64
	for {
		if fs.isShutdown() {
			return false
		}
		fs.setState(model.Connecting)
		conn, err := fs.dialer.Dial()
		if err == nil {
			fs.conn = conn
			fs.setState(model.Connected)
			if fs.metrics != nil {
				fs.metrics.Connections.Inc()
			}
			return true
		}
		fs.setState(model.Disconnected)
		fs.logger.Warn("Failed to connect to fluentd", zap.Error(err))

		attempts++
		if fs.settings.BackoffMaxRetries > 0 && attempts >= fs.settings.BackoffMaxRetries {
			fs.logger.Error(
				"Exhausted fluentd connection attempts",
				zap.Uint64("attempts", attempts),
			)
			return false
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
		case <-fs.shutdownCh:
			timer.Stop()
			return false
		}
	}
}

// collectBatch takes whatever is immediately available beyond the first
// record, up to the batch limit, without blocking.
func (fs *ForwarderService) collectBatch(first fluentModel.WireRecord) []fluentModel.WireRecord {
	batch := []fluentModel.WireRecord{first}
	for len(batch) < fs.settings.MaxBatchSize {
		rec, ok := fs.deliveryChannel.TryRecv()
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	return batch
}

// writeBatch writes the batch as consecutive same-tag groups so that FIFO
// order is preserved across tag boundaries. On a write failure the
// remaining in-flight records are dropped and the connection is torn down
// for the next reconnect cycle.
func (fs *ForwarderService) writeBatch(batch []fluentModel.WireRecord) {
	start := 0
	for i := 1; i <= len(batch); i++ {
		if i < len(batch) && batch[i].Tag == batch[start].Tag {
			continue
		}
		group := batch[start:i]
		if err := fs.writeGroup(group); err != nil {
			fs.logger.Warn(
				"Failed to write records to fluentd",
				zap.Error(err),
				zap.Int("inFlightRecords", len(batch)-start),
			)
			fs.dropBatch(batch[start:], telemetry.ReasonWriteFailure)
			fs.disconnect()
			return
		}
		start = i
	}
}

func (fs *ForwarderService) writeGroup(group []fluentModel.WireRecord) error {
	var payload []byte
	if len(group) == 1 {
		payload = fs.recordEncoder.EncodeMessage(group[0])
	} else {
		payload = fs.recordEncoder.EncodeForward(group[0].Tag, group)
	}

	if fs.settings.WriteTimeout > 0 {
		if err := fs.conn.SetWriteDeadline(time.Now().Add(fs.settings.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := fs.conn.Write(payload); err != nil {
		return err
	}
	if fs.metrics != nil {
		fs.metrics.BatchesWritten.Inc()
		fs.metrics.RecordsDelivered.Add(float64(len(group)))
	}
	return nil
}

// drainRemaining flushes already-enqueued records within the shutdown
// grace period. Records that cannot be flushed in time are dropped and
// counted.
func (fs *ForwarderService) drainRemaining() {
	deadline := time.Now().Add(fs.settings.ShutdownGracePeriod)
	for time.Now().Before(deadline) {
		rec, ok := fs.deliveryChannel.TryRecv()
		if !ok {
			return
		}
		batch := fs.collectBatch(rec)
		if !fs.connectForDrain() {
			fs.dropBatch(batch, telemetry.ReasonShutdown)
			break
		}
		fs.writeBatch(batch)
	}

	var leftover int
	for {
		_, ok := fs.deliveryChannel.TryRecv()
		if !ok {
			break
		}
		leftover++
	}
	if leftover > 0 {
		fs.logger.Warn(
			"Dropped undrained records at shutdown",
			zap.Int("records", leftover),
		)
		if fs.metrics != nil {
			fs.metrics.RecordsDropped.
				WithLabelValues(telemetry.ReasonShutdown).
				Add(float64(leftover))
		}
	}
}

// connectForDrain makes at most one quick connection attempt; backoff
// cycles would eat the whole grace period.
func (fs *ForwarderService) connectForDrain() bool {
	if fs.conn != nil {
		return true
	}
	fs.setState(model.Connecting)
	conn, err := fs.dialer.Dial()
	if err != nil {
		fs.setState(model.Disconnected)
		fs.logger.Warn("Failed to connect to fluentd during shutdown drain", zap.Error(err))
		return false
	}
	fs.conn = conn
	fs.setState(model.Connected)
	if fs.metrics != nil {
		fs.metrics.Connections.Inc()
	}
	return true
}

func (fs *ForwarderService) dropBatch(batch []fluentModel.WireRecord, reason string) {
	if len(batch) == 0 {
		return
	}
	if fs.metrics != nil {
		fs.metrics.RecordsDropped.WithLabelValues(reason).Add(float64(len(batch)))
	}
}

func (fs *ForwarderService) disconnect() {
	if fs.conn != nil {
		_ = fs.conn.Close()
		fs.conn = nil
	}
	fs.setState(model.Disconnected)
}

func (fs *ForwarderService) closeConn() {
	if fs.conn != nil {
		_ = fs.conn.Close()
		fs.conn = nil
	}
}

func (fs *ForwarderService) isShutdown() bool {
	select {
	case <-fs.shutdownCh:
		return true
	default:
		return false
	}
}

func (fs *ForwarderService) setState(state model.ConnectionState) {
	old := fs.state.Swap(int32(state))
	if old == int32(state) {
		return
	}
	if fs.metrics != nil {
		fs.metrics.ConnectionState.Set(float64(state))
	}
	if fs.stateHook != nil {
		fs.stateHook(state)
	}
}
