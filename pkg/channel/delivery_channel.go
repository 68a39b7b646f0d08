package channel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/observark/fluentbridge/pkg/telemetry"
)

// OverflowPolicy governs producer behavior when the channel is saturated.
type OverflowPolicy int

const (
	// Block makes Send wait up to the configured timeout for a free slot,
	// then fail with ErrChannelFull.
	Block OverflowPolicy = iota
	// DropNewest makes Send discard the incoming record without blocking.
	DropNewest
	// DropOldest makes Send evict the head of the queue to admit the
	// incoming record, without blocking.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// DeliveryChannel is the bounded multi-producer single-consumer queue
// between event capture and network delivery. It is the sole
// synchronization boundary between the two sides.
type DeliveryChannel struct {
	records      chan model.WireRecord
	policy       OverflowPolicy
	blockTimeout time.Duration
	metrics      *telemetry.Metrics

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewDeliveryChannel(
	capacity int,
	policy OverflowPolicy,
	blockTimeout time.Duration,
	metrics *telemetry.Metrics,
) (*DeliveryChannel, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &DeliveryChannel{
		records:      make(chan model.WireRecord, capacity),
		policy:       policy,
		blockTimeout: blockTimeout,
		metrics:      metrics,
	}, nil
}

// Send enqueues one record per the configured overflow policy. It returns
// ErrChannelClosed after Close and ErrChannelFull when the block policy's
// timeout expires; the drop policies never return an error for a full
// channel, they count the drop instead.
func (dc *DeliveryChannel) Send(rec model.WireRecord) error {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	if dc.closed {
		dc.recordDrop(telemetry.ReasonChannelClosed)
		return ErrChannelClosed
	}

	switch dc.policy {
	case DropNewest:
		select {
		case dc.records <- rec:
			dc.recordEnqueue()
		default:
			dc.recordDrop(telemetry.ReasonOverflow)
		}
		return nil
	case DropOldest:
		for {
			select {
			case dc.records <- rec:
				dc.recordEnqueue()
				return nil
			default:
			}
			select {
			case <-dc.records:
				dc.recordDrop(telemetry.ReasonOverflow)
			default:
			}
		}
	default:
		timer := time.NewTimer(dc.blockTimeout)
		defer timer.Stop()
		select {
		case dc.records <- rec:
			dc.recordEnqueue()
			return nil
		case <-timer.C:
			dc.recordDrop(telemetry.ReasonChannelFull)
			return ErrChannelFull
		}
	}
}

// Recv blocks until a record is available or the channel has been closed
// and fully drained, in which case ok is false.
func (dc *DeliveryChannel) Recv() (model.WireRecord, bool) {
	rec, ok := <-dc.records
	if ok {
		dc.updateDepth()
	}
	return rec, ok
}

// TryRecv returns the next record without blocking.
func (dc *DeliveryChannel) TryRecv() (model.WireRecord, bool) {
	select {
	case rec, ok := <-dc.records:
		if ok {
			dc.updateDepth()
		}
		return rec, ok
	default:
		return model.WireRecord{}, false
	}
}

// Close transitions the channel to closed. The transition is one-way and
// idempotent; buffered records remain receivable until drained.
func (dc *DeliveryChannel) Close() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		return
	}
	dc.closed = true
	close(dc.records)
}

func (dc *DeliveryChannel) Dropped() uint64 {
	return dc.dropped.Load()
}

func (dc *DeliveryChannel) Len() int {
	return len(dc.records)
}

func (dc *DeliveryChannel) recordEnqueue() {
	if dc.metrics != nil {
		dc.metrics.RecordsEnqueued.Inc()
	}
	dc.updateDepth()
}

func (dc *DeliveryChannel) recordDrop(reason string) {
	dc.dropped.Add(1)
	if dc.metrics != nil {
		dc.metrics.RecordsDropped.WithLabelValues(reason).Inc()
	}
}

func (dc *DeliveryChannel) updateDepth() {
	if dc.metrics != nil {
		dc.metrics.ChannelDepth.Set(float64(len(dc.records)))
	}
}

var (
	ErrChannelFull     = errors.New("delivery channel is full")
	ErrChannelClosed   = errors.New("delivery channel is closed")
	ErrInvalidCapacity = errors.New("delivery channel capacity must be positive")
)
