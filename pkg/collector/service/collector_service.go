package service

import (
	"errors"
	"sync"
	"time"

	"github.com/observark/fluentbridge/pkg/channel"
	"github.com/observark/fluentbridge/pkg/collector/model"
	"github.com/observark/fluentbridge/pkg/fluent/encoder"
	fluentModel "github.com/observark/fluentbridge/pkg/fluent/model"
	"go.uber.org/zap"
)

// maxSpanDepth bounds ancestor walks so a malformed parent chain cannot
// loop forever.
const maxSpanDepth = 64

// Handler is the narrow capability interface consumed from the host
// tracing framework. Callbacks may arrive concurrently from arbitrary
// goroutines and sibling spans may close in any order.
type Handler interface {
	OnSpanCreate(id uint64, parent uint64, fields []fluentModel.Field)
	OnRecordFields(id uint64, fields []fluentModel.Field)
	OnEvent(meta model.EventMetadata, fields []fluentModel.Field)
	OnSpanClose(id uint64)
}

type span struct {
	parent uint64
	fields *fluentModel.FieldMap
}

// CollectorService bridges host-framework callbacks into complete wire
// records and enqueues them. Enqueueing never blocks a producer beyond
// the channel's configured backpressure policy, and failures are never
// propagated back to the host framework.
type CollectorService struct {
	recordEncoder   *encoder.RecordEncoder
	deliveryChannel *channel.DeliveryChannel
	tagPrefix       string
	flatten         bool
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.RWMutex
	spans map[uint64]*span
}

func NewCollectorService(
	recordEncoder *encoder.RecordEncoder,
	deliveryChannel *channel.DeliveryChannel,
	tagPrefix string,
	flatten bool,
	logger *zap.Logger,
) *CollectorService {
	return &CollectorService{
		recordEncoder:   recordEncoder,
		deliveryChannel: deliveryChannel,
		tagPrefix:       tagPrefix,
		flatten:         flatten,
		logger:          logger,
		now:             time.Now,
		spans:           make(map[uint64]*span),
	}
}

func (cs *CollectorService) OnSpanCreate(id uint64, parent uint64, fields []fluentModel.Field) {
	fieldMap := fluentModel.NewFieldMap()
	fieldMap.SetAll(fields)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.spans[id] = &span{
		parent: parent,
		fields: fieldMap,
	}
}

func (cs *CollectorService) OnRecordFields(id uint64, fields []fluentModel.Field) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	target, found := cs.spans[id]
	if !found {
		// Fields for an unknown or already-closed span are dropped.
		return
	}
	target.fields.SetAll(fields)
}

func (cs *CollectorService) OnEvent(meta model.EventMetadata, fields []fluentModel.Field) {
	fieldMap := fluentModel.NewFieldMap()
	if cs.flatten {
		cs.mergeAncestorFields(fieldMap, meta.SpanID)
	}
	fieldMap.SetAll(fields)
	fieldMap.Set("level", meta.Level.String())
	if meta.File != "" {
		fieldMap.Set("file", meta.File)
		if meta.Line > 0 {
			fieldMap.Set("line", meta.Line)
		}
	}

	eventTime := meta.Time
	if eventTime.IsZero() {
		eventTime = cs.now()
	}

	rec := cs.recordEncoder.EncodeRecord(
		cs.tag(meta.Target),
		fluentModel.TimestampFromTime(eventTime),
		fieldMap,
	)
	if err := cs.deliveryChannel.Send(rec); err != nil {
		// The channel already counted the drop; trace emission sits on
		// application hot paths so this is only worth a debug line.
		if errors.Is(err, channel.ErrChannelFull) {
			cs.logger.Debug("Delivery channel full, record dropped")
		} else if errors.Is(err, channel.ErrChannelClosed) {
			cs.logger.Debug("Delivery channel closed, record dropped")
		}
	}
}

func (cs *CollectorService) OnSpanClose(id uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.spans, id)
}

// mergeAncestorFields merges the fields of every open ancestor span,
// outermost first, so that nearer spans win on key collision.
func (cs *CollectorService) mergeAncestorFields(into *fluentModel.FieldMap, spanID uint64) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	var chain []*span
	id := spanID
	for id != 0 && len(chain) < maxSpanDepth {
		current, found := cs.spans[id]
		if !found {
			break
		}
		chain = append(chain, current)
		id = current.parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		into.Merge(chain[i].fields)
	}
}

func (cs *CollectorService) tag(target string) string {
	if target == "" {
		return cs.tagPrefix
	}
	return cs.tagPrefix + "." + target
}
