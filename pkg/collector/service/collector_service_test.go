package service

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/observark/fluentbridge/pkg/channel"
	"github.com/observark/fluentbridge/pkg/collector/model"
	"github.com/observark/fluentbridge/pkg/fluent/encoder"
	fluentModel "github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func TestCollectorService_Flatten(t *testing.T) {
	t.Run("Inner and own fields override ancestors on collision", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		cs.OnSpanCreate(1, 0, []fluentModel.Field{{Key: "x", Value: 1}})
		cs.OnSpanCreate(2, 1, []fluentModel.Field{{Key: "y", Value: 2}})
		cs.OnEvent(
			model.EventMetadata{Name: "leaf", Level: model.LevelInfo, SpanID: 2},
			[]fluentModel.Field{{Key: "x", Value: 3}},
		)

		fields := receiveFields(t, dc)
		assert.EqualValues(t, 3, fields["x"])
		assert.EqualValues(t, 2, fields["y"])
	})

	t.Run("Ancestor chain merges outer to inner", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		cs.OnSpanCreate(1, 0, []fluentModel.Field{{Key: "shared", Value: "outer"}})
		cs.OnSpanCreate(2, 1, []fluentModel.Field{{Key: "shared", Value: "inner"}})
		cs.OnEvent(model.EventMetadata{SpanID: 2}, nil)

		fields := receiveFields(t, dc)
		assert.Equal(t, "inner", fields["shared"])
	})

	t.Run("Flatten off consults only the event's own fields", func(t *testing.T) {
		cs, dc := getCollector(t, false)

		cs.OnSpanCreate(1, 0, []fluentModel.Field{{Key: "x", Value: 1}})
		cs.OnEvent(
			model.EventMetadata{Level: model.LevelWarn, SpanID: 1},
			[]fluentModel.Field{{Key: "own", Value: "yes"}},
		)

		fields := receiveFields(t, dc)
		assert.Equal(t, "yes", fields["own"])
		assert.Equal(t, "WARN", fields["level"])
		_, found := fields["x"]
		assert.False(t, found)
	})
}

func TestCollectorService_Metadata(t *testing.T) {
	t.Run("Level and source location become fields", func(t *testing.T) {
		cs, dc := getCollector(t, false)

		cs.OnEvent(model.EventMetadata{
			Level: model.LevelError,
			File:  "worker.go",
			Line:  42,
		}, nil)

		fields := receiveFields(t, dc)
		assert.Equal(t, "ERROR", fields["level"])
		assert.Equal(t, "worker.go", fields["file"])
		assert.EqualValues(t, 42, fields["line"])
	})

	t.Run("Tag combines prefix and target", func(t *testing.T) {
		cs, dc := getCollector(t, false)

		cs.OnEvent(model.EventMetadata{Target: "http.server"}, nil)
		rec, ok := dc.TryRecv()
		require.True(t, ok)
		assert.Equal(t, "testapp.http.server", rec.Tag)

		cs.OnEvent(model.EventMetadata{}, nil)
		rec, ok = dc.TryRecv()
		require.True(t, ok)
		assert.Equal(t, "testapp", rec.Tag)
	})
}

func TestCollectorService_SpanLifecycle(t *testing.T) {
	t.Run("Recorded fields accumulate with last write wins", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		cs.OnSpanCreate(1, 0, []fluentModel.Field{{Key: "k", Value: "initial"}})
		cs.OnRecordFields(1, []fluentModel.Field{{Key: "k", Value: "updated"}})
		cs.OnEvent(model.EventMetadata{SpanID: 1}, nil)

		fields := receiveFields(t, dc)
		assert.Equal(t, "updated", fields["k"])
	})

	t.Run("Closed span fields are discarded", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		cs.OnSpanCreate(1, 0, []fluentModel.Field{{Key: "gone", Value: true}})
		cs.OnSpanClose(1)
		cs.OnEvent(model.EventMetadata{SpanID: 1}, nil)

		fields := receiveFields(t, dc)
		_, found := fields["gone"]
		assert.False(t, found)
	})

	t.Run("Span close emits no record", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		cs.OnSpanCreate(1, 0, nil)
		cs.OnSpanClose(1)
		_, ok := dc.TryRecv()
		assert.False(t, ok)
	})

	t.Run("Fields recorded against an unknown span are dropped", func(t *testing.T) {
		cs, _ := getCollector(t, true)
		assert.NotPanics(t, func() {
			cs.OnRecordFields(99, []fluentModel.Field{{Key: "k", Value: 1}})
			cs.OnSpanClose(99)
		})
	})
}

func TestCollectorService_Concurrency(t *testing.T) {
	t.Run("Independent contexts emit concurrently without interference", func(t *testing.T) {
		cs, dc := getCollector(t, true)

		const contexts = 8
		var wg sync.WaitGroup
		for c := 0; c < contexts; c++ {
			wg.Add(1)
			go func(c int) {
				defer wg.Done()
				spanID := uint64(c + 1)
				cs.OnSpanCreate(spanID, 0, []fluentModel.Field{{Key: "ctx", Value: c}})
				cs.OnEvent(model.EventMetadata{SpanID: spanID}, nil)
				cs.OnSpanClose(spanID)
			}(c)
		}
		wg.Wait()

		seen := 0
		for {
			_, ok := dc.TryRecv()
			if !ok {
				break
			}
			seen++
		}
		assert.Equal(t, contexts, seen)
	})
}

func TestCollectorService_Backpressure(t *testing.T) {
	t.Run("Channel full never propagates to the producer", func(t *testing.T) {
		enc, err := encoder.NewRecordEncoder(fluentModel.UnixSeconds, zap.NewNop())
		require.NoError(t, err)
		dc, err := channel.NewDeliveryChannel(1, channel.DropNewest, time.Millisecond, nil)
		require.NoError(t, err)
		cs := NewCollectorService(enc, dc, "testapp", false, zap.NewNop())

		assert.NotPanics(t, func() {
			for i := 0; i < 10; i++ {
				cs.OnEvent(model.EventMetadata{}, nil)
			}
		})
		assert.Equal(t, uint64(9), dc.Dropped())
	})
}

func getCollector(t *testing.T, flatten bool) (*CollectorService, *channel.DeliveryChannel) {
	enc, err := encoder.NewRecordEncoder(fluentModel.UnixSeconds, zap.NewNop())
	require.NoError(t, err)
	dc, err := channel.NewDeliveryChannel(64, channel.Block, time.Second, nil)
	require.NoError(t, err)
	return NewCollectorService(enc, dc, "testapp", flatten, zap.NewNop()), dc
}

func receiveFields(t *testing.T, dc *channel.DeliveryChannel) map[string]interface{} {
	rec, ok := dc.TryRecv()
	require.True(t, ok, "expected a record on the delivery channel")
	decoded, err := msgpack.NewDecoder(bytes.NewReader(rec.Fields)).DecodeMap()
	require.NoError(t, err)
	return decoded
}
