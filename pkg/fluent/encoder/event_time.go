package encoder

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/vmihailenco/msgpack/v5"
)

// Fluentd's EventTime extension: ext type 0 carrying seconds and
// nanoseconds as two big-endian 32-bit values.
const eventTimeExtID = 0

func init() {
	msgpack.RegisterExtEncoder(eventTimeExtID, model.Timestamp{}, encodeEventTimeExt)
	msgpack.RegisterExtDecoder(eventTimeExtID, model.Timestamp{}, decodeEventTimeExt)
}

func encodeEventTimeExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	ts := v.Interface().(model.Timestamp)
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload, uint32(ts.Seconds))
	binary.BigEndian.PutUint32(payload[4:], ts.Nanoseconds)
	return payload, nil
}

func decodeEventTimeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 8 {
		return fmt.Errorf("event time extension must be 8 bytes, got %d", extLen)
	}
	payload := make([]byte, extLen)
	if err := d.ReadFull(payload); err != nil {
		return fmt.Errorf("error reading event time payload: %w", err)
	}
	v.Set(reflect.ValueOf(model.Timestamp{
		Seconds:     int64(binary.BigEndian.Uint32(payload)),
		Nanoseconds: binary.BigEndian.Uint32(payload[4:]),
	}))
	return nil
}
