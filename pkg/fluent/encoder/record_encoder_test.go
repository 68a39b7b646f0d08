package encoder

import (
	"bytes"
	"testing"
	"time"

	"github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func TestRecordEncoder_MessageMode(t *testing.T) {
	t.Run("Unix mode round-trips tag, seconds and fields", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		fields := model.NewFieldMap()
		fields.Set("message", "hello")
		fields.Set("count", 42)
		fields.Set("ratio", 2.5)
		fields.Set("ok", true)

		payload := enc.Encode(
			"app.worker",
			model.Timestamp{Seconds: 1700000123, Nanoseconds: 456789},
			fields,
		)

		d := msgpack.NewDecoder(bytes.NewReader(payload))
		arrayLen, err := d.DecodeArrayLen()
		require.NoError(t, err)
		assert.Equal(t, 3, arrayLen)

		tag, err := d.DecodeString()
		require.NoError(t, err)
		assert.Equal(t, "app.worker", tag)

		seconds, err := d.DecodeInt64()
		require.NoError(t, err)
		assert.Equal(t, int64(1700000123), seconds)

		decoded, err := d.DecodeMap()
		require.NoError(t, err)
		assert.Equal(t, "hello", decoded["message"])
		assert.EqualValues(t, 42, decoded["count"])
		assert.EqualValues(t, 2.5, decoded["ratio"])
		assert.Equal(t, true, decoded["ok"])
	})

	t.Run("Event time mode round-trips seconds and nanoseconds exactly", func(t *testing.T) {
		enc := getEncoder(t, model.EventTime)
		original := model.Timestamp{Seconds: 1700000123, Nanoseconds: 987654321}

		payload := enc.Encode("app", original, model.NewFieldMap())

		d := msgpack.NewDecoder(bytes.NewReader(payload))
		_, err := d.DecodeArrayLen()
		require.NoError(t, err)
		_, err = d.DecodeString()
		require.NoError(t, err)

		var decoded model.Timestamp
		require.NoError(t, d.Decode(&decoded))
		assert.Equal(t, original, decoded)
	})

	t.Run("Unix mode truncates sub-second precision", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		ts := model.TimestampFromTime(time.Unix(5, 999999999))

		payload := enc.Encode("app", ts, model.NewFieldMap())

		d := msgpack.NewDecoder(bytes.NewReader(payload))
		_, err := d.DecodeArrayLen()
		require.NoError(t, err)
		_, err = d.DecodeString()
		require.NoError(t, err)
		seconds, err := d.DecodeInt64()
		require.NoError(t, err)
		assert.Equal(t, int64(5), seconds, "expected truncation, not rounding")
	})
}

func TestRecordEncoder_FieldEncoding(t *testing.T) {
	t.Run("Field map preserves insertion order on the wire", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		fields := model.NewFieldMap()
		fields.Set("zulu", 1)
		fields.Set("alpha", 2)
		fields.Set("mike", 3)

		rec := enc.EncodeRecord("app", model.Timestamp{Seconds: 1}, fields)

		d := msgpack.NewDecoder(bytes.NewReader(rec.Fields))
		mapLen, err := d.DecodeMapLen()
		require.NoError(t, err)
		require.Equal(t, 3, mapLen)

		keys := make([]string, 0, mapLen)
		for i := 0; i < mapLen; i++ {
			key, err := d.DecodeString()
			require.NoError(t, err)
			keys = append(keys, key)
			_, err = d.DecodeInterfaceLoose()
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"zulu", "alpha", "mike"}, keys)
	})

	t.Run("Nested field maps encode as nested objects", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		nested := model.NewFieldMap()
		nested.Set("inner", "value")
		fields := model.NewFieldMap()
		fields.Set("nested", nested)

		rec := enc.EncodeRecord("app", model.Timestamp{Seconds: 1}, fields)

		d := msgpack.NewDecoder(bytes.NewReader(rec.Fields))
		decoded, err := d.DecodeMap()
		require.NoError(t, err)
		nestedDecoded, ok := decoded["nested"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "value", nestedDecoded["inner"])
	})

	t.Run("Unrepresentable values are coerced to strings", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		fields := model.NewFieldMap()
		fields.Set("weird", struct{ A int }{A: 7})

		rec := enc.EncodeRecord("app", model.Timestamp{Seconds: 1}, fields)

		d := msgpack.NewDecoder(bytes.NewReader(rec.Fields))
		decoded, err := d.DecodeMap()
		require.NoError(t, err)
		assert.Equal(t, "{7}", decoded["weird"])
	})

	t.Run("Nil field map encodes as empty object", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		rec := enc.EncodeRecord("app", model.Timestamp{Seconds: 1}, nil)

		d := msgpack.NewDecoder(bytes.NewReader(rec.Fields))
		decoded, err := d.DecodeMap()
		require.NoError(t, err)
		assert.Empty(t, decoded)
	})
}

func TestRecordEncoder_ForwardMode(t *testing.T) {
	t.Run("Batches frame as tag, entry array and size option", func(t *testing.T) {
		enc := getEncoder(t, model.UnixSeconds)
		first := model.NewFieldMap()
		first.Set("seq", 1)
		second := model.NewFieldMap()
		second.Set("seq", 2)

		recs := []model.WireRecord{
			enc.EncodeRecord("app", model.Timestamp{Seconds: 10}, first),
			enc.EncodeRecord("app", model.Timestamp{Seconds: 11}, second),
		}
		payload := enc.EncodeForward("app", recs)

		d := msgpack.NewDecoder(bytes.NewReader(payload))
		arrayLen, err := d.DecodeArrayLen()
		require.NoError(t, err)
		assert.Equal(t, 3, arrayLen)

		tag, err := d.DecodeString()
		require.NoError(t, err)
		assert.Equal(t, "app", tag)

		entryCount, err := d.DecodeArrayLen()
		require.NoError(t, err)
		require.Equal(t, 2, entryCount)

		for i := 0; i < entryCount; i++ {
			entryLen, err := d.DecodeArrayLen()
			require.NoError(t, err)
			require.Equal(t, 2, entryLen)
			seconds, err := d.DecodeInt64()
			require.NoError(t, err)
			assert.Equal(t, int64(10+i), seconds)
			decoded, err := d.DecodeMap()
			require.NoError(t, err)
			assert.EqualValues(t, i+1, decoded["seq"])
		}

		opts, err := d.DecodeMap()
		require.NoError(t, err)
		assert.EqualValues(t, 2, opts["size"])
	})
}

func getEncoder(t *testing.T, mode model.TimestampMode) *RecordEncoder {
	enc, err := NewRecordEncoder(mode, zap.NewNop())
	require.NoError(t, err)
	return enc
}
