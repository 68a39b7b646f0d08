package encoder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/observark/fluentbridge/pkg/fluent/model"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const anomalyLogInterval = time.Minute

// RecordEncoder converts captured events into Fluentd wire records.
// The timestamp mode is fixed at construction. Encoding never fails on
// valid input: field values without a faithful MessagePack representation
// are coerced to their string form and the anomaly is logged at most once
// per (tag, field) per interval.
type RecordEncoder struct {
	mode      model.TimestampMode
	anomalies *ristretto.Cache
	logger    *zap.Logger
}

func NewRecordEncoder(mode model.TimestampMode, logger *zap.Logger) (*RecordEncoder, error) {
	anomalies, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 10,
		MaxCost:     1 << 8,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating anomaly rate limit cache: %w", err)
	}
	return &RecordEncoder{
		mode:      mode,
		anomalies: anomalies,
		logger:    logger,
	}, nil
}

// EncodeRecord encodes the timestamp and field map into independent
// MessagePack fragments. The fragments are only ever concatenated into
// Message Mode or Forward Mode framing downstream.
func (re *RecordEncoder) EncodeRecord(
	tag string,
	ts model.Timestamp,
	fields *model.FieldMap,
) model.WireRecord {
	timeBuf := &bytes.Buffer{}
	fieldsBuf := &bytes.Buffer{}
	// Writes into a bytes.Buffer cannot fail, so the errors below are
	// discarded and the never-fails contract holds.
	_ = re.encodeTimestamp(timeBuf, ts)
	_ = re.encodeFieldMap(fieldsBuf, tag, fields)
	return model.WireRecord{
		Tag:    tag,
		Time:   timeBuf.Bytes(),
		Fields: fieldsBuf.Bytes(),
	}
}

// Encode encodes a complete Message Mode record in one step.
func (re *RecordEncoder) Encode(tag string, ts model.Timestamp, fields *model.FieldMap) []byte {
	return re.EncodeMessage(re.EncodeRecord(tag, ts, fields))
}

// EncodeMessage frames one record in Message Mode: [tag, time, record].
func (re *RecordEncoder) EncodeMessage(rec model.WireRecord) []byte {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	_ = enc.EncodeArrayLen(3)
	_ = enc.EncodeString(rec.Tag)
	buf.Write(rec.Time)
	buf.Write(rec.Fields)
	return buf.Bytes()
}

// EncodeForward frames a batch in Forward Mode:
// [tag, [[time, record], ...], {"size": n}].
func (re *RecordEncoder) EncodeForward(tag string, recs []model.WireRecord) []byte {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	_ = enc.EncodeArrayLen(3)
	_ = enc.EncodeString(tag)
	_ = enc.EncodeArrayLen(len(recs))
	for _, rec := range recs {
		_ = enc.EncodeArrayLen(2)
		buf.Write(rec.Time)
		buf.Write(rec.Fields)
	}
	_ = enc.EncodeMapLen(1)
	_ = enc.EncodeString("size")
	_ = enc.EncodeInt(int64(len(recs)))
	return buf.Bytes()
}

func (re *RecordEncoder) encodeTimestamp(buf *bytes.Buffer, ts model.Timestamp) error {
	enc := msgpack.NewEncoder(buf)
	if re.mode == model.EventTime {
		return enc.Encode(ts)
	}
	return enc.EncodeInt(ts.Seconds)
}

func (re *RecordEncoder) encodeFieldMap(buf *bytes.Buffer, tag string, fields *model.FieldMap) error {
	enc := msgpack.NewEncoder(buf)
	return re.encodeMap(enc, tag, fields)
}

func (re *RecordEncoder) encodeMap(enc *msgpack.Encoder, tag string, fields *model.FieldMap) error {
	if fields == nil {
		return enc.EncodeMapLen(0)
	}
	if err := enc.EncodeMapLen(fields.Len()); err != nil {
		return err
	}
	var encodeErr error
	fields.Range(func(key string, value interface{}) {
		if err := enc.EncodeString(key); err != nil {
			encodeErr = err
			return
		}
		if err := re.encodeValue(enc, tag, key, value); err != nil {
			encodeErr = err
		}
	})
	return encodeErr
}

func (re *RecordEncoder) encodeValue(
	enc *msgpack.Encoder,
	tag string,
	key string,
	value interface{},
) error {
	switch typed := value.(type) {
	case nil:
		return enc.EncodeNil()
	case string:
		return enc.EncodeString(typed)
	case bool:
		return enc.EncodeBool(typed)
	case int:
		return enc.EncodeInt(int64(typed))
	case int8:
		return enc.EncodeInt(int64(typed))
	case int16:
		return enc.EncodeInt(int64(typed))
	case int32:
		return enc.EncodeInt(int64(typed))
	case int64:
		return enc.EncodeInt(typed)
	case uint:
		return enc.EncodeUint(uint64(typed))
	case uint8:
		return enc.EncodeUint(uint64(typed))
	case uint16:
		return enc.EncodeUint(uint64(typed))
	case uint32:
		return enc.EncodeUint(uint64(typed))
	case uint64:
		return enc.EncodeUint(typed)
	case float32:
		return enc.EncodeFloat32(typed)
	case float64:
		return enc.EncodeFloat64(typed)
	case []byte:
		return enc.EncodeBytes(typed)
	case *model.FieldMap:
		return re.encodeMap(enc, tag, typed)
	default:
		re.reportAnomaly(tag, key, value)
		return enc.EncodeString(fmt.Sprintf("%v", value))
	}
}

func (re *RecordEncoder) reportAnomaly(tag string, key string, value interface{}) {
	if re.logger == nil {
		return
	}
	cacheKey := tag + "." + key
	if _, found := re.anomalies.Get(cacheKey); found {
		return
	}
	re.anomalies.SetWithTTL(cacheKey, struct{}{}, 1, anomalyLogInterval)
	re.logger.Warn(
		"Field value has no faithful wire representation, coerced to string",
		zap.String("tag", tag),
		zap.String("field", key),
		zap.String("goType", fmt.Sprintf("%T", value)),
	)
}
