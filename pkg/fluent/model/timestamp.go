package model

import "time"

// TimestampMode selects the wire representation of record timestamps.
// It is fixed when the encoder is constructed, not per record.
type TimestampMode int

const (
	// UnixSeconds encodes the timestamp as a plain integer of unix seconds.
	UnixSeconds TimestampMode = iota
	// EventTime encodes the timestamp as Fluentd's ext type 0, carrying
	// seconds and nanoseconds as two big-endian 32-bit values.
	EventTime
)

// Timestamp is the capture time of a record.
type Timestamp struct {
	Seconds     int64
	Nanoseconds uint32
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{
		Seconds:     t.Unix(),
		Nanoseconds: uint32(t.Nanosecond()),
	}
}

func TimestampNow() Timestamp {
	return TimestampFromTime(time.Now())
}
