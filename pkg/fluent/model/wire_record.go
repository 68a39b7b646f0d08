package model

// WireRecord is one encoded record as submitted to the delivery channel.
// Time and Fields are complete MessagePack fragments; downstream code only
// concatenates them into Message Mode or Forward Mode framing and never
// re-inspects the encoded content.
type WireRecord struct {
	Tag    string
	Time   []byte
	Fields []byte
}
