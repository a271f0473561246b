package domain

import "time"

// Record is one message as returned by a log client poll.
type Record struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Headers   map[string]string
	Timestamp time.Time
	KeySize   int
	ValueSize int
}

// Tombstone reports whether the record carries a key but no value.
func (r Record) Tombstone() bool {
	return r.Value == nil
}

// CapturedRecord is the stored copy of a record consumed by a session.
// (SessionID, Topic, Partition, Offset) is unique.
type CapturedRecord struct {
	SessionID  string            `json:"sessionId"`
	Topic      string            `json:"topic"`
	Partition  int32             `json:"partition"`
	Offset     int64             `json:"offset"`
	Key        []byte            `json:"key,omitempty"`
	Value      []byte            `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	KeySize    int               `json:"keySize"`
	ValueSize  int               `json:"valueSize"`
	Headers    map[string]string `json:"headers,omitempty"`
	CapturedAt time.Time         `json:"capturedAt"`
}

func Capture(sessionID string, r Record, at time.Time) CapturedRecord {
	keySize, valueSize := r.KeySize, r.ValueSize
	if keySize == 0 {
		keySize = len(r.Key)
	}
	if valueSize == 0 {
		valueSize = len(r.Value)
	}
	return CapturedRecord{
		SessionID:  sessionID,
		Topic:      r.Topic,
		Partition:  r.Partition,
		Offset:     r.Offset,
		Key:        r.Key,
		Value:      r.Value,
		Timestamp:  r.Timestamp,
		KeySize:    keySize,
		ValueSize:  valueSize,
		Headers:    r.Headers,
		CapturedAt: at,
	}
}

// Cursor addresses a position in a session's ordered record stream. Records
// strictly after the cursor are returned by a read-back.
type Cursor struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// After reports whether r sorts after c in (topic, partition, offset) order.
func (c Cursor) After(r CapturedRecord) bool {
	if r.Topic != c.Topic {
		return r.Topic > c.Topic
	}
	if r.Partition != c.Partition {
		return r.Partition > c.Partition
	}
	return r.Offset > c.Offset
}

// Less orders captured records by (topic, partition, offset).
func Less(a, b CapturedRecord) bool {
	if a.Topic != b.Topic {
		return a.Topic < b.Topic
	}
	if a.Partition != b.Partition {
		return a.Partition < b.Partition
	}
	return a.Offset < b.Offset
}
