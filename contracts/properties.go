package contracts

import (
	"strconv"
	"time"
)

// System header keys
const (
	HeaderMessageID           = "MESSAGE_ID"
	HeaderTopic               = "TOPIC"
	HeaderQueue               = "QUEUE"
	HeaderBornTimestamp       = "BORN_TIMESTAMP"
	HeaderBornHost            = "BORN_HOST"
	HeaderTransactionID       = "TRANSACTION_ID"
	HeaderTransactionPrepared = "TRANSACTION_PREPARED"
)

// Well-known property keys understood by the producer and the transports
const (
	PropertyProducerID       = "PRODUCER_ID"
	PropertyOperationTimeout = "OPERATION_TIMEOUT"
	PropertyRoutingKey       = "ROUTING_KEY"
	PropertyPartitionKey     = "PARTITION_KEY"
	PropertyContentType      = "CONTENT_TYPE"
)

// Properties is a string-keyed property container
type Properties map[string]string

// Get returns the value stored under key
func (p Properties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	return v, ok
}

// GetString returns the value or def when missing
func (p Properties) GetString(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// GetInt returns the value parsed as an int or def when missing or invalid
func (p Properties) GetInt(key string, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the value parsed as a bool or def when missing or invalid
func (p Properties) GetBool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetDuration accepts either a Go duration ("1500ms") or a bare number of
// milliseconds ("1500").
func (p Properties) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// Put stores value under key and returns p for chaining. A nil receiver
// allocates a new map.
func (p Properties) Put(key, value string) Properties {
	if p == nil {
		p = make(Properties)
	}
	p[key] = value
	return p
}

// Clone returns a copy of p. The copy of a nil map is an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overlaid with other
func (p Properties) Merge(other Properties) Properties {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
