package contracts

// SendResult is the immutable outcome of a successful send
type SendResult struct {
	messageID   string
	destination string
	metadata    map[string]string
}

// NewSendResult creates a SendResult. The metadata map is copied.
func NewSendResult(messageID, destination string, metadata map[string]string) SendResult {
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	return SendResult{
		messageID:   messageID,
		destination: destination,
		metadata:    md,
	}
}

// MessageID returns the id of the delivered message
func (r SendResult) MessageID() string { return r.messageID }

// Destination returns the topic or queue the message was delivered to
func (r SendResult) Destination() string { return r.destination }

// Metadata returns a broker-assigned attribute such as a partition or offset
func (r SendResult) Metadata(key string) (string, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

// MetadataKeys returns the broker-assigned attribute names
func (r SendResult) MetadataKeys() []string {
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	return keys
}

// IsZero reports whether r is the zero value
func (r SendResult) IsZero() bool {
	return r.messageID == "" && r.destination == "" && r.metadata == nil
}
