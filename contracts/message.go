package contracts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Message is an opaque payload with system headers and user properties.
// Producers clone the message they are given; the caller keeps ownership of
// its own copy.
type Message struct {
	Body       []byte
	Headers    Properties
	Properties Properties
}

// NewTopicBytesMessage creates a message addressed to a topic
func NewTopicBytesMessage(topic string, body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    Properties{HeaderTopic: topic},
		Properties: make(Properties),
	}
}

// NewQueueBytesMessage creates a message addressed to a queue
func NewQueueBytesMessage(queue string, body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    Properties{HeaderQueue: queue},
		Properties: make(Properties),
	}
}

// ID returns the message id, empty until assigned
func (m *Message) ID() string {
	return m.Headers.GetString(HeaderMessageID, "")
}

// Topic returns the destination topic, if any
func (m *Message) Topic() string {
	return m.Headers.GetString(HeaderTopic, "")
}

// Queue returns the destination queue, if any
func (m *Message) Queue() string {
	return m.Headers.GetString(HeaderQueue, "")
}

// Destination returns the topic or the queue
func (m *Message) Destination() string {
	if t := m.Topic(); t != "" {
		return t
	}
	return m.Queue()
}

// BornTimestamp returns the time the producer accepted the message
func (m *Message) BornTimestamp() time.Time {
	ms, err := strconv.ParseInt(m.Headers.GetString(HeaderBornTimestamp, ""), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Validate checks the message is sendable
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: message cannot be nil", ErrMessageFormat)
	}
	topic, queue := m.Topic(), m.Queue()
	if topic == "" && queue == "" {
		return fmt.Errorf("%w: message has no destination", ErrMessageFormat)
	}
	if topic != "" && queue != "" {
		return fmt.Errorf("%w: message has both topic %q and queue %q", ErrMessageFormat, topic, queue)
	}
	return nil
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	var body []byte
	if m.Body != nil {
		body = make([]byte, len(m.Body))
		copy(body, m.Body)
	}
	return &Message{
		Body:       body,
		Headers:    m.Headers.Clone(),
		Properties: m.Properties.Clone(),
	}
}

// Stamp assigns a message id and born timestamp when they are missing
func (m *Message) Stamp(now time.Time) {
	if m.Headers == nil {
		m.Headers = make(Properties)
	}
	if m.ID() == "" {
		m.Headers[HeaderMessageID] = uuid.New().String()
	}
	if _, ok := m.Headers[HeaderBornTimestamp]; !ok {
		m.Headers[HeaderBornTimestamp] = strconv.FormatInt(now.UnixMilli(), 10)
	}
}
