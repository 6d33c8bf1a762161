package nats

import (
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Option configures the transport
type Option func(*options)

type options struct {
	logger *slog.Logger

	// streams created on demand for each destination
	autoStreams bool
	maxMsgs     int64
	maxBytes    int64
	maxAge      time.Duration
	replicas    int
	retention   jetstream.RetentionPolicy
	storage     jetstream.StorageType

	maxAsyncPending int
}

func defaults() options {
	return options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxMsgs:         -1,
		maxBytes:        -1,
		replicas:        1,
		retention:       jetstream.LimitsPolicy,
		storage:         jetstream.FileStorage,
		maxAsyncPending: 4000,
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAutoStreams creates a stream for every destination on its first send
func WithAutoStreams() Option {
	return func(o *options) { o.autoStreams = true }
}

// WithMaxMessages sets the maximum number of messages per stream.
func WithMaxMessages(n int64) Option {
	return func(o *options) { o.maxMsgs = n }
}

// WithMaxBytes sets the maximum total size of a stream.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxAge sets the maximum age of messages in a stream.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(o *options) { o.replicas = n }
}

// WithStorage sets the stream storage type.
func WithStorage(s jetstream.StorageType) Option {
	return func(o *options) { o.storage = s }
}

// WithMaxAsyncPending bounds unacknowledged asynchronous publishes
func WithMaxAsyncPending(n int) Option {
	return func(o *options) { o.maxAsyncPending = n }
}

func (o options) streamConfig(subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      sanitizeStreamName(subject),
		Subjects:  []string{subject},
		MaxMsgs:   o.maxMsgs,
		MaxBytes:  o.maxBytes,
		MaxAge:    o.maxAge,
		Replicas:  o.replicas,
		Retention: o.retention,
		Storage:   o.storage,
	}
}

// sanitizeStreamName turns a subject into a valid stream name
func sanitizeStreamName(subject string) string {
	buf := []byte(subject)
	for i, c := range buf {
		if c == '.' || c == '*' || c == '>' {
			buf[i] = '-'
		}
	}
	return string(buf)
}
