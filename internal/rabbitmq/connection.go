package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is reported to state listeners
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// StateListener is called on every connection state change. attempt is the
// reconnection attempt, zero otherwise.
type StateListener func(state ConnectionState, attempt int, err error)

// dialFunc opens an AMQP connection
type dialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and re-dials it when the
// broker closes it
type ConnectionManager struct {
	url            string
	dial           dialFunc
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	notifyClose chan *amqp.Error
	isConnected bool
	done        chan struct{}
	closeOnce   sync.Once

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries bounds reconnection attempts. A negative value retries
// forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithStateListener registers a listener at construction
func WithStateListener(l StateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.listeners = append(cm.listeners, l)
	}
}

// NewConnectionManager creates a connection manager for url. Nothing is
// dialed until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		dialTimeout:    30 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect establishes the initial connection and starts watching it
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	select {
	case <-cm.done:
		return ErrConnectionClosed
	default:
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notify(StateConnected, 0, nil)

	go cm.watch()
	return nil
}

// attach installs conn. cm.mu must be held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type dialed struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan dialed, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- dialed{conn, err}
	}()

	select {
	case d := <-ch:
		return d.conn, d.err
	case <-dctx.Done():
		// close the connection if the dial completes after we gave up
		go func() {
			if d := <-ch; d.conn != nil {
				_ = d.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnection and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(l StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

func (cm *ConnectionManager) notify(state ConnectionState, attempt int, err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l(state, attempt, err)
	}
}

// watch waits for the connection to drop and reconnects
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case <-cm.done:
			return
		case err, ok := <-notifyClose:
			if !ok && err == nil {
				// graceful close by Close
				select {
				case <-cm.done:
					return
				default:
				}
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()
			cm.notify(StateDisconnected, 0, err)

			if !cm.reconnect() {
				return
			}
		}
	}
}

// reconnect dials until it succeeds, the retry budget is spent or the
// manager is closed. It reports whether a connection was re-established.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		if cm.maxRetries >= 0 && attempt > cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			}
			cm.logger.Error("giving up reconnecting", "attempts", attempt-1, "duration", time.Since(start))
			cm.notify(StateDisconnected, attempt-1, err)
			return false
		}

		delay := cm.backoff(attempt - 1)
		select {
		case <-time.After(delay):
		case <-cm.done:
			return false
		}

		cm.notify(StateReconnecting, attempt, nil)
		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(start))
		cm.notify(StateConnected, attempt, nil)
		return true
	}
}

// backoff returns the delay before reconnection attempt n: exponential from
// the base delay, capped at five minutes, with ±25% jitter
func (cm *ConnectionManager) backoff(n int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	const maxDelay = 5 * time.Minute

	delay := maxDelay
	if n < 16 {
		if d := base << uint(n); d > 0 && d < maxDelay {
			delay = d
		}
	}
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	return delay + jitter
}
