package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-oms/contracts"
)

// Mode identifies the send variant being intercepted
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
	ModeOneway
	ModeTransactional
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeOneway:
		return "oneway"
	case ModeTransactional:
		return "transactional"
	case ModeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Invocation is one send call as seen by the handlers. PreHandle may
// modify Message and Properties; Result and Err are filled in before
// PostHandle runs.
type Invocation struct {
	Message    *contracts.Message
	Properties contracts.Properties
	Mode       Mode
	Result     contracts.SendResult
	Err        error

	ctx    context.Context
	start  time.Time
	values map[string]interface{}
	mu     sync.RWMutex
}

// NewInvocation creates an invocation for msg
func NewInvocation(ctx context.Context, msg *contracts.Message, props contracts.Properties, mode Mode) *Invocation {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Invocation{
		Message:    msg,
		Properties: props,
		Mode:       mode,
		ctx:        ctx,
		start:      time.Now(),
		values:     make(map[string]interface{}),
	}
}

// Context returns the context the send runs under
func (inv *Invocation) Context() context.Context {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.ctx
}

// SetContext replaces the context seen by later handlers and the transport
func (inv *Invocation) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.ctx = ctx
}

// Elapsed returns the time since the invocation started
func (inv *Invocation) Elapsed() time.Duration {
	return time.Since(inv.start)
}

// MessageID returns the id of the intercepted message
func (inv *Invocation) MessageID() string {
	if inv.Message == nil {
		return ""
	}
	return inv.Message.ID()
}

// Destination returns the destination of the intercepted message
func (inv *Invocation) Destination() string {
	if inv.Message == nil {
		return ""
	}
	return inv.Message.Destination()
}

// Set stores a value shared between handlers
func (inv *Invocation) Set(key string, value interface{}) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.values[key] = value
}

// Get retrieves a value stored by a handler
func (inv *Invocation) Get(key string) (interface{}, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	value, exists := inv.values[key]
	return value, exists
}

// GetString retrieves a string value
func (inv *Invocation) GetString(key string) (string, bool) {
	value, exists := inv.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// Delete removes a stored value
func (inv *Invocation) Delete(key string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.values, key)
}
