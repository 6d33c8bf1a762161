package interceptors

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-oms/contracts"
)

var (
	ErrDuplicateName   = errors.New("interceptors: duplicate handler name")
	ErrHandlerNotFound = errors.New("interceptors: handler not found")
	ErrInvalidHandler  = errors.New("interceptors: handler must not be nil and must be named")
)

type entry struct {
	name    string
	handler Handler
}

// Pipeline is an ordered set of uniquely named handlers. Mutations replace
// the handler slice atomically, so a send keeps the chain it started with.
type Pipeline struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]entry]
	logger  *slog.Logger
}

// NewPipeline creates an empty pipeline
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{logger: logger}
	empty := make([]entry, 0)
	p.entries.Store(&empty)
	return p
}

func (p *Pipeline) load() []entry {
	return *p.entries.Load()
}

// AddLast appends handler under name
func (p *Pipeline) AddLast(name string, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(len(p.load()), name, handler)
}

// Add inserts handler under name at index. Valid indexes are 0..Len().
func (p *Pipeline) Add(index int, name string, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(index, name, handler)
}

func (p *Pipeline) insertLocked(index int, name string, handler Handler) error {
	if handler == nil || name == "" {
		return ErrInvalidHandler
	}
	current := p.load()
	if index < 0 || index > len(current) {
		return fmt.Errorf("%w: index %d, pipeline has %d handlers", contracts.ErrIndexOutOfRange, index, len(current))
	}
	for _, e := range current {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}

	next := make([]entry, 0, len(current)+1)
	next = append(next, current[:index]...)
	next = append(next, entry{name: name, handler: handler})
	next = append(next, current[index:]...)
	p.entries.Store(&next)
	return nil
}

// Remove deletes the handler registered under name
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.load()
	for i, e := range current {
		if e.name != name {
			continue
		}
		next := make([]entry, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		p.entries.Store(&next)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
}

// Get returns the handler registered under name
func (p *Pipeline) Get(name string) (Handler, bool) {
	for _, e := range p.load() {
		if e.name == name {
			return e.handler, true
		}
	}
	return nil, false
}

// Names returns the handler names in order
func (p *Pipeline) Names() []string {
	current := p.load()
	names := make([]string, len(current))
	for i, e := range current {
		names[i] = e.name
	}
	return names
}

// Len returns the number of handlers
func (p *Pipeline) Len() int {
	return len(p.load())
}

// Snapshot returns the current chain. Later mutations do not affect it.
func (p *Pipeline) Snapshot() Chain {
	return Chain{entries: p.load(), logger: p.logger}
}

// Chain is an immutable view of a pipeline taken at the start of a send
type Chain struct {
	entries []entry
	logger  *slog.Logger
}

// Len returns the number of handlers in the chain
func (c Chain) Len() int {
	return len(c.entries)
}

// PreHandle runs PreHandle on each handler in order and stops at the first
// failure. It returns how many handlers were entered; a handler whose
// PreHandle failed is not entered.
func (c Chain) PreHandle(inv *Invocation) (int, error) {
	for i, e := range c.entries {
		if err := c.safePre(e, inv); err != nil {
			return i, err
		}
	}
	return len(c.entries), nil
}

// PostHandle runs PostHandle on the first entered handlers in reverse order
func (c Chain) PostHandle(inv *Invocation, entered int) {
	if entered > len(c.entries) {
		entered = len(c.entries)
	}
	for i := entered - 1; i >= 0; i-- {
		c.safePost(c.entries[i], inv)
	}
}

func (c Chain) safePre(e entry, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = contracts.NewOperationError("pre-handle "+e.name, inv.MessageID(), contracts.ErrRuntime,
				fmt.Errorf("panic: %v", r))
		}
	}()
	return e.handler.PreHandle(inv)
}

func (c Chain) safePost(e entry, inv *Invocation) {
	defer func() {
		if r := recover(); r != nil {
			logger := c.logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("handler panicked in post-handle",
				"handler", e.name,
				"messageId", inv.MessageID(),
				"panic", r,
			)
		}
	}()
	e.handler.PostHandle(inv)
}
