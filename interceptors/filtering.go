package interceptors

import (
	"errors"
	"fmt"
	"path"
)

// ErrFiltered is returned when a FilterHandler refuses a message
var ErrFiltered = errors.New("message filtered")

// MessageFilter decides whether a send may proceed
type MessageFilter interface {
	Allow(inv *Invocation) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(inv *Invocation) (bool, error)

// Allow implements MessageFilter
func (f MessageFilterFunc) Allow(inv *Invocation) (bool, error) {
	return f(inv)
}

// FilterHandler aborts sends refused by its filter
type FilterHandler struct {
	name   string
	filter MessageFilter
}

// NewFilterHandler creates a new filter handler
func NewFilterHandler(name string, filter MessageFilter) *FilterHandler {
	return &FilterHandler{name: name, filter: filter}
}

// Name implements Handler
func (h *FilterHandler) Name() string {
	return h.name
}

// PreHandle implements Handler
func (h *FilterHandler) PreHandle(inv *Invocation) error {
	allowed, err := h.filter.Allow(inv)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: destination=%s, id=%s", ErrFiltered, inv.Destination(), inv.MessageID())
	}
	return nil
}

// PostHandle implements Handler
func (h *FilterHandler) PostHandle(*Invocation) {}

// AllOf passes when every filter passes
func AllOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(inv *Invocation) (bool, error) {
		for _, f := range filters {
			ok, err := f.Allow(inv)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf passes when at least one filter passes
func AnyOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(inv *Invocation) (bool, error) {
		for _, f := range filters {
			ok, err := f.Allow(inv)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// DestinationFilter allows destinations matching one of the shell patterns
// (path.Match syntax, e.g. "orders.*")
func DestinationFilter(patterns ...string) MessageFilter {
	return MessageFilterFunc(func(inv *Invocation) (bool, error) {
		dest := inv.Destination()
		for _, p := range patterns {
			ok, err := path.Match(p, dest)
			if err != nil {
				return false, fmt.Errorf("invalid destination pattern %q: %w", p, err)
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// ModeFilter allows the listed send modes
func ModeFilter(modes ...Mode) MessageFilter {
	return MessageFilterFunc(func(inv *Invocation) (bool, error) {
		for _, m := range modes {
			if inv.Mode == m {
				return true, nil
			}
		}
		return false, nil
	})
}

// PropertyEquals allows messages whose property key has value
func PropertyEquals(key, value string) MessageFilter {
	return MessageFilterFunc(func(inv *Invocation) (bool, error) {
		v, ok := inv.Message.Properties.Get(key)
		return ok && v == value, nil
	})
}

// ConditionalHandler runs the wrapped handler only for sends that pass the
// condition. Sends that do not pass go through untouched.
type ConditionalHandler struct {
	condition MessageFilter
	handler   Handler
	key       string
}

// NewConditionalHandler creates a new conditional handler
func NewConditionalHandler(condition MessageFilter, handler Handler) *ConditionalHandler {
	return &ConditionalHandler{
		condition: condition,
		handler:   handler,
		key:       "oms.conditional." + handler.Name(),
	}
}

// Name implements Handler
func (h *ConditionalHandler) Name() string {
	return fmt.Sprintf("Conditional[%s]", h.handler.Name())
}

// PreHandle implements Handler
func (h *ConditionalHandler) PreHandle(inv *Invocation) error {
	ok, err := h.condition.Allow(inv)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := h.handler.PreHandle(inv); err != nil {
		return err
	}
	inv.Set(h.key, true)
	return nil
}

// PostHandle implements Handler
func (h *ConditionalHandler) PostHandle(inv *Invocation) {
	if _, entered := inv.Get(h.key); entered {
		h.handler.PostHandle(inv)
	}
}
