package interceptors

import (
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-oms/contracts"
)

// Handler runs around every send variant of a producer
type Handler interface {
	// Name returns the handler name used for registration and logging
	Name() string

	// PreHandle runs before the send. An error aborts the send.
	PreHandle(inv *Invocation) error

	// PostHandle runs after the send outcome is known, for every handler
	// whose PreHandle succeeded
	PostHandle(inv *Invocation)
}

// HandlerFunc adapts a pair of functions to Handler. Either may be nil.
type HandlerFunc struct {
	name string
	pre  func(inv *Invocation) error
	post func(inv *Invocation)
}

// NewHandlerFunc creates a function-based handler
func NewHandlerFunc(name string, pre func(inv *Invocation) error, post func(inv *Invocation)) *HandlerFunc {
	return &HandlerFunc{name: name, pre: pre, post: post}
}

// Name implements Handler
func (h *HandlerFunc) Name() string {
	return h.name
}

// PreHandle implements Handler
func (h *HandlerFunc) PreHandle(inv *Invocation) error {
	if h.pre == nil {
		return nil
	}
	return h.pre(inv)
}

// PostHandle implements Handler
func (h *HandlerFunc) PostHandle(inv *Invocation) {
	if h.post != nil {
		h.post(inv)
	}
}

// Built-in handlers

// LoggingHandler logs every send and its outcome
type LoggingHandler struct {
	logger *slog.Logger
}

// NewLoggingHandler creates a new logging handler
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

// Name implements Handler
func (h *LoggingHandler) Name() string {
	return "LoggingHandler"
}

// PreHandle implements Handler
func (h *LoggingHandler) PreHandle(inv *Invocation) error {
	h.logger.Debug("sending message",
		"messageId", inv.MessageID(),
		"destination", inv.Destination(),
		"mode", inv.Mode.String(),
	)
	return nil
}

// PostHandle implements Handler
func (h *LoggingHandler) PostHandle(inv *Invocation) {
	if inv.Err != nil {
		h.logger.Error("message send failed",
			"messageId", inv.MessageID(),
			"destination", inv.Destination(),
			"mode", inv.Mode.String(),
			"duration", inv.Elapsed(),
			"error", inv.Err,
		)
		return
	}
	h.logger.Info("message sent",
		"messageId", inv.MessageID(),
		"destination", inv.Destination(),
		"mode", inv.Mode.String(),
		"duration", inv.Elapsed(),
	)
}

// MessageValidator checks a message before it is sent
type MessageValidator interface {
	Validate(msg *contracts.Message, props contracts.Properties) error
}

// MessageValidatorFunc adapts a function to MessageValidator
type MessageValidatorFunc func(msg *contracts.Message, props contracts.Properties) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(msg *contracts.Message, props contracts.Properties) error {
	return f(msg, props)
}

// ValidationHandler rejects messages refused by a validator. Rejections are
// reported as ErrMessageFormat.
type ValidationHandler struct {
	validator MessageValidator
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(validator MessageValidator) *ValidationHandler {
	return &ValidationHandler{validator: validator}
}

// Name implements Handler
func (h *ValidationHandler) Name() string {
	return "ValidationHandler"
}

// PreHandle implements Handler
func (h *ValidationHandler) PreHandle(inv *Invocation) error {
	if err := h.validator.Validate(inv.Message, inv.Properties); err != nil {
		return contracts.NewOperationError("validate", inv.MessageID(), contracts.ErrMessageFormat, err)
	}
	return nil
}

// PostHandle implements Handler
func (h *ValidationHandler) PostHandle(*Invocation) {}

// MaxBodySize returns a validator limiting the body to limit bytes
func MaxBodySize(limit int) MessageValidator {
	return MessageValidatorFunc(func(msg *contracts.Message, _ contracts.Properties) error {
		if len(msg.Body) > limit {
			return fmt.Errorf("body is %d bytes, limit is %d", len(msg.Body), limit)
		}
		return nil
	})
}

// PropertyHandler stamps fixed user properties onto every message without
// overwriting values already set by the caller
type PropertyHandler struct {
	name       string
	properties contracts.Properties
}

// NewPropertyHandler creates a property-stamping handler
func NewPropertyHandler(name string, properties contracts.Properties) *PropertyHandler {
	return &PropertyHandler{name: name, properties: properties.Clone()}
}

// Name implements Handler
func (h *PropertyHandler) Name() string {
	return h.name
}

// PreHandle implements Handler
func (h *PropertyHandler) PreHandle(inv *Invocation) error {
	if inv.Message.Properties == nil {
		inv.Message.Properties = make(contracts.Properties)
	}
	for k, v := range h.properties {
		if _, exists := inv.Message.Properties[k]; !exists {
			inv.Message.Properties[k] = v
		}
	}
	return nil
}

// PostHandle implements Handler
func (h *PropertyHandler) PostHandle(*Invocation) {}
