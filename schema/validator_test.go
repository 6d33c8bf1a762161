package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports/memory"
)

func orderSchema() *Schema {
	return &Schema{
		RequiredProperties: []string{"tenant"},
		Properties: map[string]*PropertyDef{
			"tenant":   {Type: "string", Pattern: `^[a-z]+$`},
			"priority": {Type: "integer", Minimum: Float(0), Maximum: Float(9)},
		},
		Body: &PropertyDef{
			Type:     "object",
			Required: []string{"orderId", "amount"},
			Properties: map[string]*PropertyDef{
				"orderId": {Type: "string", Format: "uuid"},
				"amount":  {Type: "number", Minimum: Float(0)},
				"status":  {Type: "string", Enum: []interface{}{"new", "paid"}},
				"lines": {Type: "array", Items: &PropertyDef{
					Type:     "object",
					Required: []string{"sku"},
					Properties: map[string]*PropertyDef{
						"sku": {Type: "string", MinLength: Int(3), MaxLength: Int(8)},
					},
				}},
			},
		},
	}
}

func jsonOrder(body string, props contracts.Properties) *contracts.Message {
	msg := contracts.NewTopicBytesMessage("orders", []byte(body))
	msg.Properties = contracts.Properties{contracts.PropertyContentType: ContentTypeJSON}
	for k, v := range props {
		msg.Properties[k] = v
	}
	return msg
}

func codes(t *testing.T, err error) []string {
	t.Helper()
	var vs Violations
	require.ErrorAs(t, err, &vs)
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Code
	}
	return out
}

func TestValidator_Register(t *testing.T) {
	v := NewValidator()
	assert.Error(t, v.RegisterSchema("", &Schema{}))
	assert.Error(t, v.RegisterSchema("orders", nil))
	assert.Error(t, v.RegisterSchema("orders", &Schema{Body: &PropertyDef{Pattern: "("}}))
	_, ok := v.Schema("orders")
	assert.False(t, ok)

	require.NoError(t, v.RegisterSchema("orders", orderSchema()))
	_, ok = v.Schema("orders")
	assert.True(t, ok)

	v.Unregister("orders")
	_, ok = v.Schema("orders")
	assert.False(t, ok)
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.RegisterSchema("orders", orderSchema()))

	valid := `{"orderId":"6f1c2a4e-8b1d-4d8e-9a55-0c3b5d0e7f12","amount":12.5,"status":"new","lines":[{"sku":"abc-1"}]}`

	t.Run("valid message", func(t *testing.T) {
		assert.NoError(t, v.Validate(jsonOrder(valid, contracts.Properties{"tenant": "acme", "priority": "3"}), nil))
	})

	t.Run("missing required property", func(t *testing.T) {
		err := v.Validate(jsonOrder(valid, nil), nil)
		assert.Equal(t, []string{"REQUIRED_FIELD_MISSING"}, codes(t, err))
	})

	t.Run("property constraints", func(t *testing.T) {
		err := v.Validate(jsonOrder(valid, contracts.Properties{"tenant": "ACME", "priority": "12"}), nil)
		assert.ElementsMatch(t, []string{"PATTERN_VIOLATION", "MAXIMUM_VIOLATION"}, codes(t, err))

		err = v.Validate(jsonOrder(valid, contracts.Properties{"tenant": "acme", "priority": "high"}), nil)
		assert.Equal(t, []string{"TYPE_MISMATCH"}, codes(t, err))
	})

	t.Run("body constraints", func(t *testing.T) {
		body := `{"orderId":"not-a-uuid","amount":-1,"status":"lost","lines":[{"sku":"ab"},{}]}`
		err := v.Validate(jsonOrder(body, contracts.Properties{"tenant": "acme"}), nil)
		assert.ElementsMatch(t, []string{
			"FORMAT_VIOLATION",
			"MINIMUM_VIOLATION",
			"ENUM_VIOLATION",
			"MIN_LENGTH_VIOLATION",
			"REQUIRED_FIELD_MISSING",
		}, codes(t, err))
		assert.Contains(t, err.Error(), "body.lines[1].sku")
	})

	t.Run("missing body field and wrong type", func(t *testing.T) {
		err := v.Validate(jsonOrder(`{"orderId":"6f1c2a4e-8b1d-4d8e-9a55-0c3b5d0e7f12","amount":"12"}`, contracts.Properties{"tenant": "acme"}), nil)
		assert.Equal(t, []string{"TYPE_MISMATCH"}, codes(t, err))

		err = v.Validate(jsonOrder(`{"amount":1}`, contracts.Properties{"tenant": "acme"}), nil)
		assert.Equal(t, []string{"REQUIRED_FIELD_MISSING"}, codes(t, err))
	})

	t.Run("invalid JSON", func(t *testing.T) {
		err := v.Validate(jsonOrder(`{"orderId":`, contracts.Properties{"tenant": "acme"}), nil)
		assert.Equal(t, []string{"INVALID_JSON"}, codes(t, err))
	})

	t.Run("body skipped without JSON content type", func(t *testing.T) {
		msg := contracts.NewTopicBytesMessage("orders", []byte("not json"))
		msg.Properties = contracts.Properties{"tenant": "acme"}
		assert.NoError(t, v.Validate(msg, nil))
	})

	t.Run("unknown destination", func(t *testing.T) {
		msg := contracts.NewQueueBytesMessage("jobs", []byte("x"))
		assert.NoError(t, v.Validate(msg, nil))

		strict := NewValidator(WithStrictMode(true))
		assert.Equal(t, []string{"UNKNOWN_DESTINATION"}, codes(t, strict.Validate(msg, nil)))
	})
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		format, value string
		valid         bool
	}{
		{"email", "ops@example.com", true},
		{"email", "ops@", false},
		{"uri", "amqp://localhost", true},
		{"uri", "localhost", false},
		{"uuid", "6F1C2A4E-8B1D-4D8E-9A55-0C3B5D0E7F12", true},
		{"date", "2024-02-29", true},
		{"date", "29/02/2024", false},
		{"date-time", "2024-02-29T10:00:00Z", true},
		{"date-time", "2024-02-29T10:00:00.123+01:00", true},
		{"date-time", "2024-02-29 10:00", false},
		{"unknown", "anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.format+" "+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.valid, checkFormat(tt.value, tt.format) == "")
		})
	}
}

func TestValidator_ThroughProducer(t *testing.T) {
	ctx := context.Background()
	v := NewValidator()
	require.NoError(t, v.RegisterSchema("orders", &Schema{RequiredProperties: []string{"tenant"}}))

	tr := memory.New()
	p := messaging.NewProducer(tr)
	require.NoError(t, p.AddInterceptor(interceptors.NewValidationHandler(v)))
	require.NoError(t, p.Startup(ctx))
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, err := p.Send(ctx, p.CreateTopicBytesMessage("orders", []byte("x")), nil)
	assert.ErrorIs(t, err, contracts.ErrMessageFormat)
	var vs Violations
	assert.ErrorAs(t, err, &vs)

	msg := p.CreateTopicBytesMessage("orders", []byte("x"))
	msg.Properties = contracts.Properties{"tenant": "acme"}
	_, err = p.Send(ctx, msg, nil)
	require.NoError(t, err)
	assert.Len(t, tr.Delivered("orders"), 1)
}
