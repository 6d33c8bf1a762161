package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/internal/rabbitmq"
	"github.com/glimte/mmate-oms/transports"
)

func stamped(msg *contracts.Message) *contracts.Message {
	msg.Stamp(time.UnixMilli(1700000000000))
	msg.Properties[contracts.PropertyProducerID] = "producer-1"
	return msg
}

func TestToEnvelope(t *testing.T) {
	t.Run("topic goes to its exchange", func(t *testing.T) {
		msg := stamped(contracts.NewTopicBytesMessage("orders", []byte("body")))
		msg.Properties[contracts.PropertyRoutingKey] = "orders.created"
		msg.Properties["tenant"] = "acme"

		env := toEnvelope(msg, nil)
		assert.Equal(t, "orders", env.Exchange)
		assert.Equal(t, "orders.created", env.RoutingKey)
		assert.Equal(t, msg.ID(), env.Publishing.MessageId)
		assert.Equal(t, "producer-1", env.Publishing.AppId)
		assert.Equal(t, amqp.Persistent, env.Publishing.DeliveryMode)
		assert.Equal(t, defaultContentType, env.Publishing.ContentType)
		assert.Equal(t, time.UnixMilli(1700000000000), env.Publishing.Timestamp)
		assert.Equal(t, []byte("body"), env.Publishing.Body)
		assert.Equal(t, "acme", env.Publishing.Headers["tenant"])
		assert.Equal(t, msg.ID(), env.Publishing.Headers[contracts.HeaderMessageID])
	})

	t.Run("queue goes through the default exchange", func(t *testing.T) {
		msg := stamped(contracts.NewQueueBytesMessage("jobs", nil))
		env := toEnvelope(msg, contracts.Properties{contracts.PropertyContentType: "application/json"})
		assert.Equal(t, "", env.Exchange)
		assert.Equal(t, "jobs", env.RoutingKey)
		assert.Equal(t, "application/json", env.Publishing.ContentType)
	})

	t.Run("send properties override message properties", func(t *testing.T) {
		msg := stamped(contracts.NewTopicBytesMessage("orders", nil))
		msg.Properties[contracts.PropertyRoutingKey] = "a"
		env := toEnvelope(msg, contracts.Properties{contracts.PropertyRoutingKey: "b"})
		assert.Equal(t, "b", env.RoutingKey)
	})

	t.Run("system headers win over user properties", func(t *testing.T) {
		msg := stamped(contracts.NewTopicBytesMessage("orders", nil))
		msg.Properties[contracts.HeaderTopic] = "spoofed"
		env := toEnvelope(msg, nil)
		assert.Equal(t, "orders", env.Publishing.Headers[contracts.HeaderTopic])
	})
}

func TestToResult(t *testing.T) {
	msg := stamped(contracts.NewTopicBytesMessage("orders", nil))
	env := toEnvelope(msg, nil)
	result := toResult(msg, env, rabbitmq.Confirmation{ChannelID: "ch-1", DeliveryTag: 7})

	assert.Equal(t, msg.ID(), result.MessageID())
	assert.Equal(t, "orders", result.Destination())
	tag, _ := result.Metadata("deliveryTag")
	assert.Equal(t, "7", tag)
	ch, _ := result.Metadata("channelId")
	assert.Equal(t, "ch-1", ch)
}

func TestTransport_NotConnected(t *testing.T) {
	tr, err := NewTransport("amqp://localhost:5672", WithMaxChannels(2))
	require.NoError(t, err)
	assert.False(t, tr.IsConnected())

	ctx := context.Background()
	msg := stamped(contracts.NewQueueBytesMessage("jobs", nil))

	_, err = tr.Send(ctx, msg, nil)
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	_, err = tr.Prepare(ctx, msg, nil)
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	_, err = tr.SendBatchAtomic(ctx, []*contracts.Message{msg}, []contracts.Properties{nil})
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

	_, errs := tr.SendBatch(ctx, []*contracts.Message{msg, msg}, []contracts.Properties{nil, nil})
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], rabbitmq.ErrConnectionNotReady)

	assert.NoError(t, tr.Close())
}

func TestTransport_InvalidConfiguration(t *testing.T) {
	_, err := NewTransport("amqp://localhost:5672", WithMaxChannels(0))
	assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, transports.Names(), "rabbitmq")

	tr, err := transports.Create("rabbitmq", transports.Config{
		URL:     "amqp://localhost:5672",
		Options: map[string]string{"maxChannels": "4", "confirmTimeout": "2s"},
	})
	require.NoError(t, err)
	assert.IsType(t, &Transport{}, tr)

	_, err = transports.Create("rabbitmq", transports.Config{Options: map[string]string{"maxChannels": "many"}})
	assert.Error(t, err)
}
