package oms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-oms/bridge"
	"github.com/glimte/mmate-oms/contracts"
	"github.com/glimte/mmate-oms/interceptors"
	"github.com/glimte/mmate-oms/messaging"
	"github.com/glimte/mmate-oms/transports"
)

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	t.Run("every backend is registered", func(t *testing.T) {
		names := transports.Names()
		for _, backend := range []string{"kafka", "kafkago", "memory", "nats", "rabbitmq", "redis"} {
			assert.Contains(t, names, backend)
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := NewClient(ctx, "carrier-pigeon", "")
		assert.ErrorContains(t, err, "unknown backend")
	})

	t.Run("invalid backend option", func(t *testing.T) {
		_, err := NewClient(ctx, "memory", "", WithBackendOption("latency", "slow"))
		assert.Error(t, err)
	})

	t.Run("started producer over the memory backend", func(t *testing.T) {
		client, err := NewClient(ctx, "memory", "",
			WithBackendOption("latency", "1ms"),
			WithProducerOptions(messaging.WithProducerID("orders-service")),
		)
		require.NoError(t, err)
		defer client.Close(ctx)

		assert.Equal(t, "memory", client.Backend())
		p := client.Producer()
		assert.Equal(t, "running", p.Attributes().GetString("STATE", ""))
		assert.Equal(t, "orders-service", p.ID())

		result, err := p.Send(ctx, p.CreateTopicBytesMessage("orders", []byte("o-1")), nil)
		require.NoError(t, err)
		assert.NotEmpty(t, result.MessageID())
	})

	t.Run("interceptors run on every send", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics, err := interceptors.NewMetricsHandler(reg)
		require.NoError(t, err)

		client, err := NewClient(ctx, "memory", "",
			WithInterceptors(metrics, interceptors.NewPropertyHandler("tenant", contracts.Properties{"tenant": "acme"})),
		)
		require.NoError(t, err)
		defer client.Close(ctx)

		assert.Equal(t, []string{metrics.Name(), "tenant"}, client.Producer().Pipeline().Names())
	})

	t.Run("close shuts the producer down", func(t *testing.T) {
		client, err := NewClient(ctx, "memory", "")
		require.NoError(t, err)
		require.NoError(t, client.Close(ctx))

		p := client.Producer()
		_, err = p.Send(ctx, p.CreateTopicBytesMessage("orders", nil), nil)
		assert.ErrorIs(t, err, contracts.ErrIllegalState)
	})
}

func TestClient_Bridge(t *testing.T) {
	ctx := context.Background()
	client, err := NewClient(ctx, "memory", "", WithBridgeOptions(bridge.WithMaxPending(2000)))
	require.NoError(t, err)
	defer client.Close(ctx)

	b, err := client.Bridge()
	require.NoError(t, err)
	again, err := client.Bridge()
	require.NoError(t, err)
	assert.Same(t, b, again)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 1000; i++ {
		i := i
		g.Go(func() error {
			body := fmt.Sprintf("m-%d", i)
			f, err := b.Initiate(gctx, contracts.NewTopicBytesMessage("orders", []byte(body)), nil)
			if err != nil {
				return err
			}
			result, err := f.GetTimeout(5 * time.Second)
			if err != nil {
				return err
			}
			if result.Destination() != "orders" {
				return fmt.Errorf("send %d landed on %q", i, result.Destination())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, b.Pending())
}
