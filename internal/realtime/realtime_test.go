package realtime

import (
	"context"
	"io"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

func testSubscriber() *Subscriber {
	return &Subscriber{
		businessID: "biz-1",
		log:        logger.NewLoggerTo("test", io.Discard),
	}
}

func TestHandleDeliveryForwardsOwnTenantEvents(t *testing.T) {
	s := testSubscriber()
	events := make(chan models.ChangeEvent, 1)

	body := []byte(`{"event_type":"update","table":"orders","business_id":"biz-1",` +
		`"order":{"id":"o-1","business_id":"biz-1","order_status":"ready"}}`)
	s.handleDelivery(context.Background(), amqp.Delivery{Body: body}, events)

	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, models.EventUpdate, ev.Type)
	require.NotNil(t, ev.Order)
	assert.Equal(t, "o-1", ev.Order.ID)
	assert.Equal(t, models.StatusReady, ev.Order.Status)
}

func TestHandleDeliverySkipsForeignTenant(t *testing.T) {
	s := testSubscriber()
	events := make(chan models.ChangeEvent, 1)

	body := []byte(`{"event_type":"update","table":"orders","business_id":"biz-2"}`)
	s.handleDelivery(context.Background(), amqp.Delivery{Body: body}, events)

	assert.Empty(t, events)
}

func TestHandleDeliveryDropsMalformedPayload(t *testing.T) {
	s := testSubscriber()
	events := make(chan models.ChangeEvent, 1)

	s.handleDelivery(context.Background(), amqp.Delivery{Body: []byte("not json")}, events)

	assert.Empty(t, events)
}
