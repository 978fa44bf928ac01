package services

import (
	"context"
	"testing"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	name       models.Gateway
	configured bool
	calls      int
}

func (g *fakeGateway) Name() models.Gateway { return g.name }
func (g *fakeGateway) Configured() bool     { return g.configured }
func (g *fakeGateway) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	g.calls++
	return &Intent{Gateway: g.name, TransactionID: "txn_" + string(g.name)}, nil
}

func TestGatewaySelection(t *testing.T) {
	stripeGW := &fakeGateway{name: models.GatewayStripe, configured: true}
	paypalGW := &fakeGateway{name: models.GatewayPayPal, configured: true}

	gws := NewGateways(models.GatewayPayPal, stripeGW, paypalGW)
	gw, err := gws.Select("")
	require.NoError(t, err)
	assert.Equal(t, models.GatewayPayPal, gw.Name())

	gw, err = gws.Select(models.GatewayStripe)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStripe, gw.Name())

	paypalGW.configured = false
	gw, err = gws.Select("")
	require.NoError(t, err)
	assert.Equal(t, models.GatewayStripe, gw.Name(), "falls back when preferred is unconfigured")

	_, err = gws.Select(models.GatewayPayPal)
	assert.ErrorIs(t, err, registry.ErrConfigurationMissing)
	assert.Equal(t, []models.Gateway{models.GatewayStripe}, gws.Available())

	stripeGW.configured = false
	_, err = gws.Select("")
	assert.ErrorIs(t, err, registry.ErrConfigurationMissing)
}

func TestCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	gw := &fakeGateway{name: models.GatewayStripe, configured: true}
	gws := NewGateways(models.GatewayStripe, gw)

	_, err := gws.CreateIntent(context.Background(), "", IntentRequest{Amount: decimal.Zero, Currency: "USD"})
	assert.ErrorIs(t, err, registry.ErrInvalidEvent)
	assert.Zero(t, gw.calls)

	intent, err := gws.CreateIntent(context.Background(), "", IntentRequest{Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "txn_stripe", intent.TransactionID)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(999), MinorUnits(decimal.RequireFromString("9.99"), "USD"))
	assert.Equal(t, int64(1000), MinorUnits(decimal.RequireFromString("9.995"), "eur"))
	assert.Equal(t, int64(500), MinorUnits(decimal.NewFromInt(500), "JPY"))
	assert.Equal(t, "9.99", FromMinorUnits(999, "usd").StringFixed(2))
	assert.Equal(t, "500", FromMinorUnits(500, "JPY").String())
}

type publishedMessage struct {
	channel string
	data    []byte
}

type fakePublisher struct {
	messages []publishedMessage
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message []byte) error {
	p.messages = append(p.messages, publishedMessage{channel, message})
	return nil
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, "notifications")

	err := n.Notify(context.Background(), registry.Notification{UserID: 42, Event: registry.NotifyPaymentCompleted, Data: map[string]string{"amount": "9.99"}})
	require.NoError(t, err)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "notifications", pub.messages[0].channel)
	assert.Contains(t, string(pub.messages[0].data), `"event":"payment.completed"`)
	assert.Contains(t, string(pub.messages[0].data), `"userId":42`)

	require.NoError(t, NewLogNotifier().Notify(context.Background(), registry.Notification{Event: "x"}))
}
