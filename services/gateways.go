package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pettag-backend/registry"
	"pettag-backend/sections/models"

	"github.com/shopspring/decimal"
)

// IntentRequest describes a payment the client is about to make
type IntentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// Metadata travels with the payment and comes back on the webhook
	Metadata map[string]string
}

// Intent is what the client needs to complete a payment with the chosen gateway
type Intent struct {
	Gateway       models.Gateway `json:"gateway"`
	TransactionID string         `json:"transactionId"`
	ClientSecret  string         `json:"clientSecret,omitempty"`
	ApprovalURL   string         `json:"approvalUrl,omitempty"`
	PublicKey     string         `json:"publicKey,omitempty"`
}

// Gateway creates payment intents with an external payment provider
type Gateway interface {
	Name() models.Gateway
	Configured() bool
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// Gateways picks the gateway for a new payment
type Gateways struct {
	preferred models.Gateway
	gateways  []Gateway
	logger    *slog.Logger
}

// NewGateways registers gateways in fallback order
func NewGateways(preferred models.Gateway, gateways ...Gateway) *Gateways {
	return &Gateways{
		preferred: preferred,
		gateways:  gateways,
		logger:    slog.With("service", "Gateways"),
	}
}

func (g *Gateways) lookup(name models.Gateway) Gateway {
	for _, gw := range g.gateways {
		if gw.Name() == name {
			return gw
		}
	}
	return nil
}

// Select returns the requested gateway, or the preferred one, or the first
// configured one. A gateway that is named but not configured is an error.
func (g *Gateways) Select(requested models.Gateway) (Gateway, error) {
	if requested != "" {
		gw := g.lookup(requested)
		if gw == nil || !gw.Configured() {
			return nil, fmt.Errorf("%w: %s", registry.ErrConfigurationMissing, requested)
		}
		return gw, nil
	}
	if gw := g.lookup(g.preferred); gw != nil && gw.Configured() {
		return gw, nil
	}
	for _, gw := range g.gateways {
		if gw.Configured() {
			return gw, nil
		}
	}
	return nil, fmt.Errorf("%w: no gateway enabled", registry.ErrConfigurationMissing)
}

// Available lists configured gateways
func (g *Gateways) Available() []models.Gateway {
	var out []models.Gateway
	for _, gw := range g.gateways {
		if gw.Configured() {
			out = append(out, gw.Name())
		}
	}
	return out
}

// CreateIntent selects a gateway and creates the intent there
func (g *Gateways) CreateIntent(ctx context.Context, requested models.Gateway, req IntentRequest) (*Intent, error) {
	gw, err := g.Select(requested)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", registry.ErrInvalidEvent)
	}
	intent, err := gw.CreateIntent(ctx, req)
	if err != nil {
		g.logger.Error("Failed to create payment intent", "gateway", gw.Name(), "error", err)
		return nil, err
	}
	return intent, nil
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MinorUnits converts an amount into the smallest currency unit
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(currencyExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits converts gateway minor units back into an amount
func FromMinorUnits(n int64, currency string) decimal.Decimal {
	return decimal.New(n, -currencyExponent(currency))
}
