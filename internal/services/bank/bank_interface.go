package bank

import (
	"context"

	"festival-booking/internal/status"
	"festival-booking/models"
)

// Provider identifies a payment provider implementation.
type Provider string

const (
	ProviderJDB  Provider = "jdb"
	ProviderMock Provider = "mock"
)

// IntentRequest asks the provider to open a payment for Amount.
type IntentRequest struct {
	Amount      models.Money      `json:"amount"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Intent is the provider's handle on an open payment. ClientSecret is what
// the client needs to complete the payment (a QR payload for JDB).
type Intent struct {
	ProviderReference string `json:"provider_reference"`
	ClientSecret      string `json:"client_secret"`
}

// Gateway is the common interface of every payment provider.
type Gateway interface {
	Provider() Provider

	// CreateIntent opens a payment. It is never retried internally.
	CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error)

	// GetStatus reports the settlement state of an intent.
	GetStatus(ctx context.Context, reference string) (status.Outcome, error)

	// Refund returns amount, or the full payment when amount is nil.
	Refund(ctx context.Context, reference string, amount *models.Money) error

	// Cancel abandons an intent that has not been paid.
	Cancel(ctx context.Context, reference string) error

	// SetSettlementChannel sets the channel receiving provider notifications.
	SetSettlementChannel(ch chan *status.Settlement)

	Close(ctx context.Context) error
}

// GatewayFactory creates gateways by provider.
type GatewayFactory interface {
	CreateGateway(ctx context.Context, provider Provider, config any) (Gateway, error)
	GetSupportedProviders() []Provider
}
