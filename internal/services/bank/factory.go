package bank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"festival-booking/internal/services/bank/jdb"
)

// Factory implements GatewayFactory
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// CreateGateway creates a gateway based on provider type and configuration
func (f *Factory) CreateGateway(ctx context.Context, provider Provider, config any) (Gateway, error) {
	switch provider {
	case ProviderJDB:
		jdbConfig, ok := config.(*jdb.Config)
		if !ok {
			return nil, fmt.Errorf("invalid JDB config type, expected *jdb.Config")
		}
		if !jdbConfig.Configured() {
			return nil, fmt.Errorf("JDB credentials are not configured")
		}
		return NewJDBAdapter(ctx, jdbConfig)

	case ProviderMock:
		return NewMockGateway(), nil

	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", provider)
	}
}

func (f *Factory) GetSupportedProviders() []Provider {
	return []Provider{ProviderJDB, ProviderMock}
}

// Registry holds the configured gateways. When the primary provider could
// not be registered the mock gateway takes its place.
type Registry struct {
	mu       sync.RWMutex
	gateways map[Provider]Gateway
	factory  GatewayFactory
	primary  Provider
}

func NewRegistry(factory GatewayFactory) *Registry {
	return &Registry{
		gateways: make(map[Provider]Gateway),
		factory:  factory,
	}
}

// RegisterGateway creates and registers a gateway. The first registered
// gateway becomes primary.
func (r *Registry) RegisterGateway(ctx context.Context, provider Provider, config any) error {
	gw, err := r.factory.CreateGateway(ctx, provider, config)
	if err != nil {
		return fmt.Errorf("failed to create %s gateway: %w", provider, err)
	}
	r.Add(gw)
	return nil
}

// Add registers an already built gateway.
func (r *Registry) Add(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gateways[gw.Provider()] = gw
	if r.primary == "" {
		r.primary = gw.Provider()
	}
}

func (r *Registry) GetGateway(provider Provider) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gw, exists := r.gateways[provider]
	if !exists {
		return nil, fmt.Errorf("payment provider %s not registered", provider)
	}
	return gw, nil
}

func (r *Registry) SetPrimary(provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gateways[provider]; !exists {
		return fmt.Errorf("payment provider %s not registered", provider)
	}
	r.primary = provider
	return nil
}

// Primary returns the primary gateway, registering the mock gateway when
// nothing else is available.
func (r *Registry) Primary() Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gw, ok := r.gateways[r.primary]; ok {
		return gw
	}

	slog.Warn("no payment provider configured, using mock gateway")
	gw, ok := r.gateways[ProviderMock]
	if !ok {
		gw = NewMockGateway()
		r.gateways[ProviderMock] = gw
	}
	r.primary = ProviderMock
	return gw
}

func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.gateways))
	for provider := range r.gateways {
		providers = append(providers, provider)
	}
	return providers
}

// Close closes every gateway, logging failures.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for provider, gw := range r.gateways {
		if err := gw.Close(ctx); err != nil {
			slog.Error("failed to close payment gateway", "provider", provider, "error", err)
		}
	}
	return nil
}
