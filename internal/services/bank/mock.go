package bank

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"festival-booking/internal/status"
	"festival-booking/models"
	"festival-booking/utils"
)

// MockGateway stands in when no provider credentials are configured. Every
// intent settles immediately.
type MockGateway struct {
	mu       sync.Mutex
	ch       chan *status.Settlement
	refunded map[string]bool
}

func NewMockGateway() *MockGateway {
	return &MockGateway{refunded: make(map[string]bool)}
}

func (m *MockGateway) Provider() Provider {
	return ProviderMock
}

func (m *MockGateway) CreateIntent(_ context.Context, req *IntentRequest) (*Intent, error) {
	if req == nil || req.Amount.Amount <= 0 {
		return nil, fmt.Errorf("mock gateway: amount must be positive")
	}
	id, err := utils.GenerateCode(12)
	if err != nil {
		return nil, err
	}
	secret, err := utils.GenerateCode(12)
	if err != nil {
		return nil, err
	}

	ref := "mock_pi_" + strings.ToLower(id)
	return &Intent{
		ProviderReference: ref,
		ClientSecret:      ref + "_secret_" + strings.ToLower(secret),
	}, nil
}

func (m *MockGateway) GetStatus(_ context.Context, reference string) (status.Outcome, error) {
	if !strings.HasPrefix(reference, "mock_pi_") {
		return "", status.ErrRefCodeNotFound
	}
	return status.OutcomeSucceeded, nil
}

func (m *MockGateway) Refund(_ context.Context, reference string, _ *models.Money) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded[reference] = true
	return nil
}

func (m *MockGateway) Cancel(context.Context, string) error {
	return nil
}

// Refunded reports whether Refund was called for reference.
func (m *MockGateway) Refunded(reference string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[reference]
}

func (m *MockGateway) SetSettlementChannel(ch chan *status.Settlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ch = ch
}

// Simulate pushes a settlement for reference as if the provider sent it.
func (m *MockGateway) Simulate(ctx context.Context, s *status.Settlement) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("mock gateway: no settlement channel")
	}
	select {
	case ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockGateway) Close(context.Context) error {
	return nil
}
