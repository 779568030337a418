package bank

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"festival-booking/internal/services/bank/jdb"
	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrRefundUnsupported is returned for providers whose refunds are settled
// outside the API.
var ErrRefundUnsupported = errors.New("refund not supported by provider")

// yespay is the part of *jdb.Yespay the adapter needs.
type yespay interface {
	GenQRCode(ctx context.Context, bill, phone string, amount decimal.Decimal) (string, error)
	CheckTransaction(ctx context.Context, bill string) (*status.Settlement, error)
	Unwatch(bill string)
	SetSettlementChannel(ch chan *status.Settlement)
	Close()
}

// JDBAdapter exposes JDB dynamic QR payments as a Gateway. The bill number
// is the provider reference and the EMV QR payload is the client secret.
type JDBAdapter struct {
	client   yespay
	currency string
}

func NewJDBAdapter(ctx context.Context, config *jdb.Config) (*JDBAdapter, error) {
	client, err := jdb.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create JDB client: %w", err)
	}
	return &JDBAdapter{client: client, currency: strings.ToUpper(config.Currency)}, nil
}

func (j *JDBAdapter) Provider() Provider {
	return ProviderJDB
}

func (j *JDBAdapter) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	if j.currency != "" && req.Amount.Currency != j.currency {
		return nil, fmt.Errorf("jdb accepts %s only, got %s", j.currency, req.Amount.Currency)
	}

	bill := strings.ReplaceAll(uuid.NewString(), "-", "")
	emv, err := j.client.GenQRCode(ctx, bill, req.Metadata["phone"], req.Amount.Major())
	if err != nil {
		return nil, err
	}
	return &Intent{ProviderReference: bill, ClientSecret: emv}, nil
}

func (j *JDBAdapter) GetStatus(ctx context.Context, reference string) (status.Outcome, error) {
	_, err := j.client.CheckTransaction(ctx, reference)
	switch {
	case err == nil:
		return status.OutcomeSucceeded, nil
	case errors.Is(err, status.ErrFailedPayment):
		// no transaction for the bill yet
		return status.OutcomePending, nil
	default:
		return "", err
	}
}

func (j *JDBAdapter) Refund(context.Context, string, *models.Money) error {
	return ErrRefundUnsupported
}

// Cancel stops watching the bill. JDB QR codes expire on their own.
func (j *JDBAdapter) Cancel(_ context.Context, reference string) error {
	j.client.Unwatch(reference)
	return nil
}

func (j *JDBAdapter) SetSettlementChannel(ch chan *status.Settlement) {
	j.client.SetSettlementChannel(ch)
}

func (j *JDBAdapter) Close(context.Context) error {
	j.client.Close()
	return nil
}
