package jdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"festival-booking/internal/status"

	pubnub "github.com/pubnub/go/v7"
	"github.com/shopspring/decimal"
)

type (
	Config struct {
		ReceiverID    string `json:"receiverId"`
		TerminalID    string `json:"terminalId"`
		TerminalLabel string `json:"terminalLabel"`
		Currency      string `json:"ccy"`

		PNSubKey    string `json:"pn_subkey"`
		PNSubSecret string `json:"pn_subsecret"`
		PNUUID      string `json:"pn_uuid"`
		PNCipherKey string `json:"pn_cipherKey"`

		BaseURL   string `json:"baseUrl"`
		PartnerID string `json:"partnerId"`
		ClientID  string `json:"clientId"`
		ClientKey string `json:"clientKey"`
		HMACKey   string `json:"hmacKey"`

		TokenRefreshInterval time.Duration `json:"-"`
		HTTPTimeout          time.Duration `json:"-"`
	}

	// Yespay is JDB's dynamic QR payment service. Payments settle through a
	// PubNub channel per bill.
	Yespay struct {
		MerchantID    string
		TerminalID    string
		TerminalLabel string
		Currency      string

		client *Client
		sub    *subscribe
	}
)

// Configured reports whether enough credentials are present to talk to JDB.
func (c *Config) Configured() bool {
	return c != nil && c.BaseURL != "" && c.PartnerID != "" && c.ClientID != "" && c.ClientKey != ""
}

type payload struct {
	RefID         string          `json:"refNo"`
	BillNumber    string          `json:"billNumber"`
	FCCRef        string          `json:"exReferenceNo"`
	Ccy           string          `json:"sourceCurrency"`
	Payer         string          `json:"sourceName"`
	AccountNumber string          `json:"sourceAccount"`
	Amount        decimal.Decimal `json:"txnAmount"`
	CreatedAt     string          `json:"txnDateTime"`
}

// New authenticates against JDB, starts the token refresher and subscribes
// to settlement notifications.
func New(ctx context.Context, cfg *Config) (*Yespay, error) {
	client := newClient(&ClientConfig{
		BaseURL:   cfg.BaseURL,
		PartnerID: cfg.PartnerID,
		ClientID:  cfg.ClientID,
		ClientKey: cfg.ClientKey,
		HMACKey:   cfg.HMACKey,
		Timeout:   cfg.HTTPTimeout,
	})

	token, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	client.setAccessToken(token)

	interval := cfg.TokenRefreshInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go client.refreshAccessToken(ctx, interval)

	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.PNUUID))
	pnCfg.SubscribeKey = cfg.PNSubKey
	pnCfg.CipherKey = cfg.PNCipherKey
	pnCfg.SecretKey = cfg.PNSubSecret

	sub := &subscribe{
		pn:  pubnub.NewPubNub(pnCfg),
		lis: pubnub.NewListener(),
	}
	sub.pn.AddListener(sub.lis)
	go sub.process(ctx)

	return &Yespay{
		MerchantID:    cfg.ReceiverID,
		TerminalID:    cfg.TerminalID,
		TerminalLabel: cfg.TerminalLabel,
		Currency:      cfg.Currency,
		client:        client,
		sub:           sub,
	}, nil
}

type subscribe struct {
	pn  *pubnub.PubNub
	lis *pubnub.Listener

	mu sync.RWMutex
	ch chan *status.Settlement
}

func (s *subscribe) setChannel(ch chan *status.Settlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
}

func (s *subscribe) deliver(ctx context.Context, st *status.Settlement) {
	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		slog.Warn("jdb: settlement dropped, no channel", "bill", st.ProviderReference)
		return
	}
	select {
	case ch <- st:
	case <-ctx.Done():
	}
}

func (s *subscribe) process(ctx context.Context) {
	for {
		select {
		case st := <-s.lis.Status:
			switch st.Category {
			case pubnub.PNConnectedCategory:
				slog.Info("jdb: connected to pubnub")
			case pubnub.PNReconnectedCategory:
				slog.Info("jdb: reconnected to pubnub")
			case pubnub.PNDisconnectedCategory, pubnub.PNTimeoutCategory:
				slog.Warn("jdb: pubnub connection lost", "category", st.Category)
			case pubnub.PNAccessDeniedCategory, pubnub.PNBadRequestCategory,
				pubnub.PNReconnectionAttemptsExhausted:
				slog.Error("jdb: pubnub subscription failed", "category", st.Category)
			}

		case msg := <-s.lis.Message:
			settlement, err := decodeMessage(msg.Message)
			if err != nil {
				slog.Error("jdb: decode settlement", "error", err, "channel", msg.Channel)
				continue
			}
			s.deliver(ctx, settlement)

		case <-ctx.Done():
			s.pn.UnsubscribeAll()
			return
		}
	}
}

// decodeMessage accepts the payload either as a JSON string or as an
// already decoded object, depending on how the publisher sent it.
func decodeMessage(message any) (*status.Settlement, error) {
	var raw []byte
	switch m := message.(type) {
	case string:
		raw = []byte(m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p.ToSettlement()
}

// ToSettlement converts a JDB transaction; JDB only reports paid bills.
func (p *payload) ToSettlement() (*status.Settlement, error) {
	if p.BillNumber == "" {
		return nil, fmt.Errorf("jdb: payload without bill number")
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", p.CreatedAt, time.Local)
	if err != nil {
		return nil, fmt.Errorf("jdb: parse txnDateTime %q: %w", p.CreatedAt, err)
	}

	return &status.Settlement{
		ProviderReference: p.BillNumber,
		Outcome:           status.OutcomeSucceeded,
		Amount:            p.Amount,
		Currency:          p.Ccy,
		Payer:             p.Payer,
		ProviderTxID:      p.RefID,
		SettledAt:         ts.UTC(),
	}, nil
}

func (y *Yespay) billChannel(bill string) string {
	return fmt.Sprintf("%s_%s", y.MerchantID, bill)
}

// watch subscribes to the bill's channel, replaying the last two minutes
// so a payment made before the subscription landed is not missed.
func (y *Yespay) watch(bill string) {
	tt := time.Now().Add(-2*time.Minute).UnixNano() / 100
	y.sub.pn.Subscribe().Channels([]string{y.billChannel(bill)}).Timetoken(tt).Execute()
}

func (y *Yespay) Unwatch(bill string) {
	y.sub.pn.Unsubscribe().Channels([]string{y.billChannel(bill)}).Execute()
}

func (y *Yespay) SetSettlementChannel(ch chan *status.Settlement) {
	y.sub.setChannel(ch)
}

func (y *Yespay) CheckTransaction(ctx context.Context, bill string) (*status.Settlement, error) {
	return y.client.checkTransaction(ctx, bill)
}

// GenQRCode opens a QR payment for bill and starts watching its channel.
func (y *Yespay) GenQRCode(ctx context.Context, bill, phone string, amount decimal.Decimal) (string, error) {
	emv, err := y.client.generateQR(ctx, &qrForm{
		BillNumber:    bill,
		MerchantID:    y.MerchantID,
		TerminalID:    y.TerminalID,
		TerminalLabel: y.TerminalLabel,
		Phone:         phone,
		Amount:        amount,
	})
	if err != nil {
		return "", err
	}

	y.watch(bill)
	return emv, nil
}

func (y *Yespay) Close() {
	y.sub.pn.UnsubscribeAll()
}
