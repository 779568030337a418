package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrFailedPayment   = errors.New("payment: payment failed")
	ErrRefCodeNotFound = errors.New("ref code: ref code not found")
)

// Kind classifies a failure so transports can map it without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindForbidden
	KindUnavailable
	KindCapacityExceeded
	KindConcurrencyConflict
	KindPaymentGateway
	KindPaymentIncomplete
	KindAlreadyProcessed
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindNotFound:            "not_found",
	KindInvalidArgument:     "invalid_argument",
	KindForbidden:           "forbidden",
	KindUnavailable:         "unavailable",
	KindCapacityExceeded:    "capacity_exceeded",
	KindConcurrencyConflict: "concurrency_conflict",
	KindPaymentGateway:      "payment_gateway_error",
	KindPaymentIncomplete:   "payment_incomplete",
	KindAlreadyProcessed:    "already_processed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrForbidden           = errors.New("forbidden")
	ErrUnavailable         = errors.New("unavailable")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrPaymentIncomplete   = errors.New("payment incomplete")
	ErrAlreadyProcessed    = errors.New("already processed")
)

var sentinels = map[Kind]error{
	KindNotFound:            ErrNotFound,
	KindInvalidArgument:     ErrInvalidArgument,
	KindForbidden:           ErrForbidden,
	KindUnavailable:         ErrUnavailable,
	KindCapacityExceeded:    ErrCapacityExceeded,
	KindConcurrencyConflict: ErrConcurrencyConflict,
	KindPaymentGateway:      ErrPaymentGateway,
	KindPaymentIncomplete:   ErrPaymentIncomplete,
	KindAlreadyProcessed:    ErrAlreadyProcessed,
}

// Error is a classified failure. Message is safe to show to callers,
// Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, status.ErrNotFound) match any *Error of that kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf reports the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// MessageOf returns the caller-facing message of a classified error.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}

// Outcome is the provider-side state of a payment intent.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeSucceeded, OutcomeFailed:
		return true
	}
	return false
}

// Settlement is a provider notification about a payment intent.
type Settlement struct {
	ProviderReference string          `json:"provider_reference"`
	Outcome           Outcome         `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Payer             string          `json:"payer,omitempty"`
	ProviderTxID      string          `json:"provider_tx_id,omitempty"`
	SettledAt         time.Time       `json:"settled_at"`
}
