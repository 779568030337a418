package status

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(KindCapacityExceeded, "only 2 left"), KindCapacityExceeded},
		{"wrapped classified", fmt.Errorf("create: %w", New(KindForbidden, "not yours")), KindForbidden},
		{"bare sentinel", fmt.Errorf("ledger: %w", ErrConcurrencyConflict), KindConcurrencyConflict},
		{"unclassified", sql.ErrConnDone, KindInternal},
		{"nil", nil, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_IsMatchesSentinelOfSameKind(t *testing.T) {
	err := Wrap(KindNotFound, sql.ErrNoRows, "reservation not found")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "not_found: reservation not found: sql: no rows in result set", err.Error())
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "slot is closed", MessageOf(fmt.Errorf("x: %w", New(KindUnavailable, "slot is closed"))))
	assert.Equal(t, "internal error", MessageOf(errors.New("boom")))
}

func TestOutcome_Valid(t *testing.T) {
	assert.True(t, OutcomeSucceeded.Valid())
	assert.True(t, OutcomePending.Valid())
	assert.False(t, Outcome("refunded").Valid())
}
