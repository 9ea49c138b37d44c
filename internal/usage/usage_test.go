package usage

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/testutil"
	"github.com/sensacall/sensacall-server/internal/types"
	"github.com/stretchr/testify/assert"
)

func newTestLedger(t *testing.T, db database.SensaRepository) *Ledger {
	l := NewLedger(testutil.TestLogger(t), db, DefaultLimits())
	l.now = func() time.Time {
		return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	}
	return l
}

func TestCheckDailyLimit(t *testing.T) {
	tcases := []struct {
		name      string
		tier      types.Tier
		mockUsage database.Usage
		mockErr   error
		wantQuota *QuotaError
		wantErr   bool
	}{
		{
			name:      "under the limit",
			tier:      types.TierFree,
			mockUsage: database.Usage{MessagesSent: 3},
		},
		{
			name:      "at the limit",
			tier:      types.TierFree,
			mockUsage: database.Usage{MessagesSent: 50},
			wantQuota: &QuotaError{Limit: 50, Used: 50, Tier: types.TierFree},
		},
		{
			name:      "over the limit",
			tier:      types.TierFree,
			mockUsage: database.Usage{MessagesSent: 51},
			wantQuota: &QuotaError{Limit: 50, Used: 51, Tier: types.TierFree},
		},
		{
			name:      "plus tier gets a larger allowance",
			tier:      types.TierPlus,
			mockUsage: database.Usage{MessagesSent: 50},
		},
		{
			name:    "missing usage row counts as zero",
			tier:    types.TierFree,
			mockErr: sql.ErrNoRows,
		},
		{
			name:    "database error propagates",
			tier:    types.TierFree,
			mockErr: errors.New("db error"),
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockSensaRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("GetUsage", 1, "2026-03-14").Return(tc.mockUsage, tc.mockErr).Once()

			l := newTestLedger(t, mockRepo)
			err := l.CheckDailyLimit(1, tc.tier)

			if tc.wantQuota != nil {
				var qe *QuotaError
				assert.ErrorAs(t, err, &qe, "expected a QuotaError")
				assert.Equal(t, tc.wantQuota, qe, "expected quota context to match")
			} else if tc.wantErr {
				assert.Error(t, err, "expected an error")
			} else {
				assert.NoError(t, err, "expected no error")
			}
		})
	}
}

func TestIncrementSwallowsErrors(t *testing.T) {
	mockRepo := &database.MockSensaRepository{}
	defer mockRepo.AssertExpectations(t)

	delta := database.UsageDelta{Messages: 2, Credits: 1}
	mockRepo.On("IncrementUsage", 1, "2026-03-14", delta).Return(errors.New("db error")).Once()

	l := newTestLedger(t, mockRepo)
	// must not panic or surface the error
	l.Increment(1, delta)
}

func TestToday(t *testing.T) {
	t.Run("existing row", func(t *testing.T) {
		mockRepo := &database.MockSensaRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetUsage", 1, "2026-03-14").Return(database.Usage{
			AccountId:    1,
			Date:         "2026-03-14",
			MessagesSent: 7,
			CreditsUsed:  2,
		}, nil).Once()

		l := newTestLedger(t, mockRepo)
		u, limit, err := l.Today(1, types.TierFree)
		assert.NoError(t, err, "expected no error")
		assert.Equal(t, 7, u.MessagesSent, "expected counters from the row")
		assert.Equal(t, 50, limit, "expected free tier limit")
	})

	t.Run("missing row yields zeroed counters", func(t *testing.T) {
		mockRepo := &database.MockSensaRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("GetUsage", 1, "2026-03-14").Return(database.Usage{}, sql.ErrNoRows).Once()

		l := newTestLedger(t, mockRepo)
		u, limit, err := l.Today(1, types.TierPro)
		assert.NoError(t, err, "expected no error for missing row")
		assert.Equal(t, 0, u.MessagesSent, "expected zeroed counters")
		assert.Equal(t, 10000, limit, "expected pro tier limit")
	})
}

func TestCreditCost(t *testing.T) {
	tcases := []struct {
		tokens   int
		expected int
	}{
		{tokens: 0, expected: 0},
		{tokens: -5, expected: 0},
		{tokens: 1, expected: 1},
		{tokens: 100, expected: 1},
		{tokens: 101, expected: 2},
		{tokens: 1000, expected: 10},
	}

	for _, tc := range tcases {
		assert.Equalf(t, tc.expected, CreditCost(tc.tokens), "expected %d tokens to cost %d credits", tc.tokens, tc.expected)
	}
}
