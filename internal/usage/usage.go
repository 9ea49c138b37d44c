package usage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/types"
)

// tokensPerCredit converts completion token usage into billed credits.
const tokensPerCredit = 100

// QuotaError reports a daily message limit rejection. It carries the
// context the client contract requires.
type QuotaError struct {
	Limit int
	Used  int
	Tier  types.Tier
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily message limit reached: used %d of %d (%s tier)", e.Used, e.Limit, e.Tier)
}

// Limits holds the per-tier daily message allowances.
type Limits struct {
	Free int
	Plus int
	Pro  int
}

func DefaultLimits() Limits {
	return Limits{Free: 50, Plus: 500, Pro: 10000}
}

// ForTier returns the daily limit for a tier. Unknown tiers get the
// free allowance.
func (l Limits) ForTier(tier types.Tier) int {
	switch tier {
	case types.TierPlus:
		return l.Plus
	case types.TierPro:
		return l.Pro
	default:
		return l.Free
	}
}

// Ledger gates and records per-user, per-day usage counters.
type Ledger struct {
	log    *log.Logger
	db     database.SensaRepository
	limits Limits

	// now is swapped in tests to pin the date key
	now func() time.Time
}

func NewLedger(logger *log.Logger, db database.SensaRepository, limits Limits) *Ledger {
	return &Ledger{
		log:    logger,
		db:     db,
		limits: limits,
		now:    time.Now,
	}
}

// today returns the UTC calendar day key.
func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// CheckDailyLimit returns a *QuotaError when the user has exhausted
// today's message allowance. A missing usage row counts as zero.
func (l *Ledger) CheckDailyLimit(userId int, tier types.Tier) error {
	limit := l.limits.ForTier(tier)

	u, err := l.db.GetUsage(userId, l.today())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("get usage: %w", err)
	}

	if u.MessagesSent >= limit {
		return &QuotaError{Limit: limit, Used: u.MessagesSent, Tier: tier}
	}

	return nil
}

// Today returns the user's counters for the current UTC day, plus the
// daily limit for their tier. A missing row yields zeroed counters.
func (l *Ledger) Today(userId int, tier types.Tier) (database.Usage, int, error) {
	date := l.today()
	u, err := l.db.GetUsage(userId, date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Usage{AccountId: userId, Date: date}, l.limits.ForTier(tier), nil
		}
		return database.Usage{}, 0, fmt.Errorf("get usage: %w", err)
	}

	return u, l.limits.ForTier(tier), nil
}

// Increment adds the delta to today's counters. Failure is logged and
// swallowed: usage accounting must never fail the operation that
// triggered it.
func (l *Ledger) Increment(userId int, delta database.UsageDelta) {
	if err := l.db.IncrementUsage(userId, l.today(), delta); err != nil {
		l.log.Printf("increment usage for user %d: %v", userId, err)
	}
}

// CreditCost converts a completion's token usage into billed credits,
// rounding up. Zero or negative token counts cost nothing.
func CreditCost(tokensUsed int) int {
	if tokensUsed <= 0 {
		return 0
	}
	return (tokensUsed + tokensPerCredit - 1) / tokensPerCredit
}
