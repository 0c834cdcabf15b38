/*
balance.go - Balance aggregation and claim handling

PURPOSE:
  Answers "how much can this beneficiary withdraw?" and creates claims
  against that amount without ever over-committing it.

AVAILABILITY:
  available = sum(reward allocations) - sum(active claims)
  per (beneficiary, currency). Rejected and failed claims do not count.

CONCURRENCY:
  Claim creation is the only operation in the system that needs explicit
  mutual exclusion. The aggregator serializes it per (beneficiary,
  currency): it acquires a TTL-bounded lock, recomputes availability
  UNDER the lock, and only then creates the Pending claim. Two racing
  claims that together exceed the balance therefore cannot both succeed.
  Claims on different (beneficiary, currency) pairs proceed
  independently.

  Lock acquisition retries with jittered exponential backoff; once the
  retry budget is exhausted the operation fails with ErrLockNotAcquired,
  which is safe for the caller to retry wholesale.

SEE ALSO:
  - lock.go: The lock contract
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregator computes available balances and creates claims.
type Aggregator struct {
	Rewards RewardStore
	Claims  ClaimStore
	Locks   LockProvider
	Logger  *zap.Logger

	// LockTTL bounds how long a crashed holder can block a
	// (beneficiary, currency) pair. Seconds-scale.
	LockTTL time.Duration

	// LockWait bounds the total time spent retrying acquisition.
	LockWait time.Duration
}

func NewAggregator(rewards RewardStore, claims ClaimStore, locks LockProvider, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		Rewards:  rewards,
		Claims:   claims,
		Locks:    locks,
		Logger:   logger,
		LockTTL:  10 * time.Second,
		LockWait: 3 * time.Second,
	}
}

// AvailableAmount returns what the beneficiary can still claim in one
// currency.
func (a *Aggregator) AvailableAmount(ctx context.Context, beneficiaryID ClientID, currency string) (decimal.Decimal, error) {
	rewarded, err := a.Rewards.SumAllocations(ctx, beneficiaryID, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum allocations for %s/%s: %w", beneficiaryID, currency, err)
	}
	claimed, err := a.Claims.SumActiveClaims(ctx, beneficiaryID, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum claims for %s/%s: %w", beneficiaryID, currency, err)
	}
	return rewarded.Sub(claimed), nil
}

// RequestClaim creates a Pending claim for amount, enforcing that active
// claims never exceed accumulated rewards. At most one claim evaluation
// runs per (beneficiary, currency) pair system-wide.
func (a *Aggregator) RequestClaim(ctx context.Context, beneficiaryID ClientID, currency string, amount decimal.Decimal) (Claim, error) {
	if amount.Sign() <= 0 {
		return Claim{}, ErrInvalidAmount
	}

	lock, err := a.acquireClaimLock(ctx, beneficiaryID, currency)
	if err != nil {
		return Claim{}, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			a.Logger.Warn("claim lock release failed",
				zap.String("beneficiary", string(beneficiaryID)),
				zap.String("currency", currency),
				zap.Error(err))
		}
	}()

	available, err := a.AvailableAmount(ctx, beneficiaryID, currency)
	if err != nil {
		return Claim{}, err
	}
	if amount.GreaterThan(available) {
		return Claim{}, &InsufficientBalanceError{
			BeneficiaryID: beneficiaryID,
			Currency:      currency,
			Available:     available,
			Requested:     amount,
		}
	}

	now := time.Now().UTC()
	claim := Claim{
		ID:            uuid.NewString(),
		BeneficiaryID: beneficiaryID,
		Currency:      currency,
		Amount:        amount,
		Status:        ClaimPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.Claims.CreateClaim(ctx, claim); err != nil {
		return Claim{}, fmt.Errorf("create claim: %w", err)
	}

	a.Logger.Info("claim created",
		zap.String("claim", claim.ID),
		zap.String("beneficiary", string(beneficiaryID)),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return claim, nil
}

// ClaimResource is the lock key for one (beneficiary, currency) pair.
func ClaimResource(beneficiaryID ClientID, currency string) string {
	return fmt.Sprintf("claim:%s:%s", beneficiaryID, currency)
}

func (a *Aggregator) acquireClaimLock(ctx context.Context, beneficiaryID ClientID, currency string) (Lock, error) {
	resource := ClaimResource(beneficiaryID, currency)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = a.LockWait

	var lock Lock
	err := backoff.Retry(func() error {
		l, err := a.Locks.Acquire(ctx, resource, a.LockTTL)
		if errors.Is(err, ErrLockHeld) {
			return err // transient, retry with backoff
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, resource)
		}
		return nil, fmt.Errorf("acquire %s: %w", resource, err)
	}
	return lock, nil
}
