package referral_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

func seedRewards(t *testing.T, m *store.Memory, beneficiary referral.ClientID, currency string, amounts ...string) {
	t.Helper()
	for i, s := range amounts {
		amount := decimal.RequireFromString(s)
		detail := referral.RequestDetail{
			ID:       "det-" + string(beneficiary) + "-" + currency + "-" + string(rune('a'+i)),
			RequestID: "req-seed",
			ClientID: "trigger", Amount: amount, Currency: currency,
		}
		err := m.AppendAllocations(context.Background(), detail, []referral.RewardAllocation{{
			BeneficiaryID:   beneficiary,
			SourceRequestID: detail.RequestID,
			SourceDetailID:  detail.ID,
			PolicyID:        "p",
			PolicyType:      referral.PolicyAffiliate,
			Currency:        currency,
			Amount:          amount,
			CommissionType:  referral.CommissionDirect,
		}})
		if err != nil {
			t.Fatalf("seed allocation: %v", err)
		}
	}
}

func newAggregator(m *store.Memory) *referral.Aggregator {
	return referral.NewAggregator(m, m, referral.NewMemoryLockProvider(), nil)
}

func TestAvailableAmount(t *testing.T) {
	// GIVEN rewards of 60 + 40 and a pending claim of 30
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "60", "40")
	agg := newAggregator(m)

	claim, err := agg.RequestClaim(context.Background(), "dave", "USD", decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("RequestClaim: %v", err)
	}
	if claim.Status != referral.ClaimPending {
		t.Fatalf("claim status = %s, want pending", claim.Status)
	}

	// THEN the pending claim reserves its amount
	available, err := agg.AvailableAmount(context.Background(), "dave", "USD")
	if err != nil {
		t.Fatalf("AvailableAmount: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("available = %s, want 70", available)
	}

	// AND rejecting the claim releases it
	if err := m.UpdateClaimStatus(context.Background(), claim.ID, referral.ClaimRejected); err != nil {
		t.Fatalf("UpdateClaimStatus: %v", err)
	}
	available, err = agg.AvailableAmount(context.Background(), "dave", "USD")
	if err != nil {
		t.Fatalf("AvailableAmount: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("available after rejection = %s, want 100", available)
	}
}

func TestAvailableAmountPerCurrency(t *testing.T) {
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "100")
	seedRewards(t, m, "dave", "EUR", "7")
	agg := newAggregator(m)

	eur, err := agg.AvailableAmount(context.Background(), "dave", "EUR")
	if err != nil {
		t.Fatalf("AvailableAmount: %v", err)
	}
	if !eur.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("EUR available = %s, want 7", eur)
	}
}

func TestRequestClaimInsufficientBalance(t *testing.T) {
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "50")
	agg := newAggregator(m)

	_, err := agg.RequestClaim(context.Background(), "dave", "USD", decimal.NewFromInt(51))
	if !errors.Is(err, referral.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var ibe *referral.InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !ibe.Available.Equal(decimal.NewFromInt(50)) || !ibe.Requested.Equal(decimal.NewFromInt(51)) {
		t.Errorf("shortfall context = %+v", ibe)
	}
}

func TestRequestClaimExactBalance(t *testing.T) {
	// Claiming exactly the available amount succeeds; the next cent fails.
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "50")
	agg := newAggregator(m)

	if _, err := agg.RequestClaim(context.Background(), "dave", "USD", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("exact claim: %v", err)
	}
	_, err := agg.RequestClaim(context.Background(), "dave", "USD", decimal.RequireFromString("0.01"))
	if !errors.Is(err, referral.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRequestClaimInvalidAmount(t *testing.T) {
	agg := newAggregator(store.NewMemory())

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-10)} {
		if _, err := agg.RequestClaim(context.Background(), "dave", "USD", amount); !errors.Is(err, referral.ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestConcurrentClaimsNeverOvercommit(t *testing.T) {
	// GIVEN a balance of 100 and two racing claims of 60 each
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "100")
	agg := newAggregator(m)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = agg.RequestClaim(context.Background(), "dave", "USD", decimal.NewFromInt(60))
		}(i)
	}
	wg.Wait()

	// THEN exactly one claim wins
	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, referral.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("got %d successes and %d rejections, want 1 and 1", ok, insufficient)
	}

	// AND the reserved total never exceeds the rewarded total
	claimed, err := m.SumActiveClaims(context.Background(), "dave", "USD")
	if err != nil {
		t.Fatalf("SumActiveClaims: %v", err)
	}
	if claimed.GreaterThan(decimal.NewFromInt(100)) {
		t.Fatalf("active claims %s exceed rewards 100", claimed)
	}
}

func TestClaimsOnDistinctPairsAreIndependent(t *testing.T) {
	m := store.NewMemory()
	seedRewards(t, m, "dave", "USD", "10")
	seedRewards(t, m, "carol", "USD", "10")
	agg := newAggregator(m)

	if _, err := agg.RequestClaim(context.Background(), "dave", "USD", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("dave's claim: %v", err)
	}
	if _, err := agg.RequestClaim(context.Background(), "carol", "USD", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("carol's claim: %v", err)
	}
}

// =============================================================================
// IN-PROCESS LOCK PROVIDER
// =============================================================================

func TestMemoryLockMutualExclusion(t *testing.T) {
	p := referral.NewMemoryLockProvider()
	ctx := context.Background()

	lock, err := p.Acquire(ctx, "claim:dave:USD", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, "claim:dave:USD", time.Minute); !errors.Is(err, referral.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	// A different resource is unaffected.
	if _, err := p.Acquire(ctx, "claim:dave:EUR", time.Minute); err != nil {
		t.Fatalf("unrelated resource blocked: %v", err)
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := p.Acquire(ctx, "claim:dave:USD", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestMemoryLockExpiry(t *testing.T) {
	p := referral.NewMemoryLockProvider()
	ctx := context.Background()

	lock, err := p.Acquire(ctx, "claim:dave:USD", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// The TTL lapsed, so another holder may take over
	if _, err := p.Acquire(ctx, "claim:dave:USD", time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	// and the original holder has lost the lock.
	if err := lock.Release(ctx); !errors.Is(err, referral.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if err := lock.Extend(ctx, time.Minute); !errors.Is(err, referral.ErrLockLost) {
		t.Fatalf("expected ErrLockLost on extend, got %v", err)
	}
}

func TestMemoryLockExtend(t *testing.T) {
	p := referral.NewMemoryLockProvider()
	ctx := context.Background()

	lock, err := p.Acquire(ctx, "claim:dave:USD", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	// Still held past the original TTL.
	if _, err := p.Acquire(ctx, "claim:dave:USD", time.Minute); !errors.Is(err, referral.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld after extend, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
