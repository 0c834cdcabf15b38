/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All error types in one place for consistency and discoverability.

ERROR CATEGORIES:
  1. Integrity errors  - Broken tree references (fatal per client)
  2. Resolution errors - No applicable policy
  3. Balance errors    - Claim exceeds available amount (user-facing)
  4. Lock errors       - Contention/expiry on the claim lock

  Benign skip conditions (inactive ancestor, unmapped membership tier,
  zero rate, zero amount) are NOT errors: the engine logs them and simply
  produces fewer allocations.

USAGE:
  if errors.Is(err, referral.ErrIntegrity) {
      // abort this client's computation, continue the batch
  }
*/
package referral

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrIntegrity is returned when the referral tree references a node
	// that cannot be found. Fatal for that client's computation; the
	// batch continues for other clients.
	ErrIntegrity = errors.New("referral tree integrity violation")

	// ErrPolicyNotFound is returned when neither an explicit assignment
	// nor an affiliate-type default policy can be resolved.
	ErrPolicyNotFound = errors.New("no applicable policy")

	// ErrInsufficientBalance is returned when a claim exceeds the
	// available amount. A user-facing rejection, not a system fault.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnknownPolicyType is returned by the engine when asked to apply
	// a policy variant it has no algorithm for.
	ErrUnknownPolicyType = errors.New("unknown policy type")

	// ErrNodeNotFound is returned when a node lookup misses.
	ErrNodeNotFound = errors.New("affiliate node not found")

	// ErrClientNotFound is returned when a client lookup misses.
	ErrClientNotFound = errors.New("client not found")

	// ErrClaimNotFound is returned when a claim lookup misses.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrLockHeld is returned by a LockProvider when the resource is
	// currently held. Retryable with backoff.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrLockLost is returned when releasing or extending a lock that is
	// no longer owned (expired TTL or stolen).
	ErrLockLost = errors.New("lock no longer held")

	// ErrLockNotAcquired is returned after the lock retry budget is
	// exhausted. The whole operation is safe to retry.
	ErrLockNotAcquired = errors.New("lock not acquired within retry budget")

	// ErrDuplicateDetail is returned when persisting allocations for a
	// request detail that was already persisted. Re-running a reward
	// computation must not double-pay.
	ErrDuplicateDetail = errors.New("request detail already processed")

	// ErrInvalidAmount is returned for non-positive claim amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IntegrityError reports a broken ancestor reference: NodeID's path names
// MissingID, but no such node exists.
type IntegrityError struct {
	NodeID    NodeID
	MissingID NodeID
	Path      Path
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("node %d references missing ancestor %d (path %s)",
		e.NodeID, e.MissingID, e.Path)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// PolicyNotFoundError reports that no policy applies to a tree.
type PolicyNotFoundError struct {
	RootNodeID      NodeID
	AffiliateTypeID AffiliateTypeID
}

func (e *PolicyNotFoundError) Error() string {
	return fmt.Sprintf("no policy for root node %d (affiliate type %s)",
		e.RootNodeID, e.AffiliateTypeID)
}

func (e *PolicyNotFoundError) Unwrap() error { return ErrPolicyNotFound }

// InsufficientBalanceError provides details about a claim shortfall.
type InsufficientBalanceError struct {
	BeneficiaryID ClientID
	Currency      string
	Available     decimal.Decimal
	Requested     decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s",
		e.BeneficiaryID, e.Currency, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) || errors.Is(err, ErrLockHeld)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrClaimNotFound) ||
		errors.Is(err, ErrPolicyNotFound)
}
