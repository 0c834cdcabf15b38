/*
store.go - Persistence interfaces for the referral engine

PURPOSE:
  Defines the boundary between the engine and its data stores. The engine
  never talks to a database directly; it consumes these interfaces, which
  are implemented by store/sqlite (production) and referral/store
  (in-memory, for tests and single-node dev).

KEY INTERFACES:
  TreeStore:   Node lookups, path-prefix subtree queries, registration
  PolicyStore: Policy lookups by id, assignment, or affiliate-type default
  ClientStore: Active flag + membership tier reads
  RewardStore: Append-once allocation rows, per-beneficiary sums
  ClaimStore:  Claim creation and active-claim sums

ATOMICITY CONTRACT:
  RewardStore.AppendAllocations persists the request detail and all of its
  allocation rows as one atomic unit. The detail id is the idempotency
  gate: a second append for the same detail returns ErrDuplicateDetail and
  writes nothing, so re-running a computation can never double-pay.

SEE ALSO:
  - store/memory.go:      In-memory implementations
  - store/sqlite/sqlite.go: Production implementation
*/
package referral

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TREE STORE
// =============================================================================

// TreeStore reads and creates client-affiliate nodes.
type TreeStore interface {
	// GetNode returns a node by id. ErrNodeNotFound if missing.
	GetNode(ctx context.Context, id NodeID) (Node, error)

	// GetNodes returns the nodes for ids. Missing ids are simply absent
	// from the result; callers decide whether that is an integrity
	// violation.
	GetNodes(ctx context.Context, ids []NodeID) (map[NodeID]Node, error)

	// GetNodeByClient returns the client's node within one affiliate
	// type's tree. ErrNodeNotFound if the client never registered there.
	GetNodeByClient(ctx context.Context, clientID ClientID, affiliateTypeID AffiliateTypeID) (Node, error)

	// GetSubtree returns all nodes under rootID whose path has prefix.
	// Scoping by rootID keeps the prefix scan within one tree.
	GetSubtree(ctx context.Context, rootID NodeID, prefix Path) ([]Node, error)

	// CreateNode persists a new node and returns it with the assigned id.
	CreateNode(ctx context.Context, n Node) (Node, error)
}

// =============================================================================
// POLICY STORE
// =============================================================================

// PolicyStore reads commission policies and their bindings.
type PolicyStore interface {
	// GetPolicies returns the policies for ids, in the given order.
	GetPolicies(ctx context.Context, ids []PolicyID) ([]Policy, error)

	// AssignedPolicyIDs returns the policy ids explicitly assigned to a
	// tree root, in priority order. Empty if none assigned.
	AssignedPolicyIDs(ctx context.Context, rootNodeID NodeID) ([]PolicyID, error)

	// DefaultPolicyIDs returns the affiliate-type's default policy ids.
	DefaultPolicyIDs(ctx context.Context, affiliateTypeID AffiliateTypeID) ([]PolicyID, error)
}

// =============================================================================
// CLIENT STORE
// =============================================================================

// ClientStore reads client records (active flag + membership tier).
type ClientStore interface {
	// GetClient returns a client by id. ErrClientNotFound if missing.
	GetClient(ctx context.Context, id ClientID) (Client, error)
}

// =============================================================================
// REWARD STORE
// =============================================================================

// RewardStore persists and aggregates reward allocations.
// Allocation rows are write-once and append-only.
type RewardStore interface {
	// AppendAllocations atomically persists the request detail and its
	// allocation rows. Returns ErrDuplicateDetail (and writes nothing)
	// if the detail was already processed.
	AppendAllocations(ctx context.Context, detail RequestDetail, allocs []RewardAllocation) error

	// SumAllocations returns the total allocated amount for a
	// beneficiary in one currency.
	SumAllocations(ctx context.Context, beneficiaryID ClientID, currency string) (decimal.Decimal, error)

	// AllocationsByBeneficiary returns a beneficiary's allocation rows,
	// newest first.
	AllocationsByBeneficiary(ctx context.Context, beneficiaryID ClientID, currency string) ([]RewardAllocation, error)
}

// =============================================================================
// CLAIM STORE
// =============================================================================

// ClaimStore persists withdrawal claims.
type ClaimStore interface {
	// CreateClaim persists a new claim.
	CreateClaim(ctx context.Context, c Claim) error

	// SumActiveClaims returns the total amount of claims that still
	// count against balance (everything except rejected/failed).
	SumActiveClaims(ctx context.Context, beneficiaryID ClientID, currency string) (decimal.Decimal, error)

	// UpdateClaimStatus flips a claim's lifecycle status.
	UpdateClaimStatus(ctx context.Context, id string, status ClaimStatus) error
}
