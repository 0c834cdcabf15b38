/*
Package referral provides the core multi-level commission engine.

PURPOSE:
  This package contains the domain types and algorithms for managing
  affiliate/referral networks: clients join under referrers, form a tree,
  and earn tiered commissions when tracked purchase/stake events occur.
  The engine walks a client's referral ancestry, applies one or more
  commission policies, and produces a deterministic, auditable list of
  per-ancestor reward allocations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Node: A client's participation record in one affiliate-type's tree
  - Client: Active flag + membership tier (rate lookup key)
  - RewardAllocation: One reward row per (event, beneficiary ancestor)
  - Claim: A withdrawal request against accumulated rewards
  - Commission type: Direct (immediate referrer) vs Indirect (deeper)

DESIGN PRINCIPLES:
  1. Precision: All money math uses decimal.Decimal, never float64
  2. Determinism: Calculate() is a pure function of its inputs
  3. Auditability: Every allocation carries source, policy, and level
  4. Type Safety: Strong typing for ids prevents mixing node/client ids

SEE ALSO:
  - path.go:   Materialized path representation of ancestry
  - policy.go: Commission policy variants and resolution
  - engine.go: The reward calculation algorithms
  - balance.go: Available balance and claim handling
*/
package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// NodeID identifies a client-affiliate node. Node ids are integers because
// they are the segments of the materialized path ("root.12.34").
type NodeID int64

type (
	ClientID        string
	AffiliateTypeID string
	PolicyID        string
	TierID          string
)

// =============================================================================
// NODE - A client's participation record in one affiliate-type's tree
// =============================================================================

// Node is a client's position in one affiliate-type's referral tree.
//
// INVARIANTS:
//   - Level == 1  iff  ReferrerID == nil  iff  RootID == nil
//   - Path equals the referrer's Path plus the referrer's own id
//     (empty path, serialized as "root", for a level-1 node)
//   - The node's ancestors are exactly the ids in Path
//
// Nodes are created once by the registration workflow and never physically
// deleted; Active may be toggled (soft deactivation).
type Node struct {
	ID              NodeID
	ClientID        ClientID
	AffiliateTypeID AffiliateTypeID
	ReferrerID      *NodeID
	Level           int
	Path            Path
	RootID          *NodeID
	Active          bool
}

// IsRoot reports whether this node is the root of its tree.
// The canonical rule is Level == 1; ReferrerID and RootID must agree.
func (n Node) IsRoot() bool { return n.Level == 1 }

// NewRootNode builds a level-1 node for a client starting a fresh tree.
// The store assigns the id on creation.
func NewRootNode(clientID ClientID, affiliateTypeID AffiliateTypeID) Node {
	return Node{
		ClientID:        clientID,
		AffiliateTypeID: affiliateTypeID,
		Level:           1,
		Path:            Path{},
		Active:          true,
	}
}

// NewChildNode builds a node joining under referrer. Level, path and root
// id are derived from the referrer; the store assigns the id on creation.
func NewChildNode(referrer Node, clientID ClientID) Node {
	ref := referrer.ID
	root := referrer.ID
	if referrer.RootID != nil {
		root = *referrer.RootID
	}
	return Node{
		ClientID:        clientID,
		AffiliateTypeID: referrer.AffiliateTypeID,
		ReferrerID:      &ref,
		Level:           referrer.Level + 1,
		Path:            referrer.Path.Child(referrer.ID),
		RootID:          &root,
		Active:          true,
	}
}

// =============================================================================
// CLIENT - Active flag and membership tier
// =============================================================================

// Client carries the per-client attributes the engine reads: the active
// flag (inactive clients are skipped, not paid) and the membership tier
// used as a lookup key into tier-specific commission rates.
type Client struct {
	ID               ClientID
	Active           bool
	MembershipTierID TierID // empty = no tier
}

// =============================================================================
// REWARD ALLOCATION - One row per (triggering event, beneficiary)
// =============================================================================

type CommissionType string

const (
	CommissionDirect   CommissionType = "direct"   // immediate referrer (level 1) or membership payout
	CommissionIndirect CommissionType = "indirect" // any deeper ancestor
)

// AllocationStatus is a lifecycle marker set by downstream settlement.
// The engine always emits allocations with an empty status.
type AllocationStatus string

const (
	AllocationSettled  AllocationStatus = "settled"
	AllocationReversed AllocationStatus = "reversed"
)

// RewardAllocation is one reward row produced by the engine.
// Immutable after creation except for Status.
type RewardAllocation struct {
	BeneficiaryID   ClientID
	SourceRequestID string
	SourceDetailID  string
	PolicyID        PolicyID
	PolicyType      PolicyType
	Currency        string
	Amount          decimal.Decimal // rounded to RewardScale fractional digits

	// Direct iff level 1. Membership payouts have no level concept and
	// are always Direct.
	CommissionType CommissionType

	// The beneficiary ancestor's own referrer, for audit trails.
	// Nil for the tree root and for membership payouts.
	ReferrerBeneficiaryID *ClientID

	// 1-based distance from the triggering client. Nil for membership
	// payouts.
	Level *int

	Status AllocationStatus
}

// RewardScale is the number of fractional digits stored reward amounts are
// rounded to. Rounding is half away from zero (round-half-up for the
// non-negative amounts the engine produces).
const RewardScale = 10

func roundReward(d decimal.Decimal) decimal.Decimal { return d.Round(RewardScale) }

var hundred = decimal.NewFromInt(100)

// =============================================================================
// REQUEST DETAIL - The originating event an allocation is attributed to
// =============================================================================

// RequestDetail is one (client, amount) pair within a reward request.
// Allocations are persisted atomically with their detail; the detail id is
// the idempotency gate that prevents double-payment on re-runs.
type RequestDetail struct {
	ID              string
	RequestID       string
	ClientID        ClientID
	AffiliateTypeID AffiliateTypeID
	Amount          decimal.Decimal
	Currency        string
	CreatedAt       time.Time
}

// =============================================================================
// CLAIM - Withdrawal request against accumulated rewards
// =============================================================================

type ClaimStatus string

const (
	ClaimPending      ClaimStatus = "pending"
	ClaimApproved     ClaimStatus = "approved"
	ClaimRejected     ClaimStatus = "rejected"
	ClaimInProcessing ClaimStatus = "in_processing"
	ClaimCompleted    ClaimStatus = "completed"
	ClaimFailed       ClaimStatus = "failed"
)

// CountsAgainstBalance reports whether a claim in this status still
// reserves balance. Rejected and failed claims release their amount.
func (s ClaimStatus) CountsAgainstBalance() bool {
	return s != ClaimRejected && s != ClaimFailed
}

type Claim struct {
	ID            string
	BeneficiaryID ClientID
	Currency      string
	Amount        decimal.Decimal
	Status        ClaimStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
