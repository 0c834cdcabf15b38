/*
policy.go - Commission policy variants and resolution

PURPOSE:
  Defines the rule sets that govern how a triggering amount is split
  among a client's referral ancestors, and the resolver that determines
  which policies apply to a given tree.

POLICY VARIANTS:
  Membership:
    - Pays only the triggering client (no ancestor walk)
    - Rate looked up by the client's own membership tier
  Affiliate:
    - Multi-level: Rates[0] pays the direct referrer, Rates[1] the next
      ancestor up, and so on
  MembershipAffiliate:
    - Multi-level like Affiliate, but each ancestor's rate is scaled by
      their own membership tier: Rates[i] * MembershipRates[tier] / 100

  All variants share ProportionShare: the percentage of the triggering
  amount subject to the policy before per-level/per-tier rates apply.

RESOLUTION ORDER:
  1. Policies explicitly assigned to the tree's root node
  2. Otherwise the affiliate-type's configured defaults
  A tree may be governed by several simultaneously active policies; the
  engine evaluates each independently and concatenates results.

EXAMPLE:
  20% of each purchase enters the program, split 50/30/15/5 over four
  levels:

    policy := referral.Policy{
        Type:            referral.PolicyAffiliate,
        ProportionShare: decimal.NewFromInt(20),
        Rates:           referral.Percents(50, 30, 15, 5),
    }

SEE ALSO:
  - engine.go: Per-variant calculation algorithms
*/
package referral

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY - Commission rule set
// =============================================================================

type PolicyType string

const (
	PolicyMembership          PolicyType = "membership"
	PolicyAffiliate           PolicyType = "affiliate"
	PolicyMembershipAffiliate PolicyType = "membership_affiliate"
)

// Policy is a commission rule set. Which fields are meaningful depends on
// Type; the engine dispatches on Type exhaustively and rejects unknown
// variants. Policies are read-only snapshots during a computation.
type Policy struct {
	ID   PolicyID
	Name string
	Type PolicyType

	// Percentage (0-100) of the triggering amount subject to this policy.
	// Zero means the policy contributes no rewards.
	ProportionShare decimal.Decimal

	// Optional cap on how many ancestor levels are considered.
	// Nil means len(Rates) levels.
	MaxLevels *int

	// Per-level percentages, index 0 = direct referrer.
	// Used by Affiliate and MembershipAffiliate.
	Rates []decimal.Decimal

	// Membership-tier-id -> percentage rate.
	// Used by Membership and MembershipAffiliate.
	MembershipRates map[TierID]decimal.Decimal
}

// Percents is a convenience constructor for per-level rate sequences.
func Percents(rates ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(rates))
	for i, r := range rates {
		out[i] = decimal.NewFromFloat(r)
	}
	return out
}

// Validate checks the percentage-range invariants: ProportionShare, every
// per-level rate and every tier rate must lie in [0, 100].
func (p Policy) Validate() error {
	if !inPercentRange(p.ProportionShare) {
		return fmt.Errorf("policy %s: proportion share %s out of [0,100]", p.ID, p.ProportionShare)
	}
	for i, r := range p.Rates {
		if !inPercentRange(r) {
			return fmt.Errorf("policy %s: rate[%d] %s out of [0,100]", p.ID, i, r)
		}
	}
	for tier, r := range p.MembershipRates {
		if !inPercentRange(r) {
			return fmt.Errorf("policy %s: tier %s rate %s out of [0,100]", p.ID, tier, r)
		}
	}
	switch p.Type {
	case PolicyMembership, PolicyAffiliate, PolicyMembershipAffiliate:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicyType, p.Type)
	}
}

func inPercentRange(d decimal.Decimal) bool {
	return !d.IsNegative() && !d.GreaterThan(hundred)
}

// levelCount returns how many ancestor positions this policy considers:
// min(len(Rates), MaxLevels).
func (p Policy) levelCount() int {
	n := len(p.Rates)
	if p.MaxLevels != nil && *p.MaxLevels < n {
		n = *p.MaxLevels
	}
	return n
}

// =============================================================================
// RESOLVER - Which policies govern a tree?
// =============================================================================

// Resolver determines the active policy set for a referral tree.
type Resolver struct {
	Policies PolicyStore
}

func NewResolver(policies PolicyStore) *Resolver {
	return &Resolver{Policies: policies}
}

// Resolve returns the non-empty ordered policy set for the tree rooted at
// root. Explicit assignments on the root override the affiliate-type
// defaults. Fails with PolicyNotFoundError if nothing applies.
func (r *Resolver) Resolve(ctx context.Context, root Node) ([]Policy, error) {
	if !root.IsRoot() {
		return nil, fmt.Errorf("resolve policies: node %d is not a tree root (level %d)", root.ID, root.Level)
	}

	ids, err := r.Policies.AssignedPolicyIDs(ctx, root.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve policies: %w", err)
	}
	if len(ids) == 0 {
		ids, err = r.Policies.DefaultPolicyIDs(ctx, root.AffiliateTypeID)
		if err != nil {
			return nil, fmt.Errorf("resolve policies: %w", err)
		}
	}
	if len(ids) == 0 {
		return nil, &PolicyNotFoundError{RootNodeID: root.ID, AffiliateTypeID: root.AffiliateTypeID}
	}

	policies, err := r.Policies.GetPolicies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve policies: %w", err)
	}
	if len(policies) == 0 {
		return nil, &PolicyNotFoundError{RootNodeID: root.ID, AffiliateTypeID: root.AffiliateTypeID}
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return policies, nil
}
