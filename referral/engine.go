/*
engine.go - Reward calculation engine

PURPOSE:
  Given a triggering amount, a resolved policy set and a client's
  nearest-first ancestor chain, produce the list of per-ancestor reward
  allocations. This is the algorithmic core of the system.

DISPATCH:
  Each policy in the set routes to its variant algorithm by Type;
  outputs are concatenated. An unknown variant is a hard error, not a
  silent skip - new policy types must be handled here.

ALGORITHMS:
  membership:
    Pays only the triggering client, by their own membership tier.
    shareAmount = amount * proportionShare/100
    reward      = shareAmount * membershipRate[tier]/100

  affiliate:
    Pairs the chain positionally with the per-level rates:
    ancestor[i] <-> rates[i], capped by maxLevels.
    reward[i]   = shareAmount * rates[i]/100

  membershipAffiliate:
    Same pairing, but each ancestor's rate is scaled by their own tier:
    reward[i]   = shareAmount * rates[i]/100 * membershipRate[tier]/100

FAILURE SEMANTICS:
  - Missing ancestor/client record: fatal for this computation (the
    caller aborts this client, sibling clients in the batch continue)
  - Inactive client, missing or unmapped tier, zero rate, zero amount:
    benign skips - logged at debug, fewer allocations, no error

DETERMINISM:
  Calculate is a pure function of its inputs (plus the client records it
  reads): identical arguments yield identical output, byte for byte.
  Within one computation ancestors are iterated sequentially because each
  position determines level and direct/indirect classification.

SEE ALSO:
  - policy.go:  Policy variants and validation
  - batch.go:   Concurrent orchestration across many triggering clients
*/
package referral

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CLIENT CACHE - Per-batch memoization of client lookups
// =============================================================================

// ClientCache memoizes client reads for the lifetime of one computation
// batch. Many triggering clients in a batch share ancestors; without the
// cache each shared ancestor would be re-read per event.
type ClientCache struct {
	store ClientStore

	mu      sync.Mutex
	clients map[ClientID]Client
}

func NewClientCache(store ClientStore) *ClientCache {
	return &ClientCache{store: store, clients: make(map[ClientID]Client)}
}

func (c *ClientCache) Get(ctx context.Context, id ClientID) (Client, error) {
	c.mu.Lock()
	cached, ok := c.clients[id]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	client, err := c.store.GetClient(ctx, id)
	if err != nil {
		return Client{}, err
	}

	c.mu.Lock()
	c.clients[id] = client
	c.mu.Unlock()
	return client, nil
}

// =============================================================================
// ENGINE
// =============================================================================

// CalcRequest is one triggering event plus everything the engine needs to
// allocate it: the resolved chain and policy set.
type CalcRequest struct {
	RequestID string
	DetailID  string

	// The client whose purchase/stake triggered the computation.
	ClientID ClientID

	Amount   decimal.Decimal
	Currency string

	// Ancestors nearest-first, as produced by Accessor.AncestorChain.
	Chain []Node

	Policies []Policy
}

// Engine computes reward allocations.
type Engine struct {
	Clients ClientStore
	Logger  *zap.Logger
}

func NewEngine(clients ClientStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Clients: clients, Logger: logger}
}

// Calculate produces the reward allocations for one triggering event.
// cache may be shared across a batch; pass nil for a one-off computation.
func (e *Engine) Calculate(ctx context.Context, req CalcRequest, cache *ClientCache) ([]RewardAllocation, error) {
	if req.Amount.Sign() <= 0 {
		return nil, nil
	}
	if cache == nil {
		cache = NewClientCache(e.Clients)
	}

	var out []RewardAllocation
	for _, policy := range req.Policies {
		share := req.Amount.Mul(policy.ProportionShare).Div(hundred)
		if share.IsZero() {
			continue
		}

		var (
			allocs []RewardAllocation
			err    error
		)
		switch policy.Type {
		case PolicyMembership:
			allocs, err = e.membership(ctx, req, policy, share, cache)
		case PolicyAffiliate:
			allocs, err = e.affiliate(ctx, req, policy, share, cache, false)
		case PolicyMembershipAffiliate:
			allocs, err = e.affiliate(ctx, req, policy, share, cache, true)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownPolicyType, policy.Type)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, allocs...)
	}
	return out, nil
}

// membership pays the triggering client directly, by their own tier.
// No ancestor walk, no level attribution.
func (e *Engine) membership(ctx context.Context, req CalcRequest, policy Policy, share decimal.Decimal, cache *ClientCache) ([]RewardAllocation, error) {
	client, err := cache.Get(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("membership policy %s: load client %s: %w", policy.ID, req.ClientID, err)
	}
	if !client.Active {
		e.Logger.Debug("membership skip: client inactive",
			zap.String("client", string(req.ClientID)), zap.String("policy", string(policy.ID)))
		return nil, nil
	}
	if client.MembershipTierID == "" {
		e.Logger.Debug("membership skip: client has no tier",
			zap.String("client", string(req.ClientID)), zap.String("policy", string(policy.ID)))
		return nil, nil
	}
	rate, ok := policy.MembershipRates[client.MembershipTierID]
	if !ok || rate.IsZero() {
		e.Logger.Debug("membership skip: tier not mapped",
			zap.String("client", string(req.ClientID)),
			zap.String("tier", string(client.MembershipTierID)),
			zap.String("policy", string(policy.ID)))
		return nil, nil
	}

	return []RewardAllocation{{
		BeneficiaryID:   client.ID,
		SourceRequestID: req.RequestID,
		SourceDetailID:  req.DetailID,
		PolicyID:        policy.ID,
		PolicyType:      policy.Type,
		Currency:        req.Currency,
		Amount:          roundReward(share.Mul(rate).Div(hundred)),
		CommissionType:  CommissionDirect,
	}}, nil
}

// affiliate walks the chain positionally. With tiered=true each ancestor's
// per-level rate is additionally scaled by their own membership tier
// (the membership-affiliate variant).
func (e *Engine) affiliate(ctx context.Context, req CalcRequest, policy Policy, share decimal.Decimal, cache *ClientCache, tiered bool) ([]RewardAllocation, error) {
	n := policy.levelCount()
	if len(req.Chain) < n {
		n = len(req.Chain)
	}

	var out []RewardAllocation
	for i := 0; i < n; i++ {
		rate := policy.Rates[i]
		if rate.IsZero() {
			continue
		}
		ancestor := req.Chain[i]

		client, err := cache.Get(ctx, ancestor.ClientID)
		if err != nil {
			// The node exists but its client record does not: a broken
			// reference, fatal like a missing ancestor.
			return nil, fmt.Errorf("policy %s level %d: load client %s: %w",
				policy.ID, i+1, ancestor.ClientID, err)
		}
		if !client.Active {
			e.Logger.Debug("affiliate skip: ancestor inactive",
				zap.String("client", string(client.ID)),
				zap.Int("level", i+1), zap.String("policy", string(policy.ID)))
			continue
		}

		reward := share.Mul(rate).Div(hundred)
		if tiered {
			if client.MembershipTierID == "" {
				e.Logger.Debug("affiliate skip: ancestor has no tier",
					zap.String("client", string(client.ID)),
					zap.Int("level", i+1), zap.String("policy", string(policy.ID)))
				continue
			}
			tierRate, ok := policy.MembershipRates[client.MembershipTierID]
			if !ok || tierRate.IsZero() {
				e.Logger.Debug("affiliate skip: ancestor tier not mapped",
					zap.String("client", string(client.ID)),
					zap.String("tier", string(client.MembershipTierID)),
					zap.Int("level", i+1), zap.String("policy", string(policy.ID)))
				continue
			}
			reward = reward.Mul(tierRate).Div(hundred)
		}

		level := i + 1
		commission := CommissionIndirect
		if i == 0 {
			commission = CommissionDirect
		}

		// The ancestor's own referrer is simply the next node up the
		// chain; nil for the tree root.
		var referrerBeneficiary *ClientID
		if i+1 < len(req.Chain) {
			id := req.Chain[i+1].ClientID
			referrerBeneficiary = &id
		}

		out = append(out, RewardAllocation{
			BeneficiaryID:         client.ID,
			SourceRequestID:       req.RequestID,
			SourceDetailID:        req.DetailID,
			PolicyID:              policy.ID,
			PolicyType:            policy.Type,
			Currency:              req.Currency,
			Amount:                roundReward(reward),
			CommissionType:        commission,
			ReferrerBeneficiaryID: referrerBeneficiary,
			Level:                 &level,
		})
	}
	return out, nil
}
