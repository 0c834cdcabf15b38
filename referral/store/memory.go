// Package store provides in-memory implementations of the referral
// persistence interfaces, for tests and single-node development.
package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - implements every referral store interface
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	nodes    map[referral.NodeID]referral.Node
	byClient map[clientKey]referral.NodeID
	nextID   referral.NodeID

	clients map[referral.ClientID]referral.Client

	policies    map[referral.PolicyID]referral.Policy
	assignments map[referral.NodeID][]referral.PolicyID
	defaults    map[referral.AffiliateTypeID][]referral.PolicyID

	details     map[string]referral.RequestDetail
	allocations []referral.RewardAllocation

	claims map[string]referral.Claim
}

type clientKey struct {
	ClientID        referral.ClientID
	AffiliateTypeID referral.AffiliateTypeID
}

func NewMemory() *Memory {
	return &Memory{
		nodes:       make(map[referral.NodeID]referral.Node),
		byClient:    make(map[clientKey]referral.NodeID),
		nextID:      1,
		clients:     make(map[referral.ClientID]referral.Client),
		policies:    make(map[referral.PolicyID]referral.Policy),
		assignments: make(map[referral.NodeID][]referral.PolicyID),
		defaults:    make(map[referral.AffiliateTypeID][]referral.PolicyID),
		details:     make(map[string]referral.RequestDetail),
		claims:      make(map[string]referral.Claim),
	}
}

// Interface checks
var (
	_ referral.TreeStore   = (*Memory)(nil)
	_ referral.PolicyStore = (*Memory)(nil)
	_ referral.ClientStore = (*Memory)(nil)
	_ referral.RewardStore = (*Memory)(nil)
	_ referral.ClaimStore  = (*Memory)(nil)
)

// =============================================================================
// TREE STORE
// =============================================================================

func (m *Memory) GetNode(_ context.Context, id referral.NodeID) (referral.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return referral.Node{}, referral.ErrNodeNotFound
	}
	return n, nil
}

func (m *Memory) GetNodes(_ context.Context, ids []referral.NodeID) (map[referral.NodeID]referral.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[referral.NodeID]referral.Node, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (m *Memory) GetNodeByClient(_ context.Context, clientID referral.ClientID, affiliateTypeID referral.AffiliateTypeID) (referral.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byClient[clientKey{clientID, affiliateTypeID}]
	if !ok {
		return referral.Node{}, referral.ErrNodeNotFound
	}
	return m.nodes[id], nil
}

func (m *Memory) GetSubtree(_ context.Context, rootID referral.NodeID, prefix referral.Path) ([]referral.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []referral.Node
	for _, n := range m.nodes {
		inTree := n.ID == rootID || (n.RootID != nil && *n.RootID == rootID)
		if inTree && n.Path.HasPrefix(prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Memory) CreateNode(_ context.Context, n referral.Node) (referral.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.ID = m.nextID
	m.nextID++
	m.nodes[n.ID] = n
	m.byClient[clientKey{n.ClientID, n.AffiliateTypeID}] = n.ID
	return n, nil
}

// PutNode inserts a node with a caller-chosen id. Seeding helper for
// tests; keeps nextID ahead of the highest seeded id.
func (m *Memory) PutNode(n referral.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes[n.ID] = n
	m.byClient[clientKey{n.ClientID, n.AffiliateTypeID}] = n.ID
	if n.ID >= m.nextID {
		m.nextID = n.ID + 1
	}
}

// DeleteNode removes a node outright. Only used to fabricate broken
// references in integrity tests; production trees never delete.
func (m *Memory) DeleteNode(id referral.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[id]; ok {
		delete(m.byClient, clientKey{n.ClientID, n.AffiliateTypeID})
		delete(m.nodes, id)
	}
}

// =============================================================================
// CLIENT STORE
// =============================================================================

func (m *Memory) GetClient(_ context.Context, id referral.ClientID) (referral.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return referral.Client{}, referral.ErrClientNotFound
	}
	return c, nil
}

func (m *Memory) PutClient(c referral.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// =============================================================================
// POLICY STORE
// =============================================================================

func (m *Memory) GetPolicies(_ context.Context, ids []referral.PolicyID) ([]referral.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]referral.Policy, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.policies[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) AssignedPolicyIDs(_ context.Context, rootNodeID referral.NodeID) ([]referral.PolicyID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]referral.PolicyID(nil), m.assignments[rootNodeID]...), nil
}

func (m *Memory) DefaultPolicyIDs(_ context.Context, affiliateTypeID referral.AffiliateTypeID) ([]referral.PolicyID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]referral.PolicyID(nil), m.defaults[affiliateTypeID]...), nil
}

func (m *Memory) PutPolicy(p referral.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
}

func (m *Memory) AssignPolicies(rootNodeID referral.NodeID, ids ...referral.PolicyID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[rootNodeID] = append([]referral.PolicyID(nil), ids...)
}

func (m *Memory) SetDefaultPolicies(affiliateTypeID referral.AffiliateTypeID, ids ...referral.PolicyID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[affiliateTypeID] = append([]referral.PolicyID(nil), ids...)
}

// =============================================================================
// REWARD STORE
// =============================================================================

func (m *Memory) AppendAllocations(_ context.Context, detail referral.RequestDetail, allocs []referral.RewardAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.details[detail.ID]; ok {
		return referral.ErrDuplicateDetail
	}
	m.details[detail.ID] = detail
	m.allocations = append(m.allocations, allocs...)
	return nil
}

func (m *Memory) SumAllocations(_ context.Context, beneficiaryID referral.ClientID, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, a := range m.allocations {
		if a.BeneficiaryID == beneficiaryID && a.Currency == currency {
			sum = sum.Add(a.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) AllocationsByBeneficiary(_ context.Context, beneficiaryID referral.ClientID, currency string) ([]referral.RewardAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []referral.RewardAllocation
	for i := len(m.allocations) - 1; i >= 0; i-- {
		a := m.allocations[i]
		if a.BeneficiaryID == beneficiaryID && a.Currency == currency {
			out = append(out, a)
		}
	}
	return out, nil
}

// Allocations returns a copy of every allocation row, in append order.
func (m *Memory) Allocations() []referral.RewardAllocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]referral.RewardAllocation(nil), m.allocations...)
}

// =============================================================================
// CLAIM STORE
// =============================================================================

func (m *Memory) CreateClaim(_ context.Context, c referral.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.ID] = c
	return nil
}

func (m *Memory) SumActiveClaims(_ context.Context, beneficiaryID referral.ClientID, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, c := range m.claims {
		if c.BeneficiaryID == beneficiaryID && c.Currency == currency && c.Status.CountsAgainstBalance() {
			sum = sum.Add(c.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) UpdateClaimStatus(_ context.Context, id string, status referral.ClaimStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[id]
	if !ok {
		return referral.ErrClaimNotFound
	}
	c.Status = status
	m.claims[id] = c
	return nil
}
