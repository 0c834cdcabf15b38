package referral_test

import (
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

func nodeRef(id referral.NodeID) *referral.NodeID { return &id }

// seedChainTree seeds a five-node single-branch tree:
//
//	alice(1) <- bob(2) <- carol(3) <- dave(4) <- erin(5)
//
// All clients are active; tiers are left empty unless a test sets them.
// Returns the deepest node (erin's), whose ancestor chain is
// dave, carol, bob, alice.
func seedChainTree(m *store.Memory, affiliateType referral.AffiliateTypeID) referral.Node {
	nodes := []referral.Node{
		{ID: 1, ClientID: "alice", AffiliateTypeID: affiliateType, Level: 1, Path: referral.Path{}, Active: true},
		{ID: 2, ClientID: "bob", AffiliateTypeID: affiliateType, ReferrerID: nodeRef(1), Level: 2, Path: referral.Path{1}, RootID: nodeRef(1), Active: true},
		{ID: 3, ClientID: "carol", AffiliateTypeID: affiliateType, ReferrerID: nodeRef(2), Level: 3, Path: referral.Path{1, 2}, RootID: nodeRef(1), Active: true},
		{ID: 4, ClientID: "dave", AffiliateTypeID: affiliateType, ReferrerID: nodeRef(3), Level: 4, Path: referral.Path{1, 2, 3}, RootID: nodeRef(1), Active: true},
		{ID: 5, ClientID: "erin", AffiliateTypeID: affiliateType, ReferrerID: nodeRef(4), Level: 5, Path: referral.Path{1, 2, 3, 4}, RootID: nodeRef(1), Active: true},
	}
	for _, n := range nodes {
		m.PutNode(n)
		m.PutClient(referral.Client{ID: n.ClientID, Active: true})
	}
	return nodes[4]
}
