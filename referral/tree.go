/*
tree.go - Referral tree accessor

PURPOSE:
  Resolves a node's ordered ancestor chain (nearest-first) from its
  materialized path, and the dual operation: the full subtree beneath a
  node, assembled in memory from a root-scoped path-prefix query.

INTEGRITY:
  The chain is resolved from path segments, so every segment must exist.
  If any ancestor id cannot be found the accessor fails with an
  IntegrityError rather than silently truncating the chain - a truncated
  chain would shift level attribution and under/over-pay ancestors.

CACHING:
  Ancestor chains are cached per node with a short TTL. Trees are
  append-only and rarely restructured, so tens of seconds of staleness is
  acceptable; backfill/reconciliation jobs that patch the tree must call
  Invalidate (or InvalidateAll) afterwards.

SEE ALSO:
  - path.go:   Path parsing and ordering
  - engine.go: Consumes the nearest-first chain
*/
package referral

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultChainCacheSize bounds the number of cached ancestor chains.
const DefaultChainCacheSize = 4096

// =============================================================================
// ACCESSOR
// =============================================================================

// Accessor resolves ancestor chains and subtrees.
type Accessor struct {
	Store TreeStore

	cache *expirable.LRU[NodeID, []Node]
}

// NewAccessor creates an accessor. cacheTTL <= 0 disables caching.
func NewAccessor(store TreeStore, cacheTTL time.Duration) *Accessor {
	a := &Accessor{Store: store}
	if cacheTTL > 0 {
		a.cache = expirable.NewLRU[NodeID, []Node](DefaultChainCacheSize, nil, cacheTTL)
	}
	return a
}

// AncestorChain returns node's ancestors nearest-first (direct referrer,
// then the referrer's referrer, up to the tree root). Empty for a root
// node. Fails with IntegrityError if any path segment is unresolvable.
func (a *Accessor) AncestorChain(ctx context.Context, node Node) ([]Node, error) {
	if node.IsRoot() {
		if node.ReferrerID != nil || len(node.Path) != 0 {
			return nil, &IntegrityError{NodeID: node.ID, Path: node.Path}
		}
		return nil, nil
	}
	if node.ReferrerID == nil || len(node.Path) == 0 {
		return nil, &IntegrityError{NodeID: node.ID, Path: node.Path}
	}

	if a.cache != nil {
		if chain, ok := a.cache.Get(node.ID); ok {
			return chain, nil
		}
	}

	ids := node.Path.NearestFirst()
	found, err := a.Store.GetNodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load ancestors of node %d: %w", node.ID, err)
	}

	chain := make([]Node, 0, len(ids))
	for _, id := range ids {
		ancestor, ok := found[id]
		if !ok {
			return nil, &IntegrityError{NodeID: node.ID, MissingID: id, Path: node.Path}
		}
		chain = append(chain, ancestor)
	}

	// The path's nearest segment must agree with the referrer pointer.
	if chain[0].ID != *node.ReferrerID {
		return nil, &IntegrityError{NodeID: node.ID, MissingID: *node.ReferrerID, Path: node.Path}
	}

	if a.cache != nil {
		a.cache.Add(node.ID, chain)
	}
	return chain, nil
}

// Root returns the tree root for node: the last element of the ancestor
// chain, or the node itself when it is level 1.
func (a *Accessor) Root(ctx context.Context, node Node) (Node, error) {
	if node.IsRoot() {
		return node, nil
	}
	chain, err := a.AncestorChain(ctx, node)
	if err != nil {
		return Node{}, err
	}
	root := chain[len(chain)-1]
	if !root.IsRoot() {
		return Node{}, &IntegrityError{NodeID: node.ID, MissingID: root.ID, Path: node.Path}
	}
	return root, nil
}

// Invalidate drops the cached chain for one node.
func (a *Accessor) Invalidate(nodeID NodeID) {
	if a.cache != nil {
		a.cache.Remove(nodeID)
	}
}

// InvalidateAll drops every cached chain. Call after tree backfills.
func (a *Accessor) InvalidateAll() {
	if a.cache != nil {
		a.cache.Purge()
	}
}

// =============================================================================
// DESCENDANTS - Subtree reporting
// =============================================================================

// TreeNode is one node of an assembled subtree.
type TreeNode struct {
	Node     Node
	Children []*TreeNode
}

// Descendants returns the full subtree beneath node, assembled from a
// single root-scoped path-prefix query. Used for reporting, not reward
// math.
func (a *Accessor) Descendants(ctx context.Context, node Node) (*TreeNode, error) {
	rootID := node.ID
	if node.RootID != nil {
		rootID = *node.RootID
	}

	descendants, err := a.Store.GetSubtree(ctx, rootID, node.Path.Child(node.ID))
	if err != nil {
		return nil, fmt.Errorf("load subtree of node %d: %w", node.ID, err)
	}

	// Shallow nodes first so every parent exists before its children.
	sort.Slice(descendants, func(i, j int) bool {
		if descendants[i].Level != descendants[j].Level {
			return descendants[i].Level < descendants[j].Level
		}
		return descendants[i].ID < descendants[j].ID
	})

	root := &TreeNode{Node: node}
	byID := map[NodeID]*TreeNode{node.ID: root}
	for _, d := range descendants {
		tn := &TreeNode{Node: d}
		byID[d.ID] = tn
		if d.ReferrerID == nil {
			return nil, &IntegrityError{NodeID: d.ID, Path: d.Path}
		}
		parent, ok := byID[*d.ReferrerID]
		if !ok {
			return nil, &IntegrityError{NodeID: d.ID, MissingID: *d.ReferrerID, Path: d.Path}
		}
		parent.Children = append(parent.Children, tn)
	}
	return root, nil
}
