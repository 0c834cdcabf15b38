/*
path.go - Structured materialized path

PURPOSE:
  Represents a node's full ancestry as an ordered list of node ids.
  Internally a Path is a []NodeID (root first, nearest ancestor last);
  it serializes to the storage form "root.12.34" only at the boundary.

FORMAT:
  - Root node:     "root"           (empty segment list)
  - Level-2 node:  "root.12"        (referrer id 12, which is the root)
  - Level-4 node:  "root.12.34.56"  (56 is the direct referrer)

  The "root" sentinel is a literal prefix, not a node id. A child's path
  is always its referrer's path plus the referrer's own id, so the path
  never contains the node's own id.

SEE ALSO:
  - tree.go: AncestorChain resolves path segments to nodes
*/
package referral

import (
	"fmt"
	"strconv"
	"strings"
)

// RootSentinel is the literal first element of every serialized path.
const RootSentinel = "root"

// Path is the ordered ancestry of a node: root first, direct referrer last.
// An empty Path means the node is a tree root.
type Path []NodeID

// ParsePath parses the storage form "root.12.34" into a Path.
func ParsePath(s string) (Path, error) {
	if s == RootSentinel {
		return Path{}, nil
	}
	if !strings.HasPrefix(s, RootSentinel+".") {
		return nil, fmt.Errorf("malformed path %q: missing %q sentinel", s, RootSentinel)
	}
	parts := strings.Split(s[len(RootSentinel)+1:], ".")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed path %q: segment %q is not a node id", s, part)
		}
		p = append(p, NodeID(id))
	}
	return p, nil
}

// String serializes the path to its storage form.
func (p Path) String() string {
	if len(p) == 0 {
		return RootSentinel
	}
	var b strings.Builder
	b.WriteString(RootSentinel)
	for _, id := range p {
		b.WriteByte('.')
		b.WriteString(strconv.FormatInt(int64(id), 10))
	}
	return b.String()
}

// Child returns the path of a node joining under the owner of this path.
func (p Path) Child(ownerID NodeID) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, ownerID)
}

// NearestFirst returns the ancestor ids ordered direct referrer first,
// tree root last. This is the order the calculation engine pairs with
// per-level rates.
func (p Path) NearestFirst() []NodeID {
	out := make([]NodeID, len(p))
	for i, id := range p {
		out[len(p)-1-i] = id
	}
	return out
}

// HasPrefix reports whether this path starts with prefix. A node's path
// has the referrer's child-path as prefix for every ancestor, which is
// what subtree queries key on.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, id := range prefix {
		if p[i] != id {
			return false
		}
	}
	return true
}

// Contains reports whether id appears as a path segment.
func (p Path) Contains(id NodeID) bool {
	for _, seg := range p {
		if seg == id {
			return true
		}
	}
	return false
}
