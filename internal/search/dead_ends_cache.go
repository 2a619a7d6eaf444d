package search

import "github.com/bits-and-blooms/bitset"

// ConditionID identifies a condition (an edge's attached data) within a
// single graph-based ranking rule's own condition space (§4.6.3). Each rule
// interns its own conditions starting at 0; a DeadEndsCache is scoped to one
// rule's condition space for the same reason.
type ConditionID int

// deadEndsNode is one trie node: the set of conditions forbidden
// immediately after the prefix that reaches this node, plus children keyed
// by the next traversed condition.
type deadEndsNode struct {
	forbidden *bitset.BitSet
	children  map[ConditionID]*deadEndsNode
}

func newDeadEndsNode(conditionCount int) *deadEndsNode {
	return &deadEndsNode{
		forbidden: bitset.New(uint(conditionCount)),
		children:  make(map[ConditionID]*deadEndsNode),
	}
}

// DeadEndsCache is the prefix tree described in §4.6.4: keyed by the
// sequence of traversed conditions, each node records which conditions,
// taken next, are known to yield no new documents. Querying and mutating it
// during a DFS path search lets the cheapest-path evaluator prune whole
// subtrees instead of re-discovering the same empty intersection.
type DeadEndsCache struct {
	conditionCount int
	root           *deadEndsNode
}

// NewDeadEndsCache creates an empty cache sized for conditionCount distinct
// conditions.
func NewDeadEndsCache(conditionCount int) *DeadEndsCache {
	return &DeadEndsCache{conditionCount: conditionCount, root: newDeadEndsNode(conditionCount)}
}

// ForbiddenConditionsAfterPrefix returns the conditions forbidden
// immediately after traversing prefix, or nil if the cache has no record
// for that exact prefix (note: nil means "nothing new recorded here", not
// "nothing forbidden" — forbidden conditions accumulate along the prefix
// chain via ForbiddenConditionsForAllPrefixesUpTo).
func (c *DeadEndsCache) ForbiddenConditionsAfterPrefix(prefix []ConditionID) *bitset.BitSet {
	node := c.root
	for _, cond := range prefix {
		next, ok := node.children[cond]
		if !ok {
			return nil
		}
		node = next
	}
	return node.forbidden
}

// ForbiddenConditionsForAllPrefixesUpTo unions the forbidden sets recorded
// at the root and at every prefix of path, used to recompute the full
// forbidden-conditions set after a path is found and the cache may have
// been updated mid-traversal (the backtracking check in visit_node).
func (c *DeadEndsCache) ForbiddenConditionsForAllPrefixesUpTo(path []ConditionID) *bitset.BitSet {
	out := bitset.New(uint(c.conditionCount))
	node := c.root
	out.InPlaceUnion(node.forbidden)
	for _, cond := range path {
		next, ok := node.children[cond]
		if !ok {
			break
		}
		node = next
		out.InPlaceUnion(node.forbidden)
	}
	return out
}

// ForbidConditionAfterPrefix records that condition is forbidden
// immediately after traversing prefix, creating trie nodes along prefix as
// needed.
func (c *DeadEndsCache) ForbidConditionAfterPrefix(prefix []ConditionID, condition ConditionID) {
	node := c.root
	for _, cond := range prefix {
		next, ok := node.children[cond]
		if !ok {
			next = newDeadEndsNode(c.conditionCount)
			node.children[cond] = next
		}
		node = next
	}
	node.forbidden.Set(uint(condition))
}
