package search

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// RuleEdge is one edge in a graph-based ranking rule's own edge set
// (§4.6.3): a conditional edge carries a Condition into the rule's
// candidate-bitmap lookup; an unconditional edge (Condition == nil) just
// "skips" straight to Dest, same as the base Graph's skip edges.
type RuleEdge struct {
	Dest        NodeID
	Cost        uint32
	Condition   *ConditionID
	NodesToSkip NodeBitmap
}

// RuleGraph is a ranking rule's materialized edge set over the shared query
// Graph, plus the interned condition → candidate-bitmap lookup the rule's
// builder populated. Deleted edges are represented as a nil entry in
// EdgesStore so indices stay stable while traversal just skips them.
type RuleGraph struct {
	Base           *Graph
	EdgesOfNode    map[NodeID][]int
	EdgesStore     []*RuleEdge
	ConditionCount int

	// conditionBitmaps holds each condition's candidate docids, populated by
	// the rule's builder (§4.6.1 "the concrete condition attached to an edge
	// is ranking-rule-dependent and is constructed by that rule's builder").
	conditionBitmaps map[ConditionID]*roaring.Bitmap
}

// NewRuleGraph creates an empty rule graph over base.
func NewRuleGraph(base *Graph) *RuleGraph {
	return &RuleGraph{EdgesOfNode: make(map[NodeID][]int), Base: base, conditionBitmaps: make(map[ConditionID]*roaring.Bitmap)}
}

// SetConditionBitmap records the candidate docids a condition contributes.
func (g *RuleGraph) SetConditionBitmap(id ConditionID, bitmap *roaring.Bitmap) {
	g.conditionBitmaps[id] = bitmap
}

// ConditionBitmap returns the candidate docids for a condition, or nil if
// never set.
func (g *RuleGraph) ConditionBitmap(id ConditionID) *roaring.Bitmap {
	return g.conditionBitmaps[id]
}

// AddEdge appends an edge from -> edge.Dest and returns its index.
func (g *RuleGraph) AddEdge(from NodeID, edge RuleEdge) int {
	idx := len(g.EdgesStore)
	g.EdgesStore = append(g.EdgesStore, &edge)
	g.EdgesOfNode[from] = append(g.EdgesOfNode[from], idx)
	if edge.Condition != nil && int(*edge.Condition)+1 > g.ConditionCount {
		g.ConditionCount = int(*edge.Condition) + 1
	}
	return idx
}

// DeleteEdge removes an edge so traversal no longer considers it, without
// disturbing other edges' indices.
func (g *RuleGraph) DeleteEdge(idx int) {
	g.EdgesStore[idx] = nil
}

// AllCostsToEnd computes, for every node, the sorted unique list of total
// edge costs achievable on some path from that node to the end node
// (§4.6.3 step 1). It traverses the graph backward from end so that a node
// is only finalized once every node it can reach has already been
// finalized.
func (g *RuleGraph) AllCostsToEnd() map[NodeID][]uint64 {
	costs := make(map[NodeID][]uint64, len(g.Base.Nodes))
	g.traverseBreadthFirstBackward(g.Base.EndNode, func(cur NodeID) {
		if cur == g.Base.EndNode {
			costs[cur] = []uint64{0}
			return
		}
		var self []uint64
		for _, idx := range g.EdgesOfNode[cur] {
			edge := g.EdgesStore[idx]
			if edge == nil {
				continue
			}
			for _, succCost := range costs[edge.Dest] {
				self = append(self, uint64(edge.Cost)+succCost)
			}
		}
		self = sortDedupUint64(self)
		costs[cur] = self
	})
	return costs
}

func sortDedupUint64(s []uint64) []uint64 {
	if len(s) == 0 {
		return s
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// traverseBreadthFirstBackward visits every node reachable backward from
// `from`, guaranteeing that when a node is visited, all of its successors
// have either already been visited or are unreachable from `from`. This is
// the ordering AllCostsToEnd needs: a node's cost list depends only on its
// successors' cost lists.
func (g *RuleGraph) traverseBreadthFirstBackward(from NodeID, visit func(NodeID)) {
	nodes := g.Base.Nodes

	reachable := make(map[NodeID]bool)
	enqueued := map[NodeID]bool{from: true}
	stack := []NodeID{from}
	for len(stack) > 0 {
		n := stack[0]
		stack = stack[1:]
		if reachable[n] {
			continue
		}
		reachable[n] = true
		for _, prev := range nodes[n].predecessors {
			if !enqueued[prev] && !reachable[prev] {
				stack = append(stack, prev)
				enqueued[prev] = true
			}
		}
	}

	unreachableOrVisited := make(map[NodeID]bool, len(nodes))
	for _, n := range nodes {
		if !reachable[n.ID] {
			unreachableOrVisited[n.ID] = true
		}
	}

	enqueued = map[NodeID]bool{from: true}
	stack = []NodeID{from}
	for len(stack) > 0 {
		cur := stack[0]
		stack = stack[1:]
		if !allIn(nodes[cur].successors, unreachableOrVisited) {
			stack = append(stack, cur)
			continue
		}
		unreachableOrVisited[cur] = true
		visit(cur)
		for _, prev := range nodes[cur].predecessors {
			if !enqueued[prev] && !unreachableOrVisited[prev] {
				stack = append(stack, prev)
				enqueued[prev] = true
			}
		}
	}
}

func allIn(nodes []NodeID, set map[NodeID]bool) bool {
	for _, n := range nodes {
		if !set[n] {
			return false
		}
	}
	return true
}

// VisitFn processes one complete path found by PathVisitor. path is the
// sequence of conditions traversed (unconditional skip edges don't appear
// in it). It may mutate deadEnds to record that this path's candidate
// intersection was empty; returning stop=true ends the whole search (used
// once the bucket's universe has been exhausted).
type VisitFn func(path []ConditionID, graph *RuleGraph, deadEnds *DeadEndsCache) (stop bool, err error)

// PathVisitor finds all paths of a given total cost from start to end
// (§4.6.3 step 2-3), consulting and updating a DeadEndsCache as it goes.
// Grounded directly on the upstream engine's depth-first path-finding
// visitor: remaining budget is pruned against a precomputed
// all-costs-to-end table, and a DeadEndsCache trie prunes whole subtrees
// that are known to yield no new documents.
type PathVisitor struct {
	graph           *RuleGraph
	allCostsFromEnd map[NodeID][]uint64
	deadEnds        *DeadEndsCache

	remainingCost       uint64
	path                []ConditionID
	visitedConditions   *conditionBitset
	visitedNodes        NodeBitmap
	forbiddenConditions *conditionBitset
	nodesToSkip         NodeBitmap
}

// conditionBitset is a growable membership set over ConditionIDs, used for
// visitedConditions/forbiddenConditions (sized by the rule graph's
// condition count rather than its node count, unlike NodeBitmap).
type conditionBitset struct {
	data map[ConditionID]bool
}

func newConditionBitset() *conditionBitset { return &conditionBitset{data: make(map[ConditionID]bool)} }

func (c *conditionBitset) insert(id ConditionID)      { c.data[id] = true }
func (c *conditionBitset) remove(id ConditionID)      { delete(c.data, id) }
func (c *conditionBitset) contains(id ConditionID) bool { return c.data[id] }
func (c *conditionBitset) clone() *conditionBitset {
	out := newConditionBitset()
	for k := range c.data {
		out.data[k] = true
	}
	return out
}
func (c *conditionBitset) unionBitset(bs interface{ Test(uint) bool }, size int) {
	for i := 0; i < size; i++ {
		if bs.Test(uint(i)) {
			c.data[ConditionID(i)] = true
		}
	}
}
func (c *conditionBitset) intersects(other *conditionBitset) bool {
	small, big := c, other
	if len(other.data) < len(c.data) {
		small, big = other, c
	}
	for k := range small.data {
		if big.data[k] {
			return true
		}
	}
	return false
}

// NewPathVisitor creates a visitor that will enumerate every path of total
// cost exactly `cost` from the graph's start node.
func NewPathVisitor(cost uint64, graph *RuleGraph, allCostsToEnd map[NodeID][]uint64, deadEnds *DeadEndsCache) *PathVisitor {
	return &PathVisitor{
		graph:               graph,
		allCostsFromEnd:     allCostsToEnd,
		deadEnds:            deadEnds,
		remainingCost:       cost,
		visitedConditions:   newConditionBitset(),
		visitedNodes:        NewNodeBitmap(graph.Base),
		forbiddenConditions: newConditionBitset(),
		nodesToSkip:         NewNodeBitmap(graph.Base),
	}
}

// VisitPaths runs the depth-first enumeration from the graph's root node.
func (v *PathVisitor) VisitPaths(visit VisitFn) error {
	_, err := v.visitNode(v.graph.Base.RootNode, visit)
	return err
}

// visitNode traverses every valid edge leaving fromNode. It returns
// (anyValid, err); anyValid tells the caller whether a complete path was
// found anywhere below this node (used to decide whether the
// DeadEndsCache may have changed and a backtrack check is needed). A nil
// error with stop requested is signaled by returning errStop; callers
// translate that back into a clean (false, nil) "stop" condition.
func (v *PathVisitor) visitNode(fromNode NodeID, visit VisitFn) (bool, error) {
	anyValid := false

	edgeIdxs := v.graph.EdgesOfNode[fromNode]
	for _, idx := range edgeIdxs {
		edge := v.graph.EdgesStore[idx]
		if edge == nil {
			continue
		}
		if v.remainingCost < uint64(edge.Cost) {
			continue
		}
		v.remainingCost -= uint64(edge.Cost)

		var nextValid bool
		var stop bool
		var err error
		if edge.Condition != nil {
			nextValid, stop, err = v.visitCondition(*edge.Condition, edge.Dest, edge.NodesToSkip, visit)
		} else {
			nextValid, stop, err = v.visitNoCondition(edge.Dest, edge.NodesToSkip, visit)
		}
		v.remainingCost += uint64(edge.Cost)

		if err != nil {
			return false, err
		}
		if stop {
			return false, errStop
		}
		anyValid = anyValid || nextValid
		if nextValid {
			// A valid path was just found below this edge; the visit
			// callback may have updated the DeadEndsCache such that our
			// current prefix is now (partly) forbidden. Recompute and, if
			// so, stop exploring further edges from this node — the caller
			// one level up will redo the same check.
			v.forbiddenConditions = bitsetFromDeadEnds(v.deadEnds.ForbiddenConditionsForAllPrefixesUpTo(v.path), v.graph.ConditionCount)
			if v.visitedConditions.intersects(v.forbiddenConditions) {
				return true, nil
			}
		}
	}

	return anyValid, nil
}

// errStop is a sentinel threaded through the recursion to unwind cleanly
// when the visit callback asks the search to stop.
var errStop = &stopError{}

type stopError struct{}

func (*stopError) Error() string { return "path visitor stopped" }

// visitNoCondition handles an unconditional (skip) edge.
func (v *PathVisitor) visitNoCondition(dest NodeID, edgeSkip NodeBitmap, visit VisitFn) (valid bool, stop bool, err error) {
	if !containsCost(v.allCostsFromEnd[dest], v.remainingCost) {
		return false, false, nil
	}
	if dest == v.graph.Base.EndNode {
		didStop, verr := visit(v.path, v.graph, v.deadEnds)
		if verr != nil {
			return false, false, verr
		}
		return true, didStop, nil
	}

	oldSkip := v.nodesToSkip.Clone()
	v.nodesToSkip.Union(edgeSkip)
	valid, err = v.visitNode(dest, visit)
	v.nodesToSkip = oldSkip
	if err == errStop {
		return false, true, nil
	}
	return valid, false, err
}

// visitCondition handles a conditional edge.
func (v *PathVisitor) visitCondition(condition ConditionID, dest NodeID, edgeSkip NodeBitmap, visit VisitFn) (valid bool, stop bool, err error) {
	if v.forbiddenConditions.contains(condition) || v.nodesToSkip.Contains(dest) || edgeSkip.Intersects(v.visitedNodes) {
		return false, false, nil
	}
	if !containsCost(v.allCostsFromEnd[dest], v.remainingCost) {
		return false, false, nil
	}

	v.path = append(v.path, condition)
	v.visitedNodes.Insert(dest)
	v.visitedConditions.insert(condition)

	oldForbidden := v.forbiddenConditions.clone()
	if next := v.deadEnds.ForbiddenConditionsAfterPrefix(v.path); next != nil {
		v.forbiddenConditions.unionBitset(next, v.graph.ConditionCount)
	}
	oldSkip := v.nodesToSkip.Clone()
	v.nodesToSkip.Union(edgeSkip)

	valid, err = v.visitNode(dest, visit)

	v.nodesToSkip = oldSkip
	v.forbiddenConditions = oldForbidden
	v.visitedConditions.remove(condition)
	v.visitedNodes.Remove(dest)
	v.path = v.path[:len(v.path)-1]

	if err == errStop {
		return false, true, nil
	}
	return valid, false, err
}

func containsCost(costs []uint64, target uint64) bool {
	for _, c := range costs {
		if c == target {
			return true
		}
	}
	return false
}

func bitsetFromDeadEnds(bs interface{ Test(uint) bool }, size int) *conditionBitset {
	out := newConditionBitset()
	if bs == nil {
		return out
	}
	out.unionBitset(bs, size)
	return out
}
