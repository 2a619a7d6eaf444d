package search

import "github.com/RoaringBitmap/roaring/v2"

// Builder constructs a ranking rule's own RuleGraph (conditions and their
// candidate bitmaps) over the current query graph (§4.6.1: "the concrete
// condition attached to an edge is ranking-rule-dependent and is
// constructed by that rule's builder").
type Builder func(graph *Graph) (*RuleGraph, error)

// GraphBasedRule is the cheapest-path evaluator shared by every graph-based
// ranking rule (words, proximity, attribute, typo, exactness — §4.6.3): it
// walks target costs in ascending order, enumerating every path of that
// cost and unioning their candidate intersections into one bucket.
type GraphBasedRule struct {
	name    RuleName
	build   Builder
	maxCost uint64

	ruleGraph   *RuleGraph
	allCosts    map[NodeID][]uint64
	deadEnds    *DeadEndsCache
	targetCosts []uint64
	targetIdx   int
}

// NewGraphBasedRule creates a rule named name whose edge set is produced by
// build at the start of each iteration.
func NewGraphBasedRule(name RuleName, build Builder) *GraphBasedRule {
	return &GraphBasedRule{name: name, build: build}
}

func (r *GraphBasedRule) Name() RuleName { return r.name }

// StartIteration builds the rule's edge set for the current query graph,
// precomputes all-costs-to-end, and queues the ascending target costs
// reachable from the root (§4.6.3 step 1 and step 6's advance-to-next-cost
// rule, applied here up front since the target list is static per
// iteration — only the DeadEndsCache narrows as buckets are produced).
func (r *GraphBasedRule) StartIteration(universe *roaring.Bitmap, graph *Graph) error {
	rg, err := r.build(graph)
	if err != nil {
		return err
	}
	r.ruleGraph = rg
	r.allCosts = rg.AllCostsToEnd()
	r.deadEnds = NewDeadEndsCache(rg.ConditionCount)
	r.targetCosts = append([]uint64(nil), r.allCosts[rg.Base.RootNode]...)
	r.targetIdx = 0
	if len(r.targetCosts) > 0 {
		r.maxCost = r.targetCosts[len(r.targetCosts)-1]
	}
	return nil
}

// NextBucket advances to the next achievable target cost, enumerates every
// path of that cost via PathVisitor, and unions the candidates of every
// path whose condition intersection is non-empty within universe. Empty
// intersections are recorded as dead ends so later paths sharing the same
// doomed prefix are pruned (§4.6.3 step 5).
func (r *GraphBasedRule) NextBucket(universe *roaring.Bitmap) (Bucket, bool, error) {
	for r.targetIdx < len(r.targetCosts) {
		cost := r.targetCosts[r.targetIdx]
		r.targetIdx++

		candidates := roaring.New()
		visitor := NewPathVisitor(cost, r.ruleGraph, r.allCosts, r.deadEnds)
		err := visitor.VisitPaths(func(path []ConditionID, rg *RuleGraph, deadEnds *DeadEndsCache) (bool, error) {
			pathBitmap := intersectPath(rg, path)
			if pathBitmap == nil || pathBitmap.IsEmpty() {
				recordDeadEnd(deadEnds, path)
				return false, nil
			}
			pathBitmap = roaring.And(pathBitmap, universe)
			if pathBitmap.IsEmpty() {
				recordDeadEnd(deadEnds, path)
				return false, nil
			}
			candidates.Or(pathBitmap)
			return candidates.GetCardinality() == universe.GetCardinality(), nil
		})
		if err != nil {
			return Bucket{}, false, err
		}
		if candidates.IsEmpty() {
			continue
		}
		return Bucket{
			Graph:      r.ruleGraph.Base,
			Candidates: candidates,
			Score:      rankToScore(cost, r.maxCost),
		}, true, nil
	}
	return Bucket{}, false, nil
}

func (r *GraphBasedRule) EndIteration() {
	r.ruleGraph = nil
	r.allCosts = nil
	r.deadEnds = nil
	r.targetCosts = nil
}

// intersectPath returns the intersection of every condition's candidate
// bitmap along path, or nil if path is empty (no document constraint).
func intersectPath(rg *RuleGraph, path []ConditionID) *roaring.Bitmap {
	if len(path) == 0 {
		return nil
	}
	result := rg.ConditionBitmap(path[0]).Clone()
	for _, cond := range path[1:] {
		b := rg.ConditionBitmap(cond)
		if b == nil {
			return roaring.New()
		}
		result.And(b)
		if result.IsEmpty() {
			return result
		}
	}
	return result
}

// recordDeadEnd applies §4.6.3 step 5: the path's last condition is
// forbidden anywhere (recorded at the cache root, which every prefix's
// forbidden-set lookup unions in), and also forbidden specifically after
// the prefix that preceded it (tightening future traversals that reach the
// same prefix through a different route).
func recordDeadEnd(deadEnds *DeadEndsCache, path []ConditionID) {
	if len(path) == 0 {
		return
	}
	last := path[len(path)-1]
	deadEnds.ForbidConditionAfterPrefix(nil, last)
	deadEnds.ForbidConditionAfterPrefix(path[:len(path)-1], last)
}

// rankToScore converts a path cost into the [0,1] score rank-based rules
// assign their bucket (§4.6.3): cheaper paths score higher, and the
// zero-cost path (when maxCost is 0, e.g. an empty rule graph) scores 1.
func rankToScore(cost, maxCost uint64) float64 {
	if maxCost == 0 {
		return 1
	}
	return float64(maxCost-cost) / float64(maxCost)
}
