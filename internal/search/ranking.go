package search

import "github.com/RoaringBitmap/roaring/v2"

// RuleName identifies one of the built-in ranking rules in evaluation
// order (§4.6.2). User-defined rules are appended after GeoSort.
type RuleName string

const (
	RuleWords      RuleName = "words"
	RuleTypo       RuleName = "typo"
	RuleProximity  RuleName = "proximity"
	RuleAttribute  RuleName = "attribute"
	RuleExactness  RuleName = "exactness"
	RuleSort       RuleName = "sort"
	RuleGeoSort    RuleName = "geo-sort"
)

// DefaultRuleOrder is the evaluator's default composed rule order.
var DefaultRuleOrder = []RuleName{
	RuleWords, RuleTypo, RuleProximity, RuleAttribute, RuleExactness, RuleSort, RuleGeoSort,
}

// Bucket is one unit of results a ranking rule hands to the next rule in
// the chain (§4.6.2): a refined query graph (graph-based rules narrow term
// node choices as the search relaxes), the candidate docids satisfying it,
// and the rule's own score for those candidates.
type Bucket struct {
	Graph      *Graph
	Candidates *roaring.Bitmap
	Score      float64
}

// RankingRule is the interface every composed rule implements (§4.6.2).
// The evaluator calls StartIteration once per parent bucket, then
// NextBucket repeatedly until it returns ok=false, then EndIteration.
type RankingRule interface {
	Name() RuleName
	StartIteration(universe *roaring.Bitmap, graph *Graph) error
	NextBucket(universe *roaring.Bitmap) (bucket Bucket, ok bool, err error)
	EndIteration()
}

// Evaluator composes a list of ranking rules over an initial query graph
// and universe, producing buckets in rank order lazily so that pagination
// can short-circuit once enough documents are accumulated (§4.6.2).
type Evaluator struct {
	rules []RankingRule
}

// NewEvaluator creates an evaluator over rules, in the order they should be
// applied (parent rule first).
func NewEvaluator(rules []RankingRule) *Evaluator {
	return &Evaluator{rules: rules}
}

// Run drives the composed rule chain until `want` distinct docids have been
// produced or every rule is exhausted, returning the ordered docids (most
// relevant first).
func (e *Evaluator) Run(graph *Graph, universe *roaring.Bitmap, want int) ([]uint32, error) {
	if len(e.rules) == 0 {
		ordered := universe.ToArray()
		if len(ordered) > want {
			ordered = ordered[:want]
		}
		return ordered, nil
	}

	var ordered []uint32
	seen := roaring.New()

	var recurse func(ruleIdx int, graph *Graph, universe *roaring.Bitmap) error
	recurse = func(ruleIdx int, graph *Graph, universe *roaring.Bitmap) error {
		if len(ordered) >= want || universe.IsEmpty() {
			return nil
		}
		if ruleIdx >= len(e.rules) {
			it := universe.Iterator()
			for it.HasNext() && len(ordered) < want {
				id := it.Next()
				if !seen.Contains(id) {
					seen.Add(id)
					ordered = append(ordered, id)
				}
			}
			return nil
		}

		rule := e.rules[ruleIdx]
		if err := rule.StartIteration(universe, graph); err != nil {
			return err
		}
		defer rule.EndIteration()

		remaining := universe.Clone()
		for len(ordered) < want && !remaining.IsEmpty() {
			bucket, ok, err := rule.NextBucket(remaining)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if bucket.Candidates == nil || bucket.Candidates.IsEmpty() {
				continue
			}
			bucketGraph := bucket.Graph
			if bucketGraph == nil {
				bucketGraph = graph
			}
			if err := recurse(ruleIdx+1, bucketGraph, bucket.Candidates); err != nil {
				return err
			}
			remaining.AndNot(bucket.Candidates)
		}
		// Candidates a later rule places in no bucket still belong to the
		// parent's bucket and follow everything this rule ranked; the first
		// rule's buckets decide which documents match at all.
		if ruleIdx > 0 && !remaining.IsEmpty() {
			return recurse(ruleIdx+1, graph, remaining)
		}
		return nil
	}

	if err := recurse(0, graph, universe); err != nil {
		return nil, err
	}
	return ordered, nil
}
