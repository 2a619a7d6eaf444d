package search

import "github.com/RoaringBitmap/roaring/v2"

// SortIndex returns a field's docids ordered by that field's value, used
// by the sort rule (§4.6.6: "a user-provided order over sortable fields,
// evaluated as an additional rule consuming candidates in sorted order
// from an auxiliary index").
type SortIndex interface {
	// Ordered returns every docid carrying a value for field, sorted
	// ascending (or descending, if asc is false).
	Ordered(field string, asc bool) []uint32
}

// SortCriterion is one user-requested sort key.
type SortCriterion struct {
	Field     string
	Ascending bool
}

// SortRule is a non-graph-based ranking rule: rather than materializing an
// edge set, it walks a precomputed per-field ordering and emits candidates
// one at a time in that order, restricted to the current universe. Unlike
// the graph-based rules, its bucket size is always at most 1 document,
// since a total order admits no ties to batch together (ties are broken
// by whichever rule sorts next in the chain).
type SortRule struct {
	index     SortIndex
	criterion SortCriterion

	order []uint32
	pos   int
	total int
}

// NewSortRule creates the "sort" ranking rule for one criterion (§4.6.2).
// Multiple sort criteria are composed as multiple SortRule instances
// chained back to back in the evaluator's rule list.
func NewSortRule(index SortIndex, criterion SortCriterion) *SortRule {
	return &SortRule{index: index, criterion: criterion}
}

func (r *SortRule) Name() RuleName { return RuleSort }

func (r *SortRule) StartIteration(universe *roaring.Bitmap, graph *Graph) error {
	r.order = r.index.Ordered(r.criterion.Field, r.criterion.Ascending)
	r.pos = 0
	r.total = len(r.order)
	return nil
}

func (r *SortRule) NextBucket(universe *roaring.Bitmap) (Bucket, bool, error) {
	for r.pos < len(r.order) {
		id := r.order[r.pos]
		r.pos++
		if !universe.Contains(id) {
			continue
		}
		bitmap := roaring.New()
		bitmap.Add(id)
		score := 1.0
		if r.total > 0 {
			score = 1 - float64(r.pos-1)/float64(r.total)
		}
		return Bucket{Candidates: bitmap, Score: score}, true, nil
	}
	return Bucket{}, false, nil
}

func (r *SortRule) EndIteration() {
	r.order = nil
	r.pos = 0
}
