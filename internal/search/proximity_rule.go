package search

import "github.com/RoaringBitmap/roaring/v2"

// ProximityLookup resolves the candidate docids for two consecutive query
// words appearing within a given proximity distance of each other,
// backed by internal/inverted.Postings' proximity-keyed entries
// (internal/inverted.ProximityKey).
type ProximityLookup interface {
	Lookup(wordA, wordB string, proximity int) *roaring.Bitmap
}

// MaxProximity bounds how far apart two words may be and still count as
// "in proximity" for ranking purposes, the same bound extraction records
// proximity entries for. A document whose words are only farther apart has
// no entry for the pair, lands in none of the rule's buckets, and follows
// every document the rule does bucket.
const MaxProximity = 7

// BuildProximityRuleGraph constructs the proximity rule's edge set
// (§4.6.2): for each pair of consecutive positions, one conditional edge
// per achievable proximity distance, with the edge's cost equal to that
// distance (closer co-occurrence is cheaper, i.e. ranks better).
func BuildProximityRuleGraph(graph *Graph, lookup ProximityLookup) (*RuleGraph, error) {
	rg := NewRuleGraph(graph)
	byPosition, positions := groupByPosition(graph)

	var conditionID ConditionID
	nextCondition := func() ConditionID {
		id := conditionID
		conditionID++
		return id
	}

	prevNodes := []NodeID{graph.RootNode}
	for i, pos := range positions {
		forms := byPosition[pos]
		var curNodes []NodeID
		if i == 0 {
			// The first position has no predecessor pair; connect it
			// unconditionally at cost 0.
			for _, form := range forms {
				rg.AddEdge(graph.RootNode, RuleEdge{Dest: form.ID, Cost: 0})
				curNodes = append(curNodes, form.ID)
			}
			prevNodes = curNodes
			continue
		}

		prevForms := byPosition[positions[i-1]]
		for _, form := range forms {
			anyEdge := false
			for _, prevForm := range prevForms {
				if prevForm.Word == "" || form.Word == "" {
					continue
				}
				for d := 1; d <= MaxProximity; d++ {
					bitmap := lookup.Lookup(prevForm.Word, form.Word, d)
					if bitmap == nil || bitmap.IsEmpty() {
						continue
					}
					cond := nextCondition()
					rg.SetConditionBitmap(cond, bitmap)
					rg.AddEdge(prevForm.ID, RuleEdge{Dest: form.ID, Cost: uint32(d), Condition: &cond})
					anyEdge = true
				}
			}
			if anyEdge {
				curNodes = append(curNodes, form.ID)
			}
		}
		if len(curNodes) == 0 {
			curNodes = prevNodes
		}
		prevNodes = curNodes
	}
	for _, prev := range prevNodes {
		rg.AddEdge(prev, RuleEdge{Dest: graph.EndNode, Cost: 0})
	}
	return rg, nil
}

// NewProximityRule creates the "proximity" ranking rule (§4.6.2).
func NewProximityRule(lookup ProximityLookup) *GraphBasedRule {
	return NewGraphBasedRule(RuleProximity, func(graph *Graph) (*RuleGraph, error) {
		return BuildProximityRuleGraph(graph, lookup)
	})
}
