package search

import "github.com/RoaringBitmap/roaring/v2"

// AttributeLookup resolves a term node's candidate docids restricted to
// one searchable field, along with that field's configured rank (lower
// rank searched first, i.e. cheaper) (§4.6.2 "attribute (field-id /
// position)").
type AttributeLookup interface {
	// Fields returns the searchable field ids a term node could match in,
	// most-preferred first.
	Fields(node *Node) []uint16
	// Lookup returns the candidate docids for node restricted to fieldID.
	Lookup(node *Node, fieldID uint16) *roaring.Bitmap
}

// BuildAttributeRuleGraph constructs the attribute rule's edge set
// (§4.6.2): one conditional edge per (term, field) pair, costed by the
// field's rank within AttributeLookup.Fields so documents matching a term
// in an earlier-ranked field cost less than ones that only match it in a
// later field.
func BuildAttributeRuleGraph(graph *Graph, lookup AttributeLookup) (*RuleGraph, error) {
	rg := NewRuleGraph(graph)
	byPosition, positions := groupByPosition(graph)

	var conditionID ConditionID
	nextCondition := func() ConditionID {
		id := conditionID
		conditionID++
		return id
	}

	prevNodes := []NodeID{graph.RootNode}
	for _, pos := range positions {
		forms := byPosition[pos]
		var curNodes []NodeID
		for _, form := range forms {
			fields := lookup.Fields(form)
			anyEdge := false
			for rank, fieldID := range fields {
				bitmap := lookup.Lookup(form, fieldID)
				if bitmap == nil || bitmap.IsEmpty() {
					continue
				}
				cond := nextCondition()
				rg.SetConditionBitmap(cond, bitmap)
				for _, prev := range prevNodes {
					rg.AddEdge(prev, RuleEdge{Dest: form.ID, Cost: uint32(rank), Condition: &cond})
				}
				anyEdge = true
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

// NewAttributeRule creates the "attribute" ranking rule (§4.6.2).
func NewAttributeRule(lookup AttributeLookup) *GraphBasedRule {
	return NewGraphBasedRule(RuleAttribute, func(graph *Graph) (*RuleGraph, error) {
		return BuildAttributeRuleGraph(graph, lookup)
	})
}
