package search

// BuildTypoRuleGraph constructs the typo rule's edge set: the same
// position-to-position chain as the words rule, but each form's edge cost
// is its Damerau-Levenshtein distance from the original term (0 for an
// exact/prefix/phrase/synonym form, 1 or 2 for a NodeTypo form). The
// cheapest-path search then naturally prefers exact matches over typo'd
// ones, falling back to larger edit distances only when budget allows.
func BuildTypoRuleGraph(graph *Graph, lookup TermLookup) (*RuleGraph, error) {
	return buildPositionChain(graph, lookup, func(n *Node) uint32 {
		if n.Kind == NodeTypo {
			return uint32(n.TypoDistance)
		}
		return 0
	}), nil
}

// NewTypoRule creates the "typo" ranking rule (§4.6.2).
func NewTypoRule(lookup TermLookup) *GraphBasedRule {
	return NewGraphBasedRule(RuleTypo, func(graph *Graph) (*RuleGraph, error) {
		return BuildTypoRuleGraph(graph, lookup)
	})
}

// NewWordsRule creates the "words" ranking rule (§4.6.2, §4.6.5).
func NewWordsRule(lookup TermLookup, strategy MatchingStrategy) *GraphBasedRule {
	return NewGraphBasedRule(RuleWords, func(graph *Graph) (*RuleGraph, error) {
		return BuildWordsRuleGraph(graph, lookup, strategy)
	})
}
