package search

import "github.com/RoaringBitmap/roaring/v2"

// MatchingStrategy controls which terms the words rule is allowed to drop
// first when no document matches all of them (§4.6.5).
type MatchingStrategy int

const (
	// MatchAll requires every term to match; no skipping.
	MatchAll MatchingStrategy = iota
	// MatchLast drops terms starting from the end of the query.
	MatchLast
	// MatchFrequency drops the most frequent (least selective) terms first.
	MatchFrequency
)

// TermLookup resolves a term-form node to its candidate docid bitmap,
// bridging the query graph to whatever posting structure backs it
// (typically internal/inverted.Postings via its FST for typo/prefix
// expansion).
type TermLookup interface {
	// Lookup returns the postings bitmap for a term node's surface form
	// (or the intersection of a phrase's word postings adjusted for
	// adjacency, for NodePhrase nodes), or nil if the term is absent.
	Lookup(node *Node) *roaring.Bitmap
	// Frequency returns a term's document frequency, used by
	// MatchFrequency to rank which term to drop first.
	Frequency(node *Node) int
}

// InitialMaxCost computes the words rule's initial budget (§4.6.5):
// "1 + phrases_word_count − 1 + words_rule_max_cost". phrasesWordCount
// counts words forced to match because they're part of a quoted phrase;
// wordsRuleMaxCost is the number of terms that may be skipped under the
// configured MatchingStrategy (0 for MatchAll).
func InitialMaxCost(phrasesWordCount int, wordsRuleMaxCost uint64) uint64 {
	return uint64(1+phrasesWordCount-1) + wordsRuleMaxCost
}

// BuildWordsRuleGraph constructs the words rule's edge set over graph
// (§4.6.3, §4.6.5): term nodes at each position connect via a conditional
// edge carrying that term's postings bitmap at cost 0, and (unless
// strategy is MatchAll) an additional unconditional skip edge at cost 1
// lets the path bypass non-phrase positions, ordered by strategy so the
// cheapest-path search naturally drops the least-important terms first.
func BuildWordsRuleGraph(graph *Graph, lookup TermLookup, strategy MatchingStrategy) (*RuleGraph, error) {
	rg := buildPositionChain(graph, lookup, func(*Node) uint32 { return 0 })

	if strategy == MatchAll {
		return rg, nil
	}

	byPosition, positions := groupByPosition(graph)
	skippable := make(map[int]bool, len(positions))
	for _, pos := range positions {
		skippable[pos] = true
		for _, n := range byPosition[pos] {
			if n.Kind == NodePhrase {
				skippable[pos] = false
				break
			}
		}
	}

	// Unconditional skip edges: one per skippable position, ordered by
	// strategy. MatchLast skips from the tail backward (the last position
	// first); MatchFrequency skips the most frequent term first.
	order := skippablePositionsInOrder(positions, skippable, byPosition, lookup, strategy)
	for _, pos := range order {
		forms := byPosition[pos]
		if len(forms) == 0 {
			continue
		}
		toSkip := NewNodeBitmap(graph)
		for _, f := range forms {
			toSkip.Insert(f.ID)
		}
		dest := nextPositionNode(positions, byPosition, pos, graph)
		for _, prev := range nodesBeforePosition(graph, positions, byPosition, pos) {
			rg.AddEdge(prev, RuleEdge{Dest: dest, Cost: 1, NodesToSkip: toSkip})
		}
	}

	return rg, nil
}

// buildPositionChain is the structural core shared by every single-term
// graph-based rule (words, typo, attribute, exactness — §4.6.3): it
// connects each position's term-form nodes to the next position's, one
// condition per surface form, with costFn deciding each edge's integer
// cost. The words rule is the only one that additionally adds skip edges
// (BuildWordsRuleGraph, above); the others call this directly.
func buildPositionChain(graph *Graph, lookup TermLookup, costFn func(*Node) uint32) *RuleGraph {
	rg := NewRuleGraph(graph)

	var conditionID ConditionID
	nextCondition := func() ConditionID {
		id := conditionID
		conditionID++
		return id
	}

	byPosition, positions := groupByPosition(graph)

	prevNodes := []NodeID{graph.RootNode}
	for _, pos := range positions {
		forms := byPosition[pos]
		var curNodes []NodeID
		for _, form := range forms {
			bitmap := lookup.Lookup(form)
			if bitmap == nil {
				continue
			}
			cond := nextCondition()
			rg.SetConditionBitmap(cond, bitmap)
			cost := costFn(form)
			for _, prev := range prevNodes {
				rg.AddEdge(prev, RuleEdge{Dest: form.ID, Cost: cost, Condition: &cond})
			}
			curNodes = append(curNodes, form.ID)
		}
		if len(curNodes) == 0 {
			continue
		}
		prevNodes = curNodes
	}
	for _, prev := range prevNodes {
		rg.AddEdge(prev, RuleEdge{Dest: graph.EndNode, Cost: 0})
	}
	return rg
}

func groupByPosition(graph *Graph) (map[int][]*Node, []int) {
	byPosition := make(map[int][]*Node)
	var positions []int
	for _, n := range graph.Nodes {
		if n.Kind == NodeStart || n.Kind == NodeEnd {
			continue
		}
		if _, ok := byPosition[n.Position]; !ok {
			positions = append(positions, n.Position)
		}
		byPosition[n.Position] = append(byPosition[n.Position], n)
	}
	sortInts(positions)
	return byPosition, positions
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func skippablePositionsInOrder(positions []int, skippable map[int]bool, byPosition map[int][]*Node, lookup TermLookup, strategy MatchingStrategy) []int {
	var out []int
	for _, p := range positions {
		if skippable[p] {
			out = append(out, p)
		}
	}
	switch strategy {
	case MatchLast:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	case MatchFrequency:
		freq := make(map[int]int, len(out))
		for _, p := range out {
			best := 0
			for _, n := range byPosition[p] {
				if f := lookup.Frequency(n); f > best {
					best = f
				}
			}
			freq[p] = best
		}
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && freq[out[j-1]] < freq[out[j]]; j-- {
				out[j-1], out[j] = out[j], out[j-1]
			}
		}
	}
	return out
}

// nodesBeforePosition returns the predecessor term nodes immediately
// preceding pos (or the root node if pos is the first position).
func nodesBeforePosition(graph *Graph, positions []int, byPosition map[int][]*Node, pos int) []NodeID {
	idx := -1
	for i, p := range positions {
		if p == pos {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return []NodeID{graph.RootNode}
	}
	prevPos := positions[idx-1]
	var ids []NodeID
	for _, n := range byPosition[prevPos] {
		ids = append(ids, n.ID)
	}
	return ids
}

// nextPositionNode returns a representative destination for the skip edge
// leaving pos: the node at the following position, or the end sentinel if
// pos is last.
func nextPositionNode(positions []int, byPosition map[int][]*Node, pos int, graph *Graph) NodeID {
	idx := -1
	for i, p := range positions {
		if p == pos {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(positions)-1 {
		return graph.EndNode
	}
	nextPos := positions[idx+1]
	forms := byPosition[nextPos]
	if len(forms) == 0 {
		return graph.EndNode
	}
	return forms[0].ID
}
