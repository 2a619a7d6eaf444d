package search

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
)

type fakeLookup struct {
	postings map[string]*roaring.Bitmap
	freq     map[string]int
}

func (f *fakeLookup) Lookup(n *Node) *roaring.Bitmap {
	if n.Kind == NodePhrase {
		return nil
	}
	return f.postings[n.Word]
}

func (f *fakeLookup) Frequency(n *Node) int {
	return f.freq[n.Word]
}

func bitmap(ids ...uint32) *roaring.Bitmap {
	b := roaring.New()
	for _, id := range ids {
		b.Add(id)
	}
	return b
}

// buildTwoTermGraph builds "quick fox" as two positions, each with a single
// exact-form node, wired start -> quick -> fox -> end.
func buildTwoTermGraph() *Graph {
	g := NewGraph()
	quick := g.AddTermNode(NodeExact, 0, "quick")
	fox := g.AddTermNode(NodeExact, 1, "fox")
	g.Connect(g.RootNode, quick)
	g.Connect(quick, fox)
	g.Connect(fox, g.EndNode)
	return g
}

func TestGraphBasedRule_WordsRuleAllMatchingIsCheapest(t *testing.T) {
	graph := buildTwoTermGraph()
	lookup := &fakeLookup{postings: map[string]*roaring.Bitmap{
		"quick": bitmap(1, 2, 3),
		"fox":   bitmap(2, 3, 4),
	}}

	rule := NewWordsRule(lookup, MatchAll)
	universe := bitmap(1, 2, 3, 4)
	if err := rule.StartIteration(universe, graph); err != nil {
		t.Fatalf("StartIteration: %v", err)
	}
	defer rule.EndIteration()

	bucket, ok, err := rule.NextBucket(universe)
	if err != nil {
		t.Fatalf("NextBucket: %v", err)
	}
	if !ok {
		t.Fatalf("expected a bucket")
	}
	if !bucket.Candidates.Equals(bitmap(2, 3)) {
		t.Fatalf("expected candidates {2,3} (docs matching both terms), got %v", bucket.Candidates.ToArray())
	}
}

func TestGraphBasedRule_WordsRuleMatchLastSkipsTail(t *testing.T) {
	graph := buildTwoTermGraph()
	lookup := &fakeLookup{postings: map[string]*roaring.Bitmap{
		"quick": bitmap(1, 2),
		"fox":   bitmap(99), // no overlap with "quick" at all
	}}

	rule := NewWordsRule(lookup, MatchLast)
	universe := bitmap(1, 2, 99)
	if err := rule.StartIteration(universe, graph); err != nil {
		t.Fatalf("StartIteration: %v", err)
	}
	defer rule.EndIteration()

	var allCandidates []uint32
	for i := 0; i < 5; i++ {
		bucket, ok, err := rule.NextBucket(universe)
		if err != nil {
			t.Fatalf("NextBucket: %v", err)
		}
		if !ok {
			break
		}
		allCandidates = append(allCandidates, bucket.Candidates.ToArray()...)
	}

	found := make(map[uint32]bool)
	for _, id := range allCandidates {
		found[id] = true
	}
	if !found[1] || !found[2] {
		t.Fatalf("expected docs matching just 'quick' to surface once 'fox' is skipped, got %v", allCandidates)
	}
}

func TestBuildTypoRuleGraph_ExactCostsLessThanTypo(t *testing.T) {
	g := NewGraph()
	exact := g.AddTermNode(NodeExact, 0, "color")
	typo := &Node{}
	*typo = Node{Kind: NodeTypo, Position: 0, Word: "colour", TypoDistance: 1}
	typoID := g.addNode(typo)
	g.Connect(g.RootNode, exact)
	g.Connect(g.RootNode, typoID)
	g.Connect(exact, g.EndNode)
	g.Connect(typoID, g.EndNode)

	lookup := &fakeLookup{postings: map[string]*roaring.Bitmap{
		"color":  bitmap(1),
		"colour": bitmap(2),
	}}

	rg, err := BuildTypoRuleGraph(g, lookup)
	if err != nil {
		t.Fatalf("BuildTypoRuleGraph: %v", err)
	}
	costs := rg.AllCostsToEnd()
	rootCosts := costs[g.RootNode]
	if len(rootCosts) < 2 {
		t.Fatalf("expected at least two achievable costs (exact and typo), got %v", rootCosts)
	}
	if rootCosts[0] != 0 {
		t.Fatalf("expected the exact form's cost 0 path to be cheapest, got %v", rootCosts)
	}
}
