// Package search implements the query graph and ranking rule evaluator
// (§4.6): term nodes built from a tokenized query, graph-based ranking rules
// that materialize their own edge sets over that graph, and a cheapest-path
// evaluator shared by all of them.
package search

import (
	"github.com/bits-and-blooms/bitset"
)

// NodeKind discriminates the term-node forms attached per query position
// (§4.6.1).
type NodeKind int

const (
	// NodeStart and NodeEnd are the graph's sentinel endpoints.
	NodeStart NodeKind = iota
	NodeEnd
	// NodeExact is a term's unmodified surface form.
	NodeExact
	// NodePrefix is a term treated as a prefix (only valid at the query's
	// final position).
	NodePrefix
	// NodeNGram is an n-gram split of consecutive terms (e.g. "hello world"
	// considered as a single token for proximity purposes).
	NodeNGram
	// NodeTypo is a Damerau-Levenshtein variant of a term.
	NodeTypo
	// NodePhrase is a quoted phrase segment, matched as a unit.
	NodePhrase
	// NodeSynonym is a term substituted via settings-configured synonyms.
	NodeSynonym
)

// NodeID identifies a node within a Graph.
type NodeID int

// Node is one query-graph vertex: a term form attached to a query position,
// or one of the two sentinels.
type Node struct {
	ID       NodeID
	Kind     NodeKind
	Position int    // query term position this node occupies (-1 for sentinels)
	Word     string // surface form for Exact/Prefix/NGram/Typo/Synonym nodes
	Phrase   []string
	// TypoDistance is the Damerau-Levenshtein distance a NodeTypo form was
	// generated at (1 or 2, per §4.6.1's length-bounded typo tolerance).
	TypoDistance int

	predecessors []NodeID
	successors   []NodeID
}

// Graph is the query graph built from a tokenized, normalized query string
// (§4.6.1): term nodes per position connected position-to-position, plus
// start/end sentinels and unconditional "skip" edges gated by the
// matching-strategy budget.
type Graph struct {
	Nodes    []*Node
	RootNode NodeID
	EndNode  NodeID

	// skipEdges records the unconditional (condition-free) edges used both
	// to connect adjacent positions when nothing else applies and to
	// implement matching-strategy skipping (§4.6.5). Conditional edges live
	// in a ranking rule's own RuleGraph, not here: the base Graph only
	// carries node identity, adjacency, and the always-available skips.
	skipEdges map[NodeID][]skipEdge
}

type skipEdge struct {
	dest        NodeID
	cost        uint32
	nodesToSkip []NodeID
}

// NewGraph creates an empty graph with just the start and end sentinels.
func NewGraph() *Graph {
	g := &Graph{skipEdges: make(map[NodeID][]skipEdge)}
	start := g.addNode(&Node{Kind: NodeStart, Position: -1})
	end := g.addNode(&Node{Kind: NodeEnd, Position: -1})
	g.RootNode = start
	g.EndNode = end
	return g
}

func (g *Graph) addNode(n *Node) NodeID {
	n.ID = NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, n)
	return n.ID
}

// AddTermNode appends a term-form node and returns its id. Callers wire it
// into the graph's adjacency with Connect.
func (g *Graph) AddTermNode(kind NodeKind, position int, word string) NodeID {
	return g.addNode(&Node{Kind: kind, Position: position, Word: word})
}

// AddPhraseNode appends a quoted-phrase node spanning multiple surface
// words, matched as a single unit.
func (g *Graph) AddPhraseNode(position int, words []string) NodeID {
	return g.addNode(&Node{Kind: NodePhrase, Position: position, Phrase: words})
}

// Connect records an adjacency edge from -> to (predecessor/successor
// bookkeeping used by the backward BFS cost propagation in
// cheapest_path.go).
func (g *Graph) Connect(from, to NodeID) {
	g.Nodes[from].successors = append(g.Nodes[from].successors, to)
	g.Nodes[to].predecessors = append(g.Nodes[to].predecessors, from)
}

// AddSkipEdge records an unconditional edge from -> to at the given cost,
// used to "skip" a position: taking it means reaching dest without ever
// traversing (only skipping) the intervening term nodes. nodesToSkip lists
// the positions this skip passes over, consulted by the matching-strategy
// budget (§4.6.5) so that a node already visited through a real edge can't
// also be silently skipped.
func (g *Graph) AddSkipEdge(from, to NodeID, cost uint32, nodesToSkip []NodeID) {
	g.Connect(from, to)
	g.skipEdges[from] = append(g.skipEdges[from], skipEdge{dest: to, cost: cost, nodesToSkip: nodesToSkip})
}

// SkipEdgesFrom returns the unconditional edges leaving node.
func (g *Graph) SkipEdgesFrom(node NodeID) []skipEdge {
	return g.skipEdges[node]
}

// NodeBitmap is a fixed-width membership set over a graph's node count,
// mirroring the Rust evaluator's SmallBitmap<QueryNode>.
type NodeBitmap struct{ bits *bitset.BitSet }

// NewNodeBitmap allocates a membership set sized for the given graph.
func NewNodeBitmap(g *Graph) NodeBitmap {
	return NodeBitmap{bits: bitset.New(uint(len(g.Nodes)))}
}

// A zero-value NodeBitmap (nil bits) behaves as an empty set: edges built
// without an explicit NewNodeBitmap (most unconditional edges never skip
// anything) must not panic when unioned into a real bitmap.

func (b NodeBitmap) Insert(n NodeID) {
	if b.bits != nil {
		b.bits.Set(uint(n))
	}
}
func (b NodeBitmap) Remove(n NodeID) {
	if b.bits != nil {
		b.bits.Clear(uint(n))
	}
}
func (b NodeBitmap) Contains(n NodeID) bool {
	return b.bits != nil && b.bits.Test(uint(n))
}
func (b NodeBitmap) Clone() NodeBitmap {
	if b.bits == nil {
		return b
	}
	return NodeBitmap{bits: b.bits.Clone()}
}
func (b NodeBitmap) Union(other NodeBitmap) {
	if other.bits == nil {
		return
	}
	if b.bits == nil {
		return
	}
	b.bits.InPlaceUnion(other.bits)
}
func (b NodeBitmap) IsSubsetOf(o NodeBitmap) bool {
	if b.bits == nil {
		return true
	}
	if o.bits == nil {
		return false
	}
	return b.bits.Clone().InPlaceIntersection(o.bits).Equal(b.bits)
}
func (b NodeBitmap) Intersects(o NodeBitmap) bool {
	if b.bits == nil || o.bits == nil {
		return false
	}
	return b.bits.IntersectionCardinality(o.bits) > 0
}
