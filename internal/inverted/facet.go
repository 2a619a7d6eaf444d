package inverted

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// DefaultGroupSize is the number of level-0 entries a level-1 group
// consolidates, and recursively the number of level-k entries a level-(k+1)
// group consolidates (§4.5.1).
const DefaultGroupSize = 4

// DefaultMinLevelSize is the minimum node count a produced level must carry
// to justify building the next level above it (§4.5.1).
const DefaultMinLevelSize = 4

// FacetNode is one entry in a facet hierarchy level: a left-bound value and
// the union bitmap of everything it summarizes.
type FacetNode struct {
	LeftBound string
	Bitmap    *roaring.Bitmap
	// ChildCount is this node's group-size: how many children (of the level
	// below) it summarizes.
	ChildCount int
}

// FacetHierarchy is the per-field-id bulk-update structure described in
// §4.5.1: level 0 holds exact (value → docid-bitmap) entries in sorted
// order; levels ≥ 1 are rebuilt wholesale from level 0 after every change,
// grouping `GroupSize` consecutive entries per parent, recursing while the
// produced level has at least `MinLevelSize` nodes.
type FacetHierarchy struct {
	GroupSize    int
	MinLevelSize int

	level0 map[string]*roaring.Bitmap // value -> docids
	levels [][]FacetNode              // levels[0] is level 1 and up (level 0 lives in level0)
}

// NewFacetHierarchy creates an empty hierarchy with the given group-size and
// min-level-size thresholds (zero values fall back to the documented
// defaults).
func NewFacetHierarchy(groupSize, minLevelSize int) *FacetHierarchy {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	if minLevelSize <= 0 {
		minLevelSize = DefaultMinLevelSize
	}
	return &FacetHierarchy{
		GroupSize:    groupSize,
		MinLevelSize: minLevelSize,
		level0:       make(map[string]*roaring.Bitmap),
	}
}

// SetLevel0 incrementally updates a single level-0 entry's bitmap. Callers
// must invoke Rebuild afterward before querying upper levels.
func (h *FacetHierarchy) SetLevel0(value string, docIDs *roaring.Bitmap) {
	if docIDs == nil || docIDs.IsEmpty() {
		delete(h.level0, value)
		return
	}
	existing, ok := h.level0[value]
	if !ok {
		existing = roaring.New()
		h.level0[value] = existing
	}
	existing.Or(docIDs)
}

// RemoveDocuments runs document deletion's set-difference pass over every
// level-0 entry, dropping entries left empty.
func (h *FacetHierarchy) RemoveDocuments(removed *roaring.Bitmap) {
	for value, b := range h.level0 {
		b.AndNot(removed)
		if b.IsEmpty() {
			delete(h.level0, value)
		}
	}
}

// sortedLevel0 returns level-0 values and bitmaps sorted lexicographically
// by value, the traversal order §4.5.1 requires ("traverse level 0
// left-to-right").
func (h *FacetHierarchy) sortedLevel0() []FacetNode {
	values := make([]string, 0, len(h.level0))
	for v := range h.level0 {
		values = append(values, v)
	}
	sort.Strings(values)

	nodes := make([]FacetNode, len(values))
	for i, v := range values {
		nodes[i] = FacetNode{LeftBound: v, Bitmap: h.level0[v], ChildCount: 1}
	}
	return nodes
}

// Rebuild clears levels ≥ 1 and reconstructs them from the current level-0
// state, per §4.5.1's bulk-update contract.
func (h *FacetHierarchy) Rebuild() {
	h.levels = nil

	current := h.sortedLevel0()
	for len(current) >= h.MinLevelSize {
		next := groupConsolidate(current, h.GroupSize, h.MinLevelSize)
		h.levels = append(h.levels, next)
		if len(next) == len(current) {
			// Grouping made no progress (can't happen with GroupSize>1,
			// but guards against an infinite loop for GroupSize==1).
			break
		}
		current = next
	}
}

// groupConsolidate produces level k+1 from level k: groups of groupSize
// consecutive entries are merged into one parent whose bitmap is the union
// of its children and whose left-bound is the first child's. A leftover
// tail smaller than groupSize is flushed into the last group when fewer than
// minLevelSize groups precede it; otherwise it forms its own (possibly
// undersized) trailing group.
func groupConsolidate(level []FacetNode, groupSize, minLevelSize int) []FacetNode {
	if len(level) == 0 {
		return nil
	}

	var out []FacetNode
	i := 0
	for i < len(level) {
		end := i + groupSize
		if end > len(level) {
			end = len(level)
		}

		// If this would be the final, undersized group and the groups
		// emitted so far number fewer than minLevelSize, fold it into the
		// previous group instead of emitting a short trailing group.
		remaining := end - i
		isTail := end == len(level) && remaining < groupSize
		if isTail && len(out) > 0 && len(out) < minLevelSize {
			last := &out[len(out)-1]
			for _, child := range level[i:end] {
				last.Bitmap.Or(child.Bitmap)
				last.ChildCount += child.ChildCount
			}
			break
		}

		group := newGroupNode(level[i:end])
		out = append(out, group)
		i = end
	}
	return out
}

func newGroupNode(children []FacetNode) FacetNode {
	bitmap := roaring.New()
	childCount := 0
	for _, c := range children {
		bitmap.Or(c.Bitmap)
		childCount += c.ChildCount
	}
	return FacetNode{LeftBound: children[0].LeftBound, Bitmap: bitmap, ChildCount: childCount}
}

// TopLevel returns the highest built level (closest to the root), or nil if
// level 0 never reached MinLevelSize.
func (h *FacetHierarchy) TopLevel() []FacetNode {
	if len(h.levels) == 0 {
		return nil
	}
	return h.levels[len(h.levels)-1]
}

// Level0 returns the sorted level-0 nodes, for tests and exact-value
// lookups that don't need the upper levels.
func (h *FacetHierarchy) Level0() []FacetNode {
	return h.sortedLevel0()
}

// Depth returns the number of levels built above level 0.
func (h *FacetHierarchy) Depth() int {
	return len(h.levels)
}

// RebuildAncestorsOf is the single-node fast path (§4.5.1): when one
// existing level-0 node's bitmap changes (a value that stays present, with
// fewer or more documents), only its ancestor chain needs a new union, since
// group membership and left-bounds don't change. Walk each level's group
// containing the node's index and re-union it from its children.
// More than one affected node, or a node appearing or disappearing entirely
// (which shifts every later index), falls back to a full Rebuild.
func (h *FacetHierarchy) RebuildAncestorsOf(changedValues []string) {
	if len(changedValues) != 1 || len(h.levels) == 0 {
		h.Rebuild()
		return
	}

	level0 := h.sortedLevel0()
	idx := sort.Search(len(level0), func(i int) bool { return level0[i].LeftBound >= changedValues[0] })
	if idx >= len(level0) || level0[idx].LeftBound != changedValues[0] {
		// The value vanished entirely: indices shift, fast path doesn't apply.
		h.Rebuild()
		return
	}
	covered := 0
	for _, n := range h.levels[0] {
		covered += n.ChildCount
	}
	if covered != len(level0) {
		// A value appeared or vanished since the last build: indices shift too.
		h.Rebuild()
		return
	}

	childIdx := idx
	children := level0
	for levelIdx, level := range h.levels {
		groupIdx, ok := groupContaining(children, childIdx, level)
		if !ok {
			h.Rebuild()
			return
		}
		start, end := groupBounds(children, groupIdx, h.GroupSize, len(children))
		if groupIdx == len(level)-1 {
			end = len(children) // the last group also owns any folded-in tail
		}
		h.levels[levelIdx][groupIdx] = newGroupNode(children[start:end])
		childIdx = groupIdx
		children = h.levels[levelIdx]
	}
}

// groupContaining returns the index, within level, of the group that owns
// children[childIdx], found by its left-bound.
func groupContaining(children []FacetNode, childIdx int, level []FacetNode) (int, bool) {
	if childIdx >= len(children) {
		return 0, false
	}
	target := children[childIdx].LeftBound
	for i := len(level) - 1; i >= 0; i-- {
		if level[i].LeftBound <= target {
			return i, true
		}
	}
	return 0, false
}

// groupBounds recomputes [start,end) over children for the groupIdx-th
// group, assuming the regular GroupSize grouping. The leftover-tail fold-in
// only ever touches the last group; RebuildAncestorsOf extends that group's
// end to the last child itself.
func groupBounds(children []FacetNode, groupIdx, groupSize, total int) (int, int) {
	start := groupIdx * groupSize
	end := start + groupSize
	if end > total {
		end = total
	}
	return start, end
}

type facetHierarchySnapshot struct {
	GroupSize    int
	MinLevelSize int
	Keys         []string
	Values       [][]byte
}

// Encode serializes the hierarchy's level-0 entries for commit handoff into
// the Storage Environment (§4.5 P5). Levels ≥ 1 are derived state and are
// not encoded; LoadFacetHierarchy rebuilds them from level 0 on load.
func (h *FacetHierarchy) Encode() ([]byte, error) {
	snap := facetHierarchySnapshot{GroupSize: h.GroupSize, MinLevelSize: h.MinLevelSize}
	for v, b := range h.level0 {
		encoded, err := b.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("encode facet hierarchy entry %q: %w", v, err)
		}
		snap.Keys = append(snap.Keys, v)
		snap.Values = append(snap.Values, encoded)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode facet hierarchy: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadFacetHierarchy loads a hierarchy previously produced by Encode,
// rebuilding its derived levels from the decoded level-0 state.
func LoadFacetHierarchy(data []byte) (*FacetHierarchy, error) {
	var snap facetHierarchySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode facet hierarchy: %w", err)
	}
	h := NewFacetHierarchy(snap.GroupSize, snap.MinLevelSize)
	for i, v := range snap.Keys {
		b := roaring.New()
		if err := b.UnmarshalBinary(snap.Values[i]); err != nil {
			return nil, fmt.Errorf("decode facet hierarchy entry %q: %w", v, err)
		}
		h.level0[v] = b
	}
	h.Rebuild()
	return h, nil
}
