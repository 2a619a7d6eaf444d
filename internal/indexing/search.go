package indexing

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/inverted"
	"github.com/amanmcp/gokko/internal/search"
)

// SearchRequest composes one read request against a committed index (§2
// "Search API surface": "compose a search request ... into evaluator
// inputs; format results").
type SearchRequest struct {
	Query            string
	Filter           search.Filter
	Sort             []search.SortCriterion
	GeoSort          *GeoSortPoint
	Distinct         string
	MatchingStrategy search.MatchingStrategy
	AllowPrefix      bool
	Offset           int
	Limit            int
}

// GeoSortPoint is the reference point geo-sort orders results around.
type GeoSortPoint struct {
	Lat, Lon float64
}

// SearchHit is one ranked result: the document's internal id and its
// displayed fields.
type SearchHit struct {
	DocID  uint32
	Fields map[string]any
}

// SearchResult is the formatted response an embedder consumes.
type SearchResult struct {
	Hits             []SearchHit
	EstimatedMatches int
}

// Search composes req into the rule-evaluator chain over indexUID's current
// committed (and any pipeline-buffered) state and formats the ranked
// output (§4.6). It is the engine's read path, symmetric with the write
// path Execute drives for the task queue.
func (p *Pipeline) Search(indexUID string, req SearchRequest) (*SearchResult, error) {
	ix, st := p.indexFor(indexUID)

	fields := st.Fields
	if len(fields) == 0 {
		// Field settings only ever live in the running process's memory
		// (§4.2 settings are not part of the committed index state); a
		// fresh process that loaded an already-committed index has no
		// opinion on which fields are searchable, so every observed field
		// is treated as fully searchable/filterable/sortable rather than
		// returning nothing.
		fields = defaultFieldConfig(ix)
	}

	universe := allDocuments(ix)
	if req.Filter != nil {
		universe = search.ApplyFilter(universe, req.Filter, newFilterIndex(ix, fields))
	}

	graph := search.BuildGraph(req.Query, ix.FST, req.AllowPrefix)

	termLookup := newTermLookup(ix)
	rules := []search.RankingRule{
		search.NewWordsRule(termLookup, req.MatchingStrategy),
		search.NewTypoRule(termLookup),
		search.NewProximityRule(newProximityLookup(ix)),
		search.NewAttributeRule(newAttributeLookup(ix, fields)),
		search.NewExactnessRule(termLookup),
	}
	for _, crit := range req.Sort {
		rules = append(rules, search.NewSortRule(newSortIndex(ix, fields), crit))
	}
	if req.GeoSort != nil {
		rules = append(rules, search.NewGeoSortRule(ix.Geo, req.GeoSort.Lat, req.GeoSort.Lon))
	}

	// A non-positive Limit means "no limit": ask the evaluator for enough
	// buckets to cover the whole candidate universe rather than an
	// arbitrary default.
	want := req.Offset + req.Limit
	if req.Limit <= 0 {
		want = req.Offset + int(universe.GetCardinality())
	}

	evaluator := search.NewEvaluator(rules)
	ordered, err := evaluator.Run(graph, universe, want)
	if err != nil {
		return nil, fmt.Errorf("run evaluator: %w", err)
	}

	// EstimatedMatches counts every document the words rule places in a
	// bucket, independent of Offset and Limit.
	matched, err := search.NewEvaluator(rules[:1]).Run(graph, universe, int(universe.GetCardinality()))
	if err != nil {
		return nil, fmt.Errorf("count matches: %w", err)
	}

	if req.Distinct != "" {
		ordered = search.ApplyDistinct(ordered, req.Distinct, newDistinctIndex(ix))
	}

	if req.Offset > 0 {
		if req.Offset >= len(ordered) {
			ordered = nil
		} else {
			ordered = ordered[req.Offset:]
		}
	}
	if req.Limit > 0 && len(ordered) > req.Limit {
		ordered = ordered[:req.Limit]
	}

	hits := make([]SearchHit, 0, len(ordered))
	for _, id := range ordered {
		doc, ok := ix.Documents[id]
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{DocID: id, Fields: doc.Fields})
	}

	return &SearchResult{Hits: hits, EstimatedMatches: len(matched)}, nil
}

// defaultFieldConfig treats every field the index has ever observed as
// searchable, filterable, and sortable, for use when no explicit settings
// task has run yet in this process.
func defaultFieldConfig(ix *Index) map[string]FieldConfig {
	fields := make(map[string]FieldConfig, len(ix.FieldIDs))
	for name := range ix.FieldIDs {
		fields[name] = FieldConfig{Name: name, Searchable: true, Filterable: true, Sortable: true}
	}
	return fields
}

func allDocuments(ix *Index) *roaring.Bitmap {
	b := roaring.New()
	for id := range ix.Documents {
		b.Add(id)
	}
	return b
}

// --- search.TermLookup -----------------------------------------------------

type termLookup struct{ ix *Index }

func newTermLookup(ix *Index) *termLookup { return &termLookup{ix: ix} }

func (l *termLookup) Lookup(node *search.Node) *roaring.Bitmap {
	switch node.Kind {
	case search.NodePhrase:
		return l.lookupPhrase(node.Phrase)
	case search.NodePrefix:
		return l.lookupPrefix(node.Word)
	default:
		return l.ix.Words.Get([]byte(node.Word))
	}
}

func (l *termLookup) lookupPhrase(words []string) *roaring.Bitmap {
	if len(words) == 0 {
		return nil
	}
	if len(words) == 1 {
		return l.ix.Words.Get([]byte(words[0]))
	}
	var result *roaring.Bitmap
	for i := 0; i+1 < len(words); i++ {
		b := l.ix.Proximity.Get(inverted.ProximityKey(words[i], words[i+1], 1))
		if b == nil {
			return roaring.New()
		}
		if result == nil {
			result = b.Clone()
		} else {
			result.And(b)
		}
	}
	return result
}

func (l *termLookup) lookupPrefix(prefix string) *roaring.Bitmap {
	if l.ix.FST == nil {
		return l.ix.Words.Get([]byte(prefix))
	}
	words, err := l.ix.FST.PrefixSearch(prefix, 0)
	if err != nil {
		return nil
	}
	out := roaring.New()
	for _, w := range words {
		if b := l.ix.Words.Get([]byte(w)); b != nil {
			out.Or(b)
		}
	}
	return out
}

func (l *termLookup) Frequency(node *search.Node) int {
	b := l.Lookup(node)
	if b == nil {
		return 0
	}
	return int(b.GetCardinality())
}

// --- search.AttributeLookup -------------------------------------------------

type attributeLookup struct {
	ix     *Index
	fields []uint16 // searchable field ids, ascending by id
}

func newAttributeLookup(ix *Index, fields map[string]FieldConfig) *attributeLookup {
	var ids []uint16
	for name, cfg := range fields {
		if cfg.Searchable {
			ids = append(ids, ix.FieldID(name))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &attributeLookup{ix: ix, fields: ids}
}

func (l *attributeLookup) Fields(node *search.Node) []uint16 { return l.fields }

func (l *attributeLookup) Lookup(node *search.Node, fieldID uint16) *roaring.Bitmap {
	if node.Kind == search.NodePhrase {
		return nil
	}
	return wordBitmapForField(l.ix, node.Word, fieldID)
}

// wordBitmapForField scans WordPositions for word's entries restricted to
// fieldID, decoding the field id folded into each composite key's position
// suffix (EncodePosition). WordPositions.Keys() returns entries
// lexicographically sorted, so every key sharing word's "word\x00" prefix
// is contiguous; the scan stops as soon as it runs past that range.
func wordBitmapForField(ix *Index, word string, fieldID uint16) *roaring.Bitmap {
	prefix := []byte(word + "\x00")
	var out *roaring.Bitmap
	matching := false
	for _, key := range ix.WordPositions.Keys() {
		if !bytes.HasPrefix(key, prefix) {
			if matching {
				break
			}
			continue
		}
		matching = true
		pos, err := strconv.Atoi(string(key[len(prefix):]))
		if err != nil {
			continue
		}
		if uint16(pos/MaxPosition) != fieldID {
			continue
		}
		if b := ix.WordPositions.Get(key); b != nil {
			if out == nil {
				out = roaring.New()
			}
			out.Or(b)
		}
	}
	return out
}

// --- search.ProximityLookup -------------------------------------------------

type proximityLookup struct{ ix *Index }

func newProximityLookup(ix *Index) *proximityLookup { return &proximityLookup{ix: ix} }

func (l *proximityLookup) Lookup(wordA, wordB string, proximity int) *roaring.Bitmap {
	return l.ix.Proximity.Get(inverted.ProximityKey(wordA, wordB, proximity))
}

// --- search.FilterIndex -----------------------------------------------------

type filterIndex struct {
	ix     *Index
	fields map[string]FieldConfig
}

func newFilterIndex(ix *Index, fields map[string]FieldConfig) *filterIndex {
	return &filterIndex{ix: ix, fields: fields}
}

func (f *filterIndex) filterableFieldID(name string) (uint16, bool) {
	cfg, ok := f.fields[name]
	if !ok || !cfg.Filterable {
		return 0, false
	}
	return f.ix.FieldID(name), true
}

// queryFacetValue encodes a raw filter value the same way extraction
// encodes a document's field value (internal/indexing/extract.go
// orderableFacetValue), so lexicographic comparison against stored facet
// keys is meaningful for both strings and numbers.
func queryFacetValue(raw string) string {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return orderableFacetValue(f)
	}
	return orderableFacetValue(raw)
}

func (f *filterIndex) Eq(field, value string) *roaring.Bitmap {
	id, ok := f.filterableFieldID(field)
	if !ok {
		return roaring.New()
	}
	b := f.ix.Facets.Get(inverted.FacetKey(id, queryFacetValue(value)))
	if b == nil {
		return roaring.New()
	}
	return b.Clone()
}

// rangeBound encodes one half of a Range query. A raw value ending in
// "\xff" (the marker Condition.Eval appends for Lte and Gt comparisons) encodes its trimmed prefix and reattaches the marker so the
// byte comparison below still excludes/includes the boundary correctly.
func rangeBound(raw string) ([]byte, bool) {
	if raw == "" {
		return nil, false
	}
	trimmed := strings.TrimSuffix(raw, "\xff")
	open := trimmed != raw
	key := []byte(queryFacetValue(trimmed))
	if open {
		key = append(key, 0xff)
	}
	return key, true
}

func (f *filterIndex) Range(field string, lo, hi string) *roaring.Bitmap {
	id, ok := f.filterableFieldID(field)
	if !ok {
		return roaring.New()
	}
	prefix := inverted.FacetKey(id, "")
	loKey, loOK := rangeBound(lo)
	hiKey, hiOK := rangeBound(hi)

	out := roaring.New()
	for _, key := range f.ix.Facets.Keys() {
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		value := key[len(prefix):]
		if loOK && bytes.Compare(value, loKey) < 0 {
			continue
		}
		if hiOK && bytes.Compare(value, hiKey) > 0 {
			continue
		}
		if b := f.ix.Facets.Get(key); b != nil {
			out.Or(b)
		}
	}
	return out
}

func (f *filterIndex) Exists(field string) *roaring.Bitmap {
	id, ok := f.filterableFieldID(field)
	if !ok {
		return roaring.New()
	}
	prefix := inverted.FacetKey(id, "")
	out := roaring.New()
	for _, key := range f.ix.Facets.Keys() {
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		if b := f.ix.Facets.Get(key); b != nil {
			out.Or(b)
		}
	}
	return out
}

// IsNull and IsEmpty both resolve to FacetValueEmpty: extraction
// (internal/indexing/extract.go orderableFacetValue) folds a nil value and
// an empty string into the same marker, so the two filters are
// indistinguishable at the facet-index layer as currently extracted.
func (f *filterIndex) IsNull(field string) *roaring.Bitmap  { return f.Eq(field, "") }
func (f *filterIndex) IsEmpty(field string) *roaring.Bitmap { return f.Eq(field, "") }

func (f *filterIndex) Contains(field, substr string) *roaring.Bitmap {
	return f.scanValues(field, func(v string) bool { return strings.Contains(v, substr) })
}

func (f *filterIndex) StartsWith(field, prefix string) *roaring.Bitmap {
	return f.scanValues(field, func(v string) bool { return strings.HasPrefix(v, prefix) })
}

func (f *filterIndex) scanValues(field string, match func(string) bool) *roaring.Bitmap {
	id, ok := f.filterableFieldID(field)
	if !ok {
		return roaring.New()
	}
	prefix := inverted.FacetKey(id, "")
	out := roaring.New()
	for _, key := range f.ix.Facets.Keys() {
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		if !match(string(key[len(prefix):])) {
			continue
		}
		if b := f.ix.Facets.Get(key); b != nil {
			out.Or(b)
		}
	}
	return out
}

func (f *filterIndex) GeoRadius(lat, lon, radiusKm float64) *roaring.Bitmap {
	out := roaring.New()
	for _, id := range f.ix.Geo.WithinRadius(lat, lon, radiusKm) {
		out.Add(id)
	}
	return out
}

func (f *filterIndex) GeoBoundingBox(minLon, minLat, maxLon, maxLat float64) *roaring.Bitmap {
	out := roaring.New()
	for _, id := range f.ix.Geo.WithinBoundingBox(minLon, minLat, maxLon, maxLat) {
		out.Add(id)
	}
	return out
}

func (f *filterIndex) AllDocuments() *roaring.Bitmap {
	return allDocuments(f.ix)
}

// --- search.SortIndex -------------------------------------------------------

type sortIndex struct {
	ix     *Index
	fields map[string]FieldConfig
}

func newSortIndex(ix *Index, fields map[string]FieldConfig) *sortIndex {
	return &sortIndex{ix: ix, fields: fields}
}

func (s *sortIndex) Ordered(field string, asc bool) []uint32 {
	cfg, ok := s.fields[field]
	if !ok || !cfg.Sortable {
		return nil
	}
	id := s.ix.FieldID(field)
	prefix := inverted.FacetKey(id, "")

	var bitmaps []*roaring.Bitmap
	for _, key := range s.ix.Facets.Keys() {
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		if b := s.ix.Facets.Get(key); b != nil {
			bitmaps = append(bitmaps, b)
		}
	}
	// Facets.Keys() is lexicographically sorted and FacetKey groups
	// (fieldID, value) with value as the trailing component, so bitmaps
	// above are already collected in ascending value order.
	if !asc {
		for i, j := 0, len(bitmaps)-1; i < j; i, j = i+1, j-1 {
			bitmaps[i], bitmaps[j] = bitmaps[j], bitmaps[i]
		}
	}

	var out []uint32
	for _, b := range bitmaps {
		it := b.Iterator()
		for it.HasNext() {
			out = append(out, it.Next())
		}
	}
	return out
}

// --- search.DistinctIndex ----------------------------------------------------

type distinctIndex struct{ ix *Index }

func newDistinctIndex(ix *Index) *distinctIndex { return &distinctIndex{ix: ix} }

func (d *distinctIndex) Value(docID uint32, field string) (string, bool) {
	doc, ok := d.ix.Documents[docID]
	if !ok {
		return "", false
	}
	val, ok := doc.Fields[field]
	if !ok {
		return "", false
	}
	return fmt.Sprint(val), true
}
