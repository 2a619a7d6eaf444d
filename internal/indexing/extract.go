package indexing

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/amanmcp/gokko/internal/inverted"
)

// FieldConfig describes how one field participates in extraction: whether
// it's searchable (word postings), filterable/sortable (facet axis), the
// reserved geo field, or fed to an embedder as a prompt (§4.2, §4.5 P2).
type FieldConfig struct {
	Name        string
	Searchable  bool
	Filterable  bool
	Sortable    bool
	IsGeo       bool
	EmbedderRef string // non-empty: this field's text contributes to the named embedder's prompt
}

// MaxProximity bounds the positional distance two words are linked at in the
// proximity postings (§4.5 P2: "proximity pairs within distance 1..7").
const MaxProximity = 7

// facetEntry is one (fieldID, value) contribution a document makes to a
// facet axis, carrying its level-0 string key, which merge uses for both the
// flat Facets postings and the field's FacetHierarchy.
type facetEntry struct {
	fieldID uint16
	key     string // orderable level-0 value, per orderableFacetValue
}

// extracted holds one document's P2 output: postings contributions
// keyed the same way Index's maps are keyed, ready for P4 to union in.
type extracted struct {
	docID uint32

	words         map[string]struct{} // present words for this doc
	wordPositions map[string][]int    // word -> encoded positions, for phrase/proximity derivation
	proximity     map[string]struct{} // ProximityKey(...) string form -> present
	facets        []facetEntry

	geoLat, geoLon float64
	hasGeo         bool

	// prompts groups this document's embeddable text per embedder name, for
	// P3 to batch across documents.
	prompts map[string]string
}

// extractDocument runs P1 normalization's output through P2: tokenize
// searchable fields with position encoding, derive proximity pairs,
// collect facet axis values, the geo point if present, and per-embedder
// prompt text.
func extractDocument(doc *Document, ix *Index, fields map[string]FieldConfig) *extracted {
	ex := &extracted{
		docID:         doc.DocID,
		words:         make(map[string]struct{}),
		wordPositions: make(map[string][]int),
		proximity:     make(map[string]struct{}),
		prompts:       make(map[string]string),
	}

	// Field insertion order is preserved so position encoding and
	// proximity derivation are deterministic across runs (§4.5 determinism).
	for _, name := range doc.FieldOrder {
		val, ok := doc.Fields[name]
		if !ok {
			continue
		}
		cfg, known := fields[name]
		if !known {
			continue
		}
		fieldID := ix.FieldID(name)

		if cfg.IsGeo {
			if lat, lon, ok := parseGeoPoint(val); ok {
				ex.geoLat, ex.geoLon = lat, lon
				ex.hasGeo = true
			}
			continue
		}

		if cfg.Searchable {
			tokens := tokenize(fmt.Sprint(val))
			for i, tok := range tokens {
				pos := EncodePosition(fieldID, i)
				ex.words[tok] = struct{}{}
				ex.wordPositions[tok] = append(ex.wordPositions[tok], pos)
				for d := 1; d <= MaxProximity && i-d >= 0; d++ {
					other := tokens[i-d]
					if other == tok {
						continue
					}
					ex.proximity[string(inverted.ProximityKey(other, tok, d))] = struct{}{}
				}
			}
		}

		if cfg.Filterable || cfg.Sortable {
			for _, key := range facetKeysOf(val) {
				ex.facets = append(ex.facets, facetEntry{fieldID: fieldID, key: key})
			}
		}

		if cfg.EmbedderRef != "" {
			ex.prompts[cfg.EmbedderRef] += fmt.Sprint(val) + "\n"
		}
	}

	return ex
}

// ExtractBatch runs P2 over every staged document, one errgroup goroutine
// per document: each document's extraction is independent and errors
// propagate through the group's context cancellation.
func ExtractBatch(ctx context.Context, docs []*Document, ix *Index, fields map[string]FieldConfig) ([]*extracted, error) {
	results := make([]*extracted, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = extractDocument(doc, ix, fields)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// parseGeoPoint accepts the reserved geo field's two accepted shapes: a
// map with "lat"/"lng" keys, or a two-element [lat, lng] slice.
func parseGeoPoint(val any) (lat, lon float64, ok bool) {
	switch v := val.(type) {
	case map[string]any:
		latV, latOK := toFloat(v["lat"])
		lonV, lonOK := toFloat(v["lng"])
		if !lonOK {
			lonV, lonOK = toFloat(v["lon"])
		}
		if latOK && lonOK {
			return latV, lonV, true
		}
	case []any:
		if len(v) == 2 {
			latV, latOK := toFloat(v[0])
			lonV, lonOK := toFloat(v[1])
			if latOK && lonOK {
				return latV, lonV, true
			}
		}
	}
	return 0, 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// facetKeysOf normalizes a raw field value into the level-0 facet key(s) it
// contributes: one per element for an array field, or FacetValueEmpty for an
// empty string.
func facetKeysOf(val any) []string {
	switch v := val.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, orderableFacetValue(e))
		}
		return out
	default:
		return []string{orderableFacetValue(v)}
	}
}

// orderableFacetValue renders a value into FacetHierarchy's level-0 string
// key, encoding numbers so byte-lexicographic order matches numeric order
// (the same monotonic bit-flip transform an ordered-float key needs: flip
// the sign bit for positives, flip every bit for negatives), since level 0
// is sorted with sort.Strings.
func orderableFacetValue(v any) string {
	switch n := v.(type) {
	case float64:
		return "\x02" + encodeOrderedFloat(n)
	case float32:
		return "\x02" + encodeOrderedFloat(float64(n))
	case int:
		return "\x02" + encodeOrderedFloat(float64(n))
	case int64:
		return "\x02" + encodeOrderedFloat(float64(n))
	case bool:
		if n {
			return "true"
		}
		return "false"
	case nil:
		return inverted.FacetValueEmpty
	default:
		s := fmt.Sprint(v)
		if s == "" {
			return inverted.FacetValueEmpty
		}
		return s
	}
}

func encodeOrderedFloat(f float64) string {
	bits := math.Float64bits(f)
	if f >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return string(buf)
}
