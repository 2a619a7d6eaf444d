package search

import "github.com/RoaringBitmap/roaring/v2"

// FilterOp enumerates the field operators a filter expression may use
// (§4.6.6).
type FilterOp int

const (
	OpEq FilterOp = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpTo // inclusive range: value BETWEEN lo AND hi
	OpExists
	OpNotExists
	OpIsNull
	OpIsEmpty
	OpContains
	OpStartsWith
	OpGeoRadius
	OpGeoBoundingBox
)

// FilterIndex resolves one field operator into its matching docid bitmap,
// backed by the facet indexes built during indexing (§4.5 P2/P4) and the
// geo index (internal/inverted.GeoIndex).
type FilterIndex interface {
	Eq(field, value string) *roaring.Bitmap
	Range(field string, lo, hi string) *roaring.Bitmap // OpTo, and the bound side of Lt/Lte/Gt/Gte
	Exists(field string) *roaring.Bitmap
	IsNull(field string) *roaring.Bitmap
	IsEmpty(field string) *roaring.Bitmap
	Contains(field, substr string) *roaring.Bitmap
	StartsWith(field, prefix string) *roaring.Bitmap
	GeoRadius(lat, lon, radiusKm float64) *roaring.Bitmap
	GeoBoundingBox(minLon, minLat, maxLon, maxLat float64) *roaring.Bitmap
	// AllDocuments is the universe complement used by negation (¬x = all
	// \ x) since facet indexes only record presence, not absence.
	AllDocuments() *roaring.Bitmap
}

// Filter is a boolean expression over field operators, compiled into a
// bitmap against a FilterIndex and intersected with the universe before
// ranking begins (§4.6.6).
type Filter interface {
	Eval(idx FilterIndex) *roaring.Bitmap
}

// Condition is a single field-operator leaf.
type Condition struct {
	Field  string
	Op     FilterOp
	Value  string
	Values []string // for OpIn/OpNotIn
	Lo, Hi string    // for OpTo
	Lat, Lon, Radius, MinLon, MinLat, MaxLon, MaxLat float64
}

func (c Condition) Eval(idx FilterIndex) *roaring.Bitmap {
	switch c.Op {
	case OpEq:
		return idx.Eq(c.Field, c.Value)
	case OpNeq:
		return roaring.AndNot(idx.AllDocuments(), idx.Eq(c.Field, c.Value))
	case OpLt:
		return roaring.AndNot(idx.Range(c.Field, "", c.Value), idx.Eq(c.Field, c.Value))
	case OpLte:
		return idx.Range(c.Field, "", c.Value+"\xff")
	case OpGt:
		return idx.Range(c.Field, c.Value+"\xff", "")
	case OpGte:
		return idx.Range(c.Field, c.Value, "")
	case OpIn:
		out := roaring.New()
		for _, v := range c.Values {
			out.Or(idx.Eq(c.Field, v))
		}
		return out
	case OpNotIn:
		in := roaring.New()
		for _, v := range c.Values {
			in.Or(idx.Eq(c.Field, v))
		}
		return roaring.AndNot(idx.AllDocuments(), in)
	case OpTo:
		return idx.Range(c.Field, c.Lo, c.Hi)
	case OpExists:
		return idx.Exists(c.Field)
	case OpNotExists:
		return roaring.AndNot(idx.AllDocuments(), idx.Exists(c.Field))
	case OpIsNull:
		return idx.IsNull(c.Field)
	case OpIsEmpty:
		return idx.IsEmpty(c.Field)
	case OpContains:
		return idx.Contains(c.Field, c.Value)
	case OpStartsWith:
		return idx.StartsWith(c.Field, c.Value)
	case OpGeoRadius:
		return idx.GeoRadius(c.Lat, c.Lon, c.Radius)
	case OpGeoBoundingBox:
		return idx.GeoBoundingBox(c.MinLon, c.MinLat, c.MaxLon, c.MaxLat)
	default:
		return roaring.New()
	}
}

// And combines filters by intersection.
type And []Filter

func (a And) Eval(idx FilterIndex) *roaring.Bitmap {
	if len(a) == 0 {
		return idx.AllDocuments()
	}
	out := a[0].Eval(idx).Clone()
	for _, f := range a[1:] {
		out.And(f.Eval(idx))
	}
	return out
}

// Or combines filters by union.
type Or []Filter

func (o Or) Eval(idx FilterIndex) *roaring.Bitmap {
	out := roaring.New()
	for _, f := range o {
		out.Or(f.Eval(idx))
	}
	return out
}

// Not negates a filter against the full document set.
type Not struct{ Filter Filter }

func (n Not) Eval(idx FilterIndex) *roaring.Bitmap {
	return roaring.AndNot(idx.AllDocuments(), n.Filter.Eval(idx))
}

// ApplyFilter intersects universe with the filter's compiled bitmap,
// per §4.6.6's "intersected with the universe before ranking begins".
func ApplyFilter(universe *roaring.Bitmap, f Filter, idx FilterIndex) *roaring.Bitmap {
	if f == nil {
		return universe
	}
	return roaring.And(universe, f.Eval(idx))
}

// DistinctIndex resolves a document's value for the configured distinct
// field (§4.6.6).
type DistinctIndex interface {
	Value(docID uint32, field string) (string, bool)
}

// ApplyDistinct walks ordered (already ranked, most-preferred first) and
// keeps only the first document seen for each distinct value, dropping
// later duplicates from future buckets — "when two candidates share the
// same value for that field, keep the one preferred by the composed
// ranking rules; reject the rest" (§4.6.6).
func ApplyDistinct(ordered []uint32, field string, idx DistinctIndex) []uint32 {
	if field == "" {
		return ordered
	}
	seen := make(map[string]bool)
	out := make([]uint32, 0, len(ordered))
	for _, id := range ordered {
		value, ok := idx.Value(id, field)
		if !ok {
			out = append(out, id)
			continue
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, id)
	}
	return out
}
