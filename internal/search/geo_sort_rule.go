package search

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/inverted"
)

// GeoSortRule queries the geo index in nearest-first order around the
// search request's reference point (§4.6.6: "evaluated by querying the
// rtree-like geo index in nearest-first order around the query point").
type GeoSortRule struct {
	geo *inverted.GeoIndex
	lat float64
	lon float64

	order []uint32
	pos   int
	total int
}

// NewGeoSortRule creates the "geo-sort" ranking rule around (lat, lon).
func NewGeoSortRule(geo *inverted.GeoIndex, lat, lon float64) *GeoSortRule {
	return &GeoSortRule{geo: geo, lat: lat, lon: lon}
}

func (r *GeoSortRule) Name() RuleName { return RuleGeoSort }

func (r *GeoSortRule) StartIteration(universe *roaring.Bitmap, graph *Graph) error {
	r.order = r.geo.SortByDistance(universe.ToArray(), r.lat, r.lon)
	r.pos = 0
	r.total = len(r.order)
	return nil
}

func (r *GeoSortRule) NextBucket(universe *roaring.Bitmap) (Bucket, bool, error) {
	if r.pos >= len(r.order) {
		return Bucket{}, false, nil
	}
	id := r.order[r.pos]
	r.pos++
	bitmap := roaring.New()
	bitmap.Add(id)
	score := 1.0
	if r.total > 0 {
		score = 1 - float64(r.pos-1)/float64(r.total)
	}
	return Bucket{Candidates: bitmap, Score: score}, true, nil
}

func (r *GeoSortRule) EndIteration() {
	r.order = nil
	r.pos = 0
}
