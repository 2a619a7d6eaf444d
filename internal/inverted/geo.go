package inverted

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/geo"
)

// GeoPoint is a document's reserved geo field value (§4.5 P2).
type GeoPoint struct {
	Lat float64
	Lon float64
}

type geoEntry struct {
	morton uint64
	docID  uint32
	point  GeoPoint
}

// GeoIndex maps docid → geo point for documents with a valid reserved geo
// field (§4.5 P2 "geo point → docid"), supporting geo-radius and
// geo-bounding-box filters plus geo-sort (§4.6.6). Entries are kept in
// Morton (Z-order) code order, but queries scan every entry with a
// bounding-box check; radius queries add an exact Haversine check.
type GeoIndex struct {
	mu      sync.RWMutex
	byDoc   map[uint32]GeoPoint
	entries []geoEntry // kept sorted by morton code
	dirty   bool
}

// NewGeoIndex creates an empty geo index.
func NewGeoIndex() *GeoIndex {
	return &GeoIndex{byDoc: make(map[uint32]GeoPoint)}
}

// Set records docID's geo point, replacing any existing value.
func (g *GeoIndex) Set(docID uint32, p GeoPoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byDoc[docID] = p
	g.dirty = true
}

// Remove deletes docID's geo point, if any (document-deletion pass, §4.5 P4).
func (g *GeoIndex) Remove(docID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byDoc[docID]; ok {
		delete(g.byDoc, docID)
		g.dirty = true
	}
}

// Get returns docID's geo point and whether it has one.
func (g *GeoIndex) Get(docID uint32) (GeoPoint, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.byDoc[docID]
	return p, ok
}

func (g *GeoIndex) rebuildLocked() {
	if !g.dirty {
		return
	}
	entries := make([]geoEntry, 0, len(g.byDoc))
	for docID, p := range g.byDoc {
		entries = append(entries, geoEntry{
			morton: geo.MortonHash(p.Lon, p.Lat),
			docID:  docID,
			point:  p,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].morton < entries[j].morton })
	g.entries = entries
	g.dirty = false
}

// WithinRadius returns every docid whose geo point lies within distance
// radiusKm of (lat, lon), checking every entry against the radius's
// bounding box and then with an exact Haversine check.
func (g *GeoIndex) WithinRadius(lat, lon, radiusKm float64) []uint32 {
	g.mu.Lock()
	g.rebuildLocked()
	entries := g.entries
	g.mu.Unlock()

	minLon, minLat, maxLon, maxLat, err := geo.RectFromPointDistance(lon, lat, radiusKm)
	if err != nil {
		return nil
	}

	var matches []uint32
	for _, e := range entries {
		if !geo.BoundingBoxContains(e.point.Lon, e.point.Lat, minLon, minLat, maxLon, maxLat) {
			continue
		}
		if geo.Haversin(lon, lat, e.point.Lon, e.point.Lat) <= radiusKm {
			matches = append(matches, e.docID)
		}
	}
	return matches
}

// WithinBoundingBox returns every docid whose geo point lies within the
// given rectangle.
func (g *GeoIndex) WithinBoundingBox(minLon, minLat, maxLon, maxLat float64) []uint32 {
	g.mu.Lock()
	g.rebuildLocked()
	entries := g.entries
	g.mu.Unlock()

	var matches []uint32
	for _, e := range entries {
		if geo.BoundingBoxContains(e.point.Lon, e.point.Lat, minLon, minLat, maxLon, maxLat) {
			matches = append(matches, e.docID)
		}
	}
	return matches
}

// SortByDistance orders docIDs by ascending distance from (lat, lon), for
// geo-sort (§4.6.6). Documents without a geo point sort last.
func (g *GeoIndex) SortByDistance(docIDs []uint32, lat, lon float64) []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type scored struct {
		docID    uint32
		distance float64
		hasGeo   bool
	}
	scoredDocs := make([]scored, len(docIDs))
	for i, id := range docIDs {
		p, ok := g.byDoc[id]
		if !ok {
			scoredDocs[i] = scored{docID: id, hasGeo: false}
			continue
		}
		scoredDocs[i] = scored{
			docID:    id,
			distance: geo.Haversin(lon, lat, p.Lon, p.Lat),
			hasGeo:   true,
		}
	}
	sort.SliceStable(scoredDocs, func(i, j int) bool {
		if scoredDocs[i].hasGeo != scoredDocs[j].hasGeo {
			return scoredDocs[i].hasGeo
		}
		return scoredDocs[i].distance < scoredDocs[j].distance
	})

	out := make([]uint32, len(scoredDocs))
	for i, s := range scoredDocs {
		out[i] = s.docID
	}
	return out
}

// Len returns the number of documents carrying a geo point.
func (g *GeoIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byDoc)
}

// Encode serializes the geo index's docid -> point map for commit handoff
// into the Storage Environment (§4.5 P5). The Morton-ordered entries slice
// is derived state, rebuilt lazily on first query after Load.
func (g *GeoIndex) Encode() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g.byDoc); err != nil {
		return nil, fmt.Errorf("encode geo index: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadGeoIndex loads a geo index previously produced by Encode.
func LoadGeoIndex(data []byte) (*GeoIndex, error) {
	byDoc := make(map[uint32]GeoPoint)
	if len(data) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&byDoc); err != nil {
			return nil, fmt.Errorf("decode geo index: %w", err)
		}
	}
	return &GeoIndex{byDoc: byDoc, dirty: true}, nil
}
