// Package indexing implements the Indexing Pipeline (§4.5): for each
// batch, ingest and normalize documents, extract sorted postings streams,
// embed configured vectors, and merge everything into one index's
// in-memory inverted structures, handed off for the scheduler's single
// commit transaction.
package indexing

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/inverted"
)

// MaxPosition bounds the in-field token index folded into a position code,
// per §4.5 P2: "positions are encoded as field-id × MAX_POSITION +
// in-field-index".
const MaxPosition = 1000

// EncodePosition folds a field id and in-field token index into the single
// integer ranking rules key postings by.
func EncodePosition(fieldID uint16, inFieldIndex int) int {
	return int(fieldID)*MaxPosition + inFieldIndex
}

// Document is the canonical staged form of one ingested object (§4.5 P1):
// its fields in insertion order, plus the internal docid it was
// assigned or already held.
type Document struct {
	DocID  uint32
	Fields map[string]any
	// FieldOrder preserves insertion order for determinism (§4.5 "ordering
	// within a document follows insertion order of fields").
	FieldOrder []string
}

// Index holds one index's in-memory inverted structures (§3.3), built and
// patched by the pipeline's merge phase and handed to the scheduler for
// persistence.
type Index struct {
	mu sync.RWMutex

	UID        string
	PrimaryKey string

	// Documents is the canonical staged store, keyed by internal docid
	// (§4.5 P1).
	Documents map[uint32]*Document
	// ExternalIDs maps the user-provided primary key value to its internal
	// docid, the reverse of Documents' lookup direction.
	ExternalIDs map[string]uint32
	nextDocID   uint32

	// Words is the "word -> docid" postings map, keyed by the plain word;
	// per-position, proximity and facet entries live in WordPositions,
	// Proximity and Facets.
	Words *inverted.Postings
	// WordPositions maps a composite "word\x00position" key to the docids
	// that hold that word at that exact encoded position, refining Words
	// for phrase and proximity resolution.
	WordPositions *inverted.Postings
	// Proximity maps inverted.ProximityKey(wordA, wordB, proximity) ->
	// docids for which that pair occurs at that positional distance.
	Proximity *inverted.Postings
	// Facets maps inverted.FacetKey(fieldID, value) -> docids, one
	// Postings-keyed entry per facet axis value; Hierarchies holds the
	// bulk-updatable level structure per field (§4.5.1).
	Facets      *inverted.Postings
	Hierarchies map[uint16]*inverted.FacetHierarchy

	// FST is rebuilt from Words' keys at the end of every merge (§4.5 P4).
	FST *inverted.WordFST

	// Geo indexes the reserved geo-point field, when present and valid.
	Geo *inverted.GeoIndex

	// Vectors holds one ANN store per configured embedder name.
	Vectors map[string]*inverted.HNSWVectorStore

	// FieldIDs assigns a stable numeric id to each observed field name, the
	// same mapping P2's extract streams and facet/attribute postings key
	// off of.
	FieldIDs   map[string]uint16
	nextFieldID uint16
}

// NewIndex creates an empty Index ready for its first batch.
func NewIndex(uid, primaryKey string) *Index {
	return &Index{
		UID:         uid,
		PrimaryKey:  primaryKey,
		Documents:   make(map[uint32]*Document),
		ExternalIDs: make(map[string]uint32),
		Words:       inverted.NewPostings(),
		WordPositions: inverted.NewPostings(),
		Proximity:   inverted.NewPostings(),
		Facets:      inverted.NewPostings(),
		Hierarchies: make(map[uint16]*inverted.FacetHierarchy),
		Geo:         inverted.NewGeoIndex(),
		Vectors:     make(map[string]*inverted.HNSWVectorStore),
		FieldIDs:    make(map[string]uint16),
	}
}

// FieldID returns the stable numeric id for a field name, assigning a new
// one if this is the first time the field has been observed.
func (ix *Index) FieldID(name string) uint16 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if id, ok := ix.FieldIDs[name]; ok {
		return id
	}
	id := ix.nextFieldID
	ix.nextFieldID++
	ix.FieldIDs[name] = id
	return id
}

// ResolveDocID looks up or assigns the internal docid for an external
// primary-key value (§4.5 P1: "resolve primary key; assign/lookup internal
// docids").
func (ix *Index) ResolveDocID(externalID string) uint32 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if id, ok := ix.ExternalIDs[externalID]; ok {
		return id
	}
	id := ix.nextDocID
	ix.nextDocID++
	ix.ExternalIDs[externalID] = id
	return id
}

// Hierarchy returns (creating if absent) the facet hierarchy for a field.
func (ix *Index) Hierarchy(fieldID uint16, groupSize, minLevelSize int) *inverted.FacetHierarchy {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	h, ok := ix.Hierarchies[fieldID]
	if !ok {
		h = inverted.NewFacetHierarchy(groupSize, minLevelSize)
		ix.Hierarchies[fieldID] = h
	}
	return h
}

// VectorStore returns (creating if absent) the ANN store for an embedder.
func (ix *Index) VectorStore(embedder string, dimensions int) (*inverted.HNSWVectorStore, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if vs, ok := ix.Vectors[embedder]; ok {
		return vs, nil
	}
	vs, err := inverted.NewHNSWVectorStore(inverted.DefaultVectorStoreConfig(dimensions))
	if err != nil {
		return nil, err
	}
	ix.Vectors[embedder] = vs
	return vs, nil
}

// DeleteDocuments removes docs from every postings/facet/geo/vector
// structure, the set-difference pass §4.5 P4 describes for document
// deletion.
func (ix *Index) DeleteDocuments(ctx context.Context, docIDs *roaring.Bitmap) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.Words.RemoveDocuments(docIDs)
	ix.WordPositions.RemoveDocuments(docIDs)
	ix.Proximity.RemoveDocuments(docIDs)
	ix.Facets.RemoveDocuments(docIDs)
	for _, h := range ix.Hierarchies {
		h.RemoveDocuments(docIDs)
	}

	it := docIDs.Iterator()
	ids := make([]uint32, 0, docIDs.GetCardinality())
	for it.HasNext() {
		id := it.Next()
		ids = append(ids, id)
		ix.Geo.Remove(id)
		delete(ix.Documents, id)
	}
	for ext, id := range ix.ExternalIDs {
		if docIDs.Contains(id) {
			delete(ix.ExternalIDs, ext)
		}
	}
	for _, vs := range ix.Vectors {
		if err := vs.Delete(ctx, ids); err != nil {
			return err
		}
	}
	return nil
}

// RebuildFST rebuilds the word FST from Words' current key set (§4.5 P4:
// "Word FST: rebuilt from the keys present after P4 for its map").
func (ix *Index) RebuildFST() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	fst, err := inverted.BuildWordFST(ix.Words)
	if err != nil {
		return err
	}
	ix.FST = fst
	return nil
}
