package indexing

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/inverted"
)

// MergeResult reports what P4 changed. The pipeline reads DocumentsAdded for
// the task's details; Commit does not consult it and encodes every structure.
type MergeResult struct {
	DocumentsAdded   int
	DocumentsDeleted int
	FailedDocuments  map[uint32][]error // docid -> embedding errors that didn't block the rest of the merge
}

// Merge runs P4: fans extracted postings and generated vectors into the
// index's in-memory structures (set-union for postings, bulk facet
// hierarchy update, vector store patch), then rebuilds the word FST from
// the resulting key set (§4.5 P4).
//
// deleted is applied first, mirroring a replace operation's "clear then
// reinsert" semantics (§4.2 KindDocumentImport, method=Replace).
func Merge(ctx context.Context, ix *Index, staged []*Document, extracted []*extracted, vectors []embeddedVector, deleted *roaring.Bitmap) (*MergeResult, error) {
	result := &MergeResult{FailedDocuments: make(map[uint32][]error)}

	if deleted != nil && !deleted.IsEmpty() {
		if err := ix.DeleteDocuments(ctx, deleted); err != nil {
			return nil, fmt.Errorf("merge: delete documents: %w", err)
		}
		result.DocumentsDeleted = int(deleted.GetCardinality())
	}

	ix.mu.Lock()
	for _, doc := range staged {
		ix.Documents[doc.DocID] = doc
	}
	ix.mu.Unlock()

	changedFacetValues := make(map[uint16]map[string]struct{})

	for _, ex := range extracted {
		docBitmap := roaring.New()
		docBitmap.Add(ex.docID)

		for word := range ex.words {
			ix.Words.Union([]byte(word), docBitmap)
		}
		for word, positions := range ex.wordPositions {
			for _, pos := range positions {
				ix.WordPositions.Union(wordPositionKey(word, pos), docBitmap)
			}
		}
		for key := range ex.proximity {
			ix.Proximity.Union([]byte(key), docBitmap)
		}
		for _, fe := range ex.facets {
			ix.Facets.Union(inverted.FacetKey(fe.fieldID, fe.key), docBitmap)
			if changedFacetValues[fe.fieldID] == nil {
				changedFacetValues[fe.fieldID] = make(map[string]struct{})
			}
			changedFacetValues[fe.fieldID][fe.key] = struct{}{}
		}
		if ex.hasGeo {
			ix.Geo.Set(ex.docID, inverted.GeoPoint{Lat: ex.geoLat, Lon: ex.geoLon})
		}

		result.DocumentsAdded++
	}

	// Bulk facet hierarchy update (§4.5.1): push every changed level-0 value
	// for each touched field, then rebuild (or take the single-node ancestor
	// fast path when exactly one value changed).
	for fieldID, values := range changedFacetValues {
		h := ix.Hierarchy(fieldID, 0, 0)
		var changedList []string
		for value := range values {
			changedList = append(changedList, value)
			h.SetLevel0(value, ix.Facets.Get(inverted.FacetKey(fieldID, value)))
		}
		if len(changedList) == 1 {
			h.RebuildAncestorsOf(changedList)
		} else {
			h.Rebuild()
		}
	}

	// Vector ANN patch (§4.5 P4): group this merge's vectors per embedder and
	// add them in one call per embedder, preserving the user-provided bit.
	byEmbedder := make(map[string][]embeddedVector)
	for _, v := range vectors {
		if v.err != nil {
			result.FailedDocuments[v.docID] = append(result.FailedDocuments[v.docID], v.err)
			continue
		}
		byEmbedder[v.embedder] = append(byEmbedder[v.embedder], v)
	}
	for name, vecs := range byEmbedder {
		dims := len(vecs[0].vector)
		vs, err := ix.VectorStore(name, dims)
		if err != nil {
			return nil, fmt.Errorf("merge: vector store for %q: %w", name, err)
		}
		// User-provided and generated vectors can't mix within one Add call,
		// so split by provenance.
		for _, userProvided := range []bool{true, false} {
			var ids []uint32
			var vals [][]float32
			for _, v := range vecs {
				if v.userProvided != userProvided {
					continue
				}
				ids = append(ids, v.docID)
				vals = append(vals, v.vector)
			}
			if len(ids) == 0 {
				continue
			}
			if err := vs.Add(ctx, ids, vals, userProvided); err != nil {
				return nil, fmt.Errorf("merge: add vectors for %q: %w", name, err)
			}
		}
	}

	if err := ix.RebuildFST(); err != nil {
		return nil, fmt.Errorf("merge: rebuild FST: %w", err)
	}

	return result, nil
}

// wordPositionKey composes the WordPositions postings key: word plus its
// encoded position, so phrase and proximity resolution can look up an exact
// occurrence.
func wordPositionKey(word string, position int) []byte {
	return []byte(fmt.Sprintf("%s\x00%08d", word, position))
}
