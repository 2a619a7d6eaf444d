package indexing

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/amanmcp/gokko/internal/inverted"
	"github.com/amanmcp/gokko/internal/store"
)

// Bucket names for an index environment's P5 commit handoff (§4.5 P5):
// one write transaction writes every chunk P4 produced.
const (
	bucketWords         = "words"
	bucketWordPositions = "word-positions"
	bucketProximity     = "proximity"
	bucketFacets        = "facets"
	bucketHierarchies   = "facet-hierarchies"
	bucketDocuments     = "documents"
	bucketExternalIDs   = "external-ids"
	bucketMeta          = "index-meta"
)

var (
	metaKeyFST         = []byte("fst")
	metaKeyGeo         = []byte("geo")
	metaKeyFieldIDs    = []byte("field-ids")
	metaKeyNextDocID   = []byte("next-doc-id")
	metaKeyNextFieldID = []byte("next-field-id")
)

const postingsDataKey = "data"

func init() {
	// Document field values decode from JSON into these concrete types
	// (normalizeJSONValue in ingest.go); gob requires each concrete type
	// assigned to an interface{} field to be registered up front.
	gob.Register("")
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// vectorsDir returns the directory HNSW stores for env live in, a sibling
// of the environment's bolt file rather than a bucket, since
// HNSWVectorStore persists itself via Save/Load against a filesystem path.
func vectorsDir(env *store.Env) string {
	return filepath.Join(filepath.Dir(env.Path()), "vectors")
}

// Commit persists ix's in-memory inverted structures into env in one write
// transaction (§4.5 P5: "expose a set of opaque chunks the scheduler will
// write into the index environment inside its single write transaction").
// Vector stores are handed off separately since they persist to their own
// files rather than through the environment's key-value buckets.
func (ix *Index) Commit(env *store.Env, logger interface{ Warn(string, ...any) }) error {
	ix.mu.RLock()
	wordsData, err := ix.Words.Encode()
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode words: %w", err)
	}
	positionsData, err := ix.WordPositions.Encode()
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode word positions: %w", err)
	}
	proximityData, err := ix.Proximity.Encode()
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode proximity: %w", err)
	}
	facetsData, err := ix.Facets.Encode()
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode facets: %w", err)
	}
	hierarchies := make(map[uint16][]byte, len(ix.Hierarchies))
	for fieldID, h := range ix.Hierarchies {
		data, err := h.Encode()
		if err != nil {
			ix.mu.RUnlock()
			return fmt.Errorf("encode facet hierarchy %d: %w", fieldID, err)
		}
		hierarchies[fieldID] = data
	}
	var fstData []byte
	if ix.FST != nil {
		fstData = ix.FST.Bytes()
	}
	geoData, err := ix.Geo.Encode()
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode geo index: %w", err)
	}
	fieldIDsData, err := gobEncode(ix.FieldIDs)
	if err != nil {
		ix.mu.RUnlock()
		return fmt.Errorf("encode field ids: %w", err)
	}
	documents := make(map[uint32][]byte, len(ix.Documents))
	for docID, doc := range ix.Documents {
		data, err := gobEncode(documentSnapshot{Fields: doc.Fields, FieldOrder: doc.FieldOrder})
		if err != nil {
			ix.mu.RUnlock()
			return fmt.Errorf("encode document %d: %w", docID, err)
		}
		documents[docID] = data
	}
	externalIDs := make(map[string]uint32, len(ix.ExternalIDs))
	for ext, id := range ix.ExternalIDs {
		externalIDs[ext] = id
	}
	nextDocID := ix.nextDocID
	nextFieldID := ix.nextFieldID
	vectors := make(map[string]*inverted.HNSWVectorStore, len(ix.Vectors))
	for name, vs := range ix.Vectors {
		vectors[name] = vs
	}
	ix.mu.RUnlock()

	txn, err := env.BeginWrite()
	if err != nil {
		return fmt.Errorf("begin commit transaction: %w", err)
	}

	if err := putSingle(txn, bucketWords, wordsData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := putSingle(txn, bucketWordPositions, positionsData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := putSingle(txn, bucketProximity, proximityData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := putSingle(txn, bucketFacets, facetsData); err != nil {
		_ = txn.Rollback()
		return err
	}

	hierarchyBucket, err := txn.Bucket(bucketHierarchies)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	for fieldID, data := range hierarchies {
		if err := txn.Put(hierarchyBucket, fieldIDKey(fieldID), data); err != nil {
			_ = txn.Rollback()
			return err
		}
	}

	metaBucket, err := txn.Bucket(bucketMeta)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(metaBucket, metaKeyFST, fstData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(metaBucket, metaKeyGeo, geoData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(metaBucket, metaKeyFieldIDs, fieldIDsData); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(metaBucket, metaKeyNextDocID, uint32Bytes(nextDocID)); err != nil {
		_ = txn.Rollback()
		return err
	}
	if err := txn.Put(metaBucket, metaKeyNextFieldID, uint16Bytes(nextFieldID)); err != nil {
		_ = txn.Rollback()
		return err
	}

	docBucket, err := txn.Bucket(bucketDocuments)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	for docID, data := range documents {
		if err := txn.Put(docBucket, uint32Bytes(docID), data); err != nil {
			_ = txn.Rollback()
			return err
		}
	}

	extBucket, err := txn.Bucket(bucketExternalIDs)
	if err != nil {
		_ = txn.Rollback()
		return err
	}
	for ext, docID := range externalIDs {
		if err := txn.Put(extBucket, []byte(ext), uint32Bytes(docID)); err != nil {
			_ = txn.Rollback()
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit index environment: %w", err)
	}

	dir := vectorsDir(env)
	for name, vs := range vectors {
		if err := vs.Save(filepath.Join(dir, name+".hnsw")); err != nil {
			logger.Warn("failed to persist vector store", "embedder", name, "error", err.Error())
		}
	}
	return nil
}

// LoadIndex reconstructs an Index from a previously committed environment,
// or returns an empty Index if env has no committed state yet (a freshly
// created index).
func LoadIndex(uid, primaryKey string, env *store.Env, embedders map[string]int) (*Index, error) {
	ix := NewIndex(uid, primaryKey)

	snap, err := env.BeginRead()
	if err != nil {
		return nil, fmt.Errorf("begin load snapshot: %w", err)
	}
	defer func() { _ = snap.Rollback() }()

	wordsData := getSingle(snap, bucketWords)
	if wordsData == nil {
		return ix, nil // nothing committed yet
	}

	if words, err := inverted.DecodePostings(wordsData); err == nil {
		ix.Words = words
	} else {
		return nil, fmt.Errorf("decode words: %w", err)
	}
	if data := getSingle(snap, bucketWordPositions); data != nil {
		if p, err := inverted.DecodePostings(data); err == nil {
			ix.WordPositions = p
		} else {
			return nil, fmt.Errorf("decode word positions: %w", err)
		}
	}
	if data := getSingle(snap, bucketProximity); data != nil {
		if p, err := inverted.DecodePostings(data); err == nil {
			ix.Proximity = p
		} else {
			return nil, fmt.Errorf("decode proximity: %w", err)
		}
	}
	if data := getSingle(snap, bucketFacets); data != nil {
		if p, err := inverted.DecodePostings(data); err == nil {
			ix.Facets = p
		} else {
			return nil, fmt.Errorf("decode facets: %w", err)
		}
	}

	if b := snap.Bucket(bucketHierarchies); b != nil {
		if err := b.ForEach(func(k, v []byte) error {
			fieldID := binary.BigEndian.Uint16(k)
			h, err := inverted.LoadFacetHierarchy(v)
			if err != nil {
				return fmt.Errorf("decode facet hierarchy %d: %w", fieldID, err)
			}
			ix.Hierarchies[fieldID] = h
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if b := snap.Bucket(bucketMeta); b != nil {
		if data := b.Get(metaKeyFST); len(data) > 0 {
			if fst, err := inverted.LoadWordFST(data); err == nil {
				ix.FST = fst
			} else {
				return nil, fmt.Errorf("decode fst: %w", err)
			}
		}
		if data := b.Get(metaKeyGeo); data != nil {
			if geo, err := inverted.LoadGeoIndex(data); err == nil {
				ix.Geo = geo
			} else {
				return nil, fmt.Errorf("decode geo index: %w", err)
			}
		}
		if data := b.Get(metaKeyFieldIDs); data != nil {
			var fieldIDs map[string]uint16
			if err := gobDecode(data, &fieldIDs); err != nil {
				return nil, fmt.Errorf("decode field ids: %w", err)
			}
			ix.FieldIDs = fieldIDs
			for _, id := range fieldIDs {
				if id >= ix.nextFieldID {
					ix.nextFieldID = id + 1
				}
			}
		}
		if data := b.Get(metaKeyNextDocID); len(data) == 4 {
			ix.nextDocID = binary.BigEndian.Uint32(data)
		}
		if data := b.Get(metaKeyNextFieldID); len(data) == 2 {
			ix.nextFieldID = binary.BigEndian.Uint16(data)
		}
	}

	if b := snap.Bucket(bucketDocuments); b != nil {
		if err := b.ForEach(func(k, v []byte) error {
			docID := binary.BigEndian.Uint32(k)
			var doc documentSnapshot
			if err := gobDecode(v, &doc); err != nil {
				return fmt.Errorf("decode document %d: %w", docID, err)
			}
			ix.Documents[docID] = &Document{DocID: docID, Fields: doc.Fields, FieldOrder: doc.FieldOrder}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if b := snap.Bucket(bucketExternalIDs); b != nil {
		if err := b.ForEach(func(k, v []byte) error {
			if len(v) != 4 {
				return nil
			}
			ix.ExternalIDs[string(k)] = binary.BigEndian.Uint32(v)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	dir := vectorsDir(env)
	for name, dims := range embedders {
		vs, err := inverted.NewHNSWVectorStore(inverted.DefaultVectorStoreConfig(dims))
		if err != nil {
			return nil, fmt.Errorf("create vector store for %q: %w", name, err)
		}
		if err := vs.Load(filepath.Join(dir, name+".hnsw")); err == nil {
			ix.Vectors[name] = vs
		}
	}

	return ix, nil
}

// documentSnapshot is the gob-encodable form of Document, persisted per
// docid (§4.5 P1's staging store survives restarts so retrieval and
// replace-by-id keep working after a crash/recovery).
type documentSnapshot struct {
	Fields     map[string]any
	FieldOrder []string
}

func putSingle(txn *store.WriteTxn, bucketName string, data []byte) error {
	b, err := txn.Bucket(bucketName)
	if err != nil {
		return err
	}
	return txn.Put(b, []byte(postingsDataKey), data)
}

func getSingle(snap *store.ReadSnapshot, bucketName string) []byte {
	b := snap.Bucket(bucketName)
	if b == nil {
		return nil
	}
	return b.Get([]byte(postingsDataKey))
}

func fieldIDKey(id uint16) []byte {
	return uint16Bytes(id)
}

func uint32Bytes(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func uint16Bytes(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
