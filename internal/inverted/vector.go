package inverted

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// VectorStoreConfig configures a per-embedder vector store.
type VectorStoreConfig struct {
	Dimensions int
	Metric     string // "cos" or "l2"
	M          int
	EfSearch   int
}

// DefaultVectorStoreConfig returns sane defaults for a freshly configured embedder.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch is returned when a vector's length doesn't match the
// store's configured dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// VectorResult is one nearest-neighbor hit.
type VectorResult struct {
	DocID    uint32
	Distance float32
	Score    float32
}

// VectorStore is the per-embedder approximate-nearest-neighbor index described
// in §3.3: addressed by internal document-id, one instance per configured
// embedder.
type VectorStore interface {
	Add(ctx context.Context, docIDs []uint32, vectors [][]float32, userProvided bool) error
	Search(ctx context.Context, query []float32, k int) ([]VectorResult, error)
	Delete(ctx context.Context, docIDs []uint32) error
	IsUserProvided(docID uint32) bool
	Count() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// HNSWVectorStore implements VectorStore using coder/hnsw, a pure Go HNSW
// implementation, avoiding a CGO-backed ANN library.
type HNSWVectorStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	docToKey map[uint32]uint64
	keyToDoc map[uint64]uint32
	userSet  map[uint32]bool
	nextKey  uint64

	closed bool
}

type hnswMetadata struct {
	DocToKey map[uint32]uint64
	UserSet  map[uint32]bool
	NextKey  uint64
	Config   VectorStoreConfig
}

// NewHNSWVectorStore creates a new HNSW-based vector store for one embedder.
func NewHNSWVectorStore(cfg VectorStoreConfig) (*HNSWVectorStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "cos":
		graph.Distance = hnsw.CosineDistance
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWVectorStore{
		graph:    graph,
		config:   cfg,
		docToKey: make(map[uint32]uint64),
		keyToDoc: make(map[uint64]uint32),
		userSet:  make(map[uint32]bool),
	}, nil
}

// Add inserts or replaces vectors for the given document ids. userProvided
// marks whether the caller supplied the vector directly (vs. the embedder
// generating it from a prompt), per §4.5 P4's "user-provided" bitmap.
func (s *HNSWVectorStore) Add(ctx context.Context, docIDs []uint32, vectors [][]float32, userProvided bool) error {
	if len(docIDs) == 0 {
		return nil
	}
	if len(docIDs) != len(vectors) {
		return fmt.Errorf("docIDs and vectors length mismatch: %d vs %d", len(docIDs), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, docID := range docIDs {
		if existingKey, exists := s.docToKey[docID]; exists {
			// Lazy deletion: coder/hnsw cannot safely delete the last node in
			// the graph, so orphan the old key instead of calling Delete.
			delete(s.keyToDoc, existingKey)
			delete(s.docToKey, docID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.config.Metric == "cos" {
			normalizeVectorInPlace(vec)
		}

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.docToKey[docID] = key
		s.keyToDoc[key] = docID
		if userProvided {
			s.userSet[docID] = true
		} else {
			delete(s.userSet, docID)
		}
	}

	return nil
}

// Search finds the k nearest neighbors to query.
func (s *HNSWVectorStore) Search(ctx context.Context, query []float32, k int) ([]VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	if s.config.Metric == "cos" {
		normalizeVectorInPlace(normalized)
	}

	nodes := s.graph.Search(normalized, k)
	results := make([]VectorResult, 0, len(nodes))
	for _, node := range nodes {
		docID, exists := s.keyToDoc[node.Key]
		if !exists {
			continue // orphaned (lazily deleted) node
		}
		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, VectorResult{
			DocID:    docID,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
	}
	return results, nil
}

// Delete removes vectors for the given document ids (lazy deletion).
func (s *HNSWVectorStore) Delete(ctx context.Context, docIDs []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}
	for _, docID := range docIDs {
		if key, exists := s.docToKey[docID]; exists {
			delete(s.keyToDoc, key)
			delete(s.docToKey, docID)
		}
		delete(s.userSet, docID)
	}
	return nil
}

// IsUserProvided reports whether docID's vector was supplied by the caller
// rather than generated by the embedder.
func (s *HNSWVectorStore) IsUserProvided(docID uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userSet[docID]
}

// Count returns the number of live vectors.
func (s *HNSWVectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return len(s.docToKey)
}

// Stats reports the graph's live/orphan node split, used to decide when a
// compaction rebuild is worthwhile.
type Stats struct {
	ValidDocs  int
	GraphNodes int
	Orphans    int
}

func (s *HNSWVectorStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}
	}
	valid := len(s.docToKey)
	total := s.graph.Len()
	return Stats{ValidDocs: valid, GraphNodes: total, Orphans: total - valid}
}

// Save persists the index to disk using an atomic temp-file-then-rename.
func (s *HNSWVectorStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWVectorStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := hnswMetadata{
		DocToKey: s.docToKey,
		UserSet:  s.userSet,
		NextKey:  s.nextKey,
		Config:   s.config,
	}

	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp metadata file", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load loads the index from disk.
func (s *HNSWVectorStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	if err := s.graph.Import(reader); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (s *HNSWVectorStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	s.docToKey = meta.DocToKey
	s.userSet = meta.UserSet
	s.keyToDoc = make(map[uint64]uint32, len(s.docToKey))
	s.nextKey = meta.NextKey
	s.config = meta.Config
	for docID, key := range s.docToKey {
		s.keyToDoc[key] = docID
	}
	return nil
}

// Close releases resources held by the store.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

var _ VectorStore = (*HNSWVectorStore)(nil)

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "cos":
		return 1.0 - distance/2.0
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		return 1.0 - distance/2.0
	}
}
