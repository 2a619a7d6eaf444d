package inverted

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Postings is an in-memory, bolt-backed map from an opaque byte key to a
// docid bitmap — the shape every sorted stream in P2/P4 merges into:
// word→docid, word-pair-proximity→docid, facet (field-id,value)→docid.
//
// Merge policy (§4.5 P4): additions set-union the incoming bitmap into the
// existing one; document deletion runs as a set-difference pass across
// every postings map referencing the removed docids.
type Postings struct {
	mu   sync.RWMutex
	data map[string]*roaring.Bitmap
}

// NewPostings creates an empty postings map.
func NewPostings() *Postings {
	return &Postings{data: make(map[string]*roaring.Bitmap)}
}

// Union merges docIDs into the bitmap for key (set-union, per P4).
func (p *Postings) Union(key []byte, docIDs *roaring.Bitmap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := string(key)
	existing, ok := p.data[k]
	if !ok {
		existing = roaring.New()
		p.data[k] = existing
	}
	existing.Or(docIDs)
}

// Add is a convenience wrapper around Union for a single docid.
func (p *Postings) Add(key []byte, docID uint32) {
	b := roaring.New()
	b.Add(docID)
	p.Union(key, b)
}

// Get returns the bitmap for key, or nil if absent. The returned bitmap must
// not be mutated by the caller.
func (p *Postings) Get(key []byte) *roaring.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data[string(key)]
}

// RemoveDocuments runs the set-difference pass for a document-deletion
// batch: every key's bitmap has removed subtracted, and keys left empty are
// dropped entirely so the FST rebuild (P4) doesn't carry dead entries.
func (p *Postings) RemoveDocuments(removed *roaring.Bitmap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, b := range p.data {
		b.AndNot(removed)
		if b.IsEmpty() {
			delete(p.data, k)
		}
	}
}

// Keys returns every key currently present, in lexicographic order — the
// input the word FST rebuild (P4) consumes.
func (p *Postings) Keys() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([][]byte, 0, len(p.data))
	for k := range p.data {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

// Len returns the number of distinct keys.
func (p *Postings) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}

type postingsSnapshot struct {
	Keys   [][]byte
	Values [][]byte
}

// Encode serializes the postings map for commit handoff into the Storage
// Environment (§4.5 P5).
func (p *Postings) Encode() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := postingsSnapshot{}
	for k, b := range p.data {
		encoded, err := b.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("encode postings bitmap for key %q: %w", k, err)
		}
		snap.Keys = append(snap.Keys, []byte(k))
		snap.Values = append(snap.Values, encoded)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode postings snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePostings loads a postings map previously produced by Encode.
func DecodePostings(data []byte) (*Postings, error) {
	var snap postingsSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode postings snapshot: %w", err)
	}
	p := NewPostings()
	for i, k := range snap.Keys {
		b := roaring.New()
		if err := b.UnmarshalBinary(snap.Values[i]); err != nil {
			return nil, fmt.Errorf("decode postings bitmap for key %q: %w", k, err)
		}
		p.data[string(k)] = b
	}
	return p, nil
}

// ProximityKey encodes a (wordA, wordB, proximity) postings key, for the
// word-pair-proximity stream with proximity in 1..=7 (§4.5 P2).
func ProximityKey(wordA, wordB string, proximity int) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%02d", wordA, wordB, proximity))
}

// FacetKey encodes a (field-id, value) postings key for the faceted
// string/number/null/empty/exists axes (§4.5 P2).
func FacetKey(fieldID uint16, value string) []byte {
	return []byte(fmt.Sprintf("%05d\x00%s", fieldID, value))
}

const (
	// FacetValueEmpty marks a field present with an empty value.
	FacetValueEmpty = "\x01empty"
	// FacetValueNotExists marks a field missing from the document entirely.
	FacetValueNotExists = "\x01not-exists"
)
