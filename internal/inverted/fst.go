package inverted

import (
	"bytes"
	"fmt"

	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"
)

// WordFST is the finite-state dictionary over every word present in the
// word→docid postings map, rebuilt whole each merge (§4.5 P4: "Word FST:
// rebuilt from the keys present after P4 for its map"). It backs prefix
// lookup (for query-time prefix expansion) and is the structure a
// levenshtein automaton walks for fuzzy/typo matching.
type WordFST struct {
	fst *vellum.FST
	raw []byte
}

// BuildWordFST rebuilds the FST from the given postings map's current key
// set. Vellum requires keys inserted in strictly increasing lexicographic
// order, which Postings.Keys() already guarantees.
func BuildWordFST(words *Postings) (*WordFST, error) {
	keys := words.Keys()

	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("create fst builder: %w", err)
	}

	for i, key := range keys {
		if err := builder.Insert(key, uint64(i)); err != nil {
			return nil, fmt.Errorf("insert fst key %q: %w", key, err)
		}
	}
	if err := builder.Close(); err != nil {
		return nil, fmt.Errorf("close fst builder: %w", err)
	}

	raw := buf.Bytes()
	fst, err := vellum.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load built fst: %w", err)
	}
	return &WordFST{fst: fst, raw: raw}, nil
}

// LoadWordFST loads a previously-built FST from its serialized bytes, as
// handed off to the Storage Environment in P5.
func LoadWordFST(raw []byte) (*WordFST, error) {
	fst, err := vellum.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("load fst: %w", err)
	}
	return &WordFST{fst: fst, raw: raw}, nil
}

// Bytes returns the FST's serialized form for commit handoff.
func (w *WordFST) Bytes() []byte {
	return w.raw
}

// Contains reports whether word is an exact member of the dictionary.
func (w *WordFST) Contains(word string) bool {
	_, exists, err := w.fst.Get([]byte(word))
	return err == nil && exists
}

// PrefixSearch returns every word with the given prefix, in lexicographic
// order, used by the query graph to expand a prefix term node (§4.6.1).
func (w *WordFST) PrefixSearch(prefix string, limit int) ([]string, error) {
	start := []byte(prefix)
	end := prefixUpperBound(start)

	itr, err := w.fst.Iterator(start, end)
	if err == vellum.ErrIteratorDone {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefix iterator: %w", err)
	}

	var results []string
	for err == nil {
		key, _ := itr.Current()
		results = append(results, string(key))
		if limit > 0 && len(results) >= limit {
			break
		}
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, fmt.Errorf("prefix iterator advance: %w", err)
	}
	return results, nil
}

// FuzzySearch returns every dictionary word within editDistance of term,
// counting a transposition of adjacent characters as a single edit
// (Damerau-Levenshtein), the FST walk the query graph's typo nodes resolve
// against (§4.6.1). editDistance greater than 2 is rejected by vellum's
// automaton builder.
func (w *WordFST) FuzzySearch(term string, editDistance uint8) ([]string, error) {
	builder, err := levenshtein.NewLevenshteinAutomatonBuilder(editDistance, true)
	if err != nil {
		return nil, fmt.Errorf("build levenshtein automaton builder: %w", err)
	}
	dfa, err := builder.BuildDfa(term, editDistance)
	if err != nil {
		return nil, fmt.Errorf("build levenshtein dfa for %q: %w", term, err)
	}

	itr, err := w.fst.Search(dfa, nil, nil)
	if err == vellum.ErrIteratorDone {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fuzzy search iterator: %w", err)
	}

	var results []string
	for err == nil {
		key, _ := itr.Current()
		results = append(results, string(key))
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, fmt.Errorf("fuzzy search iterator advance: %w", err)
	}
	return results, nil
}

// prefixUpperBound returns the smallest byte string that is strictly
// greater than every string with the given prefix, for use as an exclusive
// iterator end bound. Returns nil (open-ended) if prefix is all 0xFF bytes.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Close releases the FST's backing resources.
func (w *WordFST) Close() error {
	return w.fst.Close()
}
