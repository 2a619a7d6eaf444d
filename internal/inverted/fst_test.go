package inverted

import (
	"testing"
)

func buildTestWordFST(t *testing.T, words ...string) *WordFST {
	t.Helper()
	p := NewPostings()
	for i, w := range words {
		p.Add([]byte(w), uint32(i))
	}
	fst, err := BuildWordFST(p)
	if err != nil {
		t.Fatalf("BuildWordFST: %v", err)
	}
	return fst
}

func TestWordFST_FuzzySearchEditDistanceOne(t *testing.T) {
	fst := buildTestWordFST(t, "matrix", "matrices", "banana", "orange")

	results, err := fst.FuzzySearch("matrik", 1)
	if err != nil {
		t.Fatalf("FuzzySearch: %v", err)
	}
	if !containsWord(results, "matrix") {
		t.Fatalf("expected 'matrix' within edit distance 1 of 'matrik', got %v", results)
	}
	if containsWord(results, "banana") || containsWord(results, "orange") {
		t.Fatalf("unrelated words should not match: %v", results)
	}
}

func TestWordFST_FuzzySearchEditDistanceTwo(t *testing.T) {
	fst := buildTestWordFST(t, "matrix", "banana")

	// "matriks" needs two edits to reach "matrix" (substitute 'k' with 'x',
	// drop 's'), within distance 2.
	results, err := fst.FuzzySearch("matriks", 2)
	if err != nil {
		t.Fatalf("FuzzySearch: %v", err)
	}
	if !containsWord(results, "matrix") {
		t.Fatalf("expected 'matrix' within edit distance 2 of 'matriks', got %v", results)
	}
}

func TestWordFST_FuzzySearchNoSpuriousMatches(t *testing.T) {
	fst := buildTestWordFST(t, "apple", "banana", "cherry")

	results, err := fst.FuzzySearch("zzzzzzzzzz", 1)
	if err != nil {
		t.Fatalf("FuzzySearch: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches for an unrelated word, got %v", results)
	}
}

func TestWordFST_ContainsAndPrefixSearch(t *testing.T) {
	fst := buildTestWordFST(t, "cat", "car", "cart", "dog")

	if !fst.Contains("cat") {
		t.Fatalf("expected 'cat' to be contained")
	}
	if fst.Contains("ca") {
		t.Fatalf("'ca' is not a dictionary word and should not be contained")
	}

	prefixed, err := fst.PrefixSearch("car", 0)
	if err != nil {
		t.Fatalf("PrefixSearch: %v", err)
	}
	if !containsWord(prefixed, "car") || !containsWord(prefixed, "cart") {
		t.Fatalf("expected 'car' and 'cart' in prefix results, got %v", prefixed)
	}
	if containsWord(prefixed, "cat") || containsWord(prefixed, "dog") {
		t.Fatalf("prefix search should not return non-matching words, got %v", prefixed)
	}
}

func containsWord(words []string, target string) bool {
	for _, w := range words {
		if w == target {
			return true
		}
	}
	return false
}
