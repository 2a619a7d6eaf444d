package search

import (
	"strings"
	"unicode"

	"github.com/amanmcp/gokko/internal/inverted"
)

// Typo-tolerance word-length thresholds (§4.6.1: "typo variants bounded by
// Damerau-Levenshtein distance (1 then 2 depending on word length)"),
// matching the upstream engine's published defaults: a word shorter than
// TypoOneThreshold gets no typo tolerance at all; one at least
// TypoTwoThreshold long additionally tolerates a second edit.
const (
	TypoOneThreshold = 5
	TypoTwoThreshold = 9
)

// BuildGraph tokenizes a query string and constructs the query graph
// (§4.6.1): one NodeExact per word position, a NodePrefix at the final
// position when allowPrefix is set, NodeTypo variants bounded by word
// length and resolved through fst, and one NodePhrase per quoted segment.
// fst may be nil (e.g. an index with no committed documents yet), in which
// case typo expansion is simply skipped.
func BuildGraph(query string, fst *inverted.WordFST, allowPrefix bool) *Graph {
	remainder, phrases := splitQueryPhrases(query)
	words := tokenizeQuery(remainder)

	g := NewGraph()
	prevNodes := []NodeID{g.RootNode}
	position := 0

	connect := func(forms []NodeID) {
		if len(forms) == 0 {
			return
		}
		for _, prev := range prevNodes {
			for _, f := range forms {
				g.Connect(prev, f)
			}
		}
		prevNodes = forms
	}

	for i, word := range words {
		forms := []NodeID{g.AddTermNode(NodeExact, position, word)}

		if allowPrefix && i == len(words)-1 {
			forms = append(forms, g.AddTermNode(NodePrefix, position, word))
		}

		if fst != nil {
			for _, v := range typoVariants(word, fst) {
				n := g.AddTermNode(NodeTypo, position, v.word)
				g.Nodes[n].TypoDistance = v.distance
				forms = append(forms, n)
			}
		}

		connect(forms)
		position++
	}

	// TODO: synonym nodes (NodeSynonym) once index settings carry a
	// synonyms map to substitute from (§4.6.1); there is nowhere to read
	// one from yet.

	for _, phrase := range phrases {
		connect([]NodeID{g.AddPhraseNode(position, phrase)})
		position++
	}

	for _, prev := range prevNodes {
		g.Connect(prev, g.EndNode)
	}

	return g
}

type typoVariant struct {
	word     string
	distance int
}

// typoVariants expands word into its FST-backed typo-tolerant forms, bounded
// by word length. The exact form itself is never returned since NodeExact
// already covers it.
func typoVariants(word string, fst *inverted.WordFST) []typoVariant {
	if len(word) < TypoOneThreshold {
		return nil
	}

	seen := map[string]bool{word: true}
	var out []typoVariant

	if ones, err := fst.FuzzySearch(word, 1); err == nil {
		for _, w := range ones {
			if !seen[w] {
				seen[w] = true
				out = append(out, typoVariant{word: w, distance: 1})
			}
		}
	}

	if len(word) >= TypoTwoThreshold {
		if twos, err := fst.FuzzySearch(word, 2); err == nil {
			for _, w := range twos {
				if !seen[w] {
					seen[w] = true
					out = append(out, typoVariant{word: w, distance: 2})
				}
			}
		}
	}

	return out
}

// tokenizeQuery splits text into lowercase terms on runs of non-letter,
// non-digit characters, the query-side analog of the indexing package's
// document tokenizer (internal/indexing/tokenize.go) — kept separate since
// the two packages must not import one another.
func tokenizeQuery(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

// splitQueryPhrases extracts quote-delimited phrase segments from a query
// string (§4.6.1), returning the remaining unquoted text alongside each
// phrase's token sequence. An unterminated quote's content is still
// searched, just not as a phrase.
func splitQueryPhrases(query string) (remainder string, phrases [][]string) {
	var out strings.Builder
	inPhrase := false
	var phraseBuf strings.Builder

	for _, r := range query {
		if r == '"' {
			if inPhrase {
				phrases = append(phrases, tokenizeQuery(phraseBuf.String()))
				phraseBuf.Reset()
			}
			inPhrase = !inPhrase
			continue
		}
		if inPhrase {
			phraseBuf.WriteRune(r)
		} else {
			out.WriteRune(r)
		}
	}
	if phraseBuf.Len() > 0 {
		out.WriteRune(' ')
		out.WriteString(phraseBuf.String())
	}

	return out.String(), phrases
}
