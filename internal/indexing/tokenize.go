package indexing

import (
	"strings"
	"unicode"
)

// tokenize splits text into lowercase terms on runs of non-letter,
// non-digit characters, the same whitespace/punctuation-boundary
// tokenization the embedder package uses ahead of its own
// camelCase/snake_case splitting, simplified here since general document
// text has no identifier casing convention to recover.
func tokenize(text string) []string {
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

// splitPhrases extracts quote-delimited phrase segments from a query
// string (§4.6.1), returning the remaining unquoted text alongside each
// phrase's token sequence.
func splitPhrases(query string) (remainder string, phrases [][]string) {
	var out strings.Builder
	inPhrase := false
	var phraseBuf strings.Builder

	for _, r := range query {
		if r == '"' {
			if inPhrase {
				phrases = append(phrases, tokenize(phraseBuf.String()))
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
	// An unterminated quote's content is still searched, just not as a
	// phrase.
	if phraseBuf.Len() > 0 {
		out.WriteRune(' ')
		out.WriteString(phraseBuf.String())
	}

	return out.String(), phrases
}
