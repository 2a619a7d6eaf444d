package indexing

import (
	"context"
	"fmt"

	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
	"github.com/amanmcp/gokko/internal/embed"
)

// EmbedderSet names the configured embedders a batch's documents may target,
// keyed the same way FieldConfig.EmbedderRef and Index.Vectors are.
type EmbedderSet map[string]embed.Embedder

// embeddedVector is one document's generated (or user-provided) vector for
// one embedder, ready for P4 to hand to VectorStore.Add.
type embeddedVector struct {
	docID        uint32
	embedder     string
	vector       []float32
	userProvided bool
	err          error // set when generation permanently failed for this document
}

// EmbedBatch runs P3: groups prompt text per embedder into bounded chunks
// (§4.5: DefaultBatchSize, capped at MaxBatchSize), calls EmbedBatch with
// retry/backoff, and reports a permanent per-document failure rather than
// aborting the whole batch when an embedder gives up on one chunk (§4.5 P3
// "embedding failures are scoped to the documents that needed generation").
//
// userVectors carries any vectors the caller supplied directly for a
// (docID, embedder) pair; those bypass generation entirely.
//
// breakerFor, when non-nil, looks up a long-lived circuit breaker keyed by
// embedder name; once an embedder's breaker trips open, further chunks for
// that embedder fail fast with gokkoerrors.ErrCircuitOpen instead of
// re-running the retry ladder against a backend that's clearly down.
func EmbedBatch(ctx context.Context, extracted []*extracted, embedders EmbedderSet, userVectors map[string]map[uint32][]float32, retryCfg gokkoerrors.RetryConfig, breakerFor func(name string) *gokkoerrors.CircuitBreaker) ([]embeddedVector, error) {
	var out []embeddedVector

	for name, embedder := range embedders {
		var docIDs []uint32
		var prompts []string
		for _, ex := range extracted {
			if uv, ok := userVectors[name]; ok {
				if vec, ok := uv[ex.docID]; ok {
					out = append(out, embeddedVector{docID: ex.docID, embedder: name, vector: vec, userProvided: true})
					continue
				}
			}
			prompt, ok := ex.prompts[name]
			if !ok {
				continue
			}
			docIDs = append(docIDs, ex.docID)
			prompts = append(prompts, prompt)
		}
		if len(prompts) == 0 {
			continue
		}

		batchSize := embed.DefaultBatchSize
		if batchSize > embed.MaxBatchSize {
			batchSize = embed.MaxBatchSize
		}

		for start := 0; start < len(prompts); start += batchSize {
			end := start + batchSize
			if end > len(prompts) {
				end = len(prompts)
			}
			chunkIDs := docIDs[start:end]
			chunkPrompts := prompts[start:end]

			embedder.SetBatchIndex(start / batchSize)
			embedder.SetFinalBatch(end == len(prompts))

			var vectors [][]float32
			call := func() error {
				return gokkoerrors.Retry(ctx, retryCfg, func() error {
					var embedErr error
					vectors, embedErr = embedder.EmbedBatch(ctx, chunkPrompts)
					return embedErr
				})
			}

			var err error
			if breakerFor != nil {
				err = breakerFor(name).Execute(call)
			} else {
				err = call()
			}

			if err != nil {
				// Permanent failure for this chunk: record a per-document
				// error rather than failing documents embedded by other
				// embedders or in other chunks.
				for _, id := range chunkIDs {
					out = append(out, embeddedVector{
						docID:    id,
						embedder: name,
						err:      fmt.Errorf("embed documents via %q: %w", embedder.ModelName(), err),
					})
				}
				continue
			}

			for i, id := range chunkIDs {
				out = append(out, embeddedVector{docID: id, embedder: name, vector: vectors[i]})
			}
		}
	}

	return out, nil
}
