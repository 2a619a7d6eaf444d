package indexing

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/inverted"
	"github.com/amanmcp/gokko/internal/store"
)

func openTestEnv(t *testing.T) *store.Env {
	t.Helper()
	env, err := store.OpenEnv(filepath.Join(t.TempDir(), "index", "data.bolt"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestCommit_LoadIndex_RoundTrip(t *testing.T) {
	env := openTestEnv(t)

	ix := NewIndex("movies", "id")
	ix.Documents[1] = &Document{DocID: 1, Fields: map[string]any{"title": "Arrival"}, FieldOrder: []string{"title"}}
	ix.ExternalIDs["m1"] = 1
	ix.nextDocID = 2
	ix.FieldIDs["title"] = 0
	ix.nextFieldID = 1

	bm := roaring.New()
	bm.Add(1)
	ix.Words.Union([]byte("arrival"), bm)
	ix.Facets.Union(inverted.FacetKey(0, "drama"), bm)
	ix.Geo.Set(1, inverted.GeoPoint{Lat: 48.8, Lon: 2.3})

	h := ix.Hierarchy(0, 0, 0)
	h.SetLevel0("drama", bm)
	h.Rebuild()

	if err := ix.RebuildFST(); err != nil {
		t.Fatalf("RebuildFST: %v", err)
	}

	if err := ix.Commit(env, noopWarner{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loaded, err := LoadIndex("movies", "id", env, nil)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}

	if loaded.Words.Get([]byte("arrival")) == nil {
		t.Error("expected word postings to survive the round trip")
	}
	if loaded.Facets.Get(inverted.FacetKey(0, "drama")) == nil {
		t.Error("expected facet postings to survive the round trip")
	}
	if loaded.FST == nil || !loaded.FST.Contains("arrival") {
		t.Error("expected fst to survive the round trip")
	}
	if loaded.Geo.Len() != 1 {
		t.Errorf("expected 1 geo point, got %d", loaded.Geo.Len())
	}
	if _, ok := loaded.Hierarchies[0]; !ok {
		t.Error("expected facet hierarchy for field 0 to survive the round trip")
	}
	if doc, ok := loaded.Documents[1]; !ok || doc.Fields["title"] != "Arrival" {
		t.Error("expected document 1 to survive the round trip")
	}
	if loaded.ExternalIDs["m1"] != 1 {
		t.Error("expected external id mapping to survive the round trip")
	}
	if loaded.nextDocID != 2 {
		t.Errorf("expected nextDocID 2, got %d", loaded.nextDocID)
	}
	if loaded.FieldIDs["title"] != 0 {
		t.Error("expected field id mapping to survive the round trip")
	}
}

func TestLoadIndex_EmptyEnvironment(t *testing.T) {
	env := openTestEnv(t)

	ix, err := LoadIndex("movies", "id", env, nil)
	if err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if ix.Words.Len() != 0 {
		t.Error("expected an empty index for a never-committed environment")
	}
}

func TestPipeline_IndexFor_ReloadsCommittedState(t *testing.T) {
	p, _ := openTestPipeline(t)

	if _, err := p.catalog.Create("movies"); err != nil {
		t.Fatalf("catalog.Create: %v", err)
	}
	ix, _ := p.indexFor("movies")
	bm := roaring.New()
	bm.Add(1)
	ix.Words.Union([]byte("arrival"), bm)
	if err := ix.RebuildFST(); err != nil {
		t.Fatalf("RebuildFST: %v", err)
	}
	p.commitIndex("movies", ix)

	// Simulate a restart: drop the in-memory entry, keep the catalog.
	p.mu.Lock()
	delete(p.indexes, "movies")
	p.mu.Unlock()

	reloaded, _ := p.indexFor("movies")
	if reloaded.Words.Get([]byte("arrival")) == nil {
		t.Error("expected indexFor to reload committed word postings after eviction")
	}
}

type noopWarner struct{}

func (noopWarner) Warn(string, ...any) {}
