package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amanmcp/gokko/internal/indexing"
	"github.com/amanmcp/gokko/internal/scheduler"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

// seedSearchableIndex commits a small "movies" index under dataDir using
// the same Pipeline the CLI uses, simulating an ingest that already ran in
// a prior process.
func seedSearchableIndex(t *testing.T, dataDir string) {
	t.Helper()

	rootEnv, err := store.OpenEnv(filepath.Join(dataDir, "root.mdb"), 0, nil)
	require.NoError(t, err)
	defer rootEnv.Close()

	catalog, err := store.NewCatalog(rootEnv, filepath.Join(dataDir, "indexes"), 20, 0, nil)
	require.NoError(t, err)
	defer catalog.Close()

	queue, err := task.Open(rootEnv, 0, nil)
	require.NoError(t, err)

	pipeline := indexing.NewPipeline(catalog, queue, nil)

	creation, err := queue.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	require.NoError(t, err)
	settings, err := queue.Register(task.Content{
		Kind:     task.KindSettings,
		IndexUID: "movies",
		NewSettings: map[string]any{
			"searchableAttributes": []any{"title"},
		},
	}, nil, false)
	require.NoError(t, err)

	fileID, err := queue.AssociateUpdateFile([]byte(`{"id":"1","title":"The Matrix"}` + "\n"))
	require.NoError(t, err)
	docImport, err := queue.Register(task.Content{
		Kind:        task.KindDocumentImport,
		IndexUID:    "movies",
		Method:      task.MethodReplace,
		ContentFile: fileID,
	}, nil, false)
	require.NoError(t, err)

	batch := &scheduler.Batch{
		Kind:     scheduler.KindIndexOperation,
		IndexUID: "movies",
		Tasks:    []*task.Task{creation, settings, docImport},
	}
	outcomes, _, err := pipeline.Execute(context.Background(), batch)
	require.NoError(t, err)
	for _, o := range outcomes {
		require.Equal(t, task.StatusSucceeded, o.Status)
	}
}

func TestSearchCmd_FindsSeededDocument(t *testing.T) {
	projectDir := t.TempDir()
	dataDir := filepath.Join(t.TempDir(), "data")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	seedSearchableIndex(t, dataDir)

	configYAML := "paths:\n  data_dir: " + dataDir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "gokko.yaml"), []byte(configYAML), 0644))

	cmd := newSearchCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", projectDir, "movies", "matrix"})
	require.NoError(t, cmd.Execute())

	var result indexing.SearchResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Hits, 1)
	require.Equal(t, "The Matrix", result.Hits[0].Fields["title"])
}

func TestSearchCmd_RejectsUnknownMatchingStrategy(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cmd := newSearchCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", projectDir, "--matching-strategy", "bogus", "movies", "matrix"})
	require.Error(t, cmd.Execute())
}
