package store_test

import (
	"path/filepath"
	"testing"

	"github.com/amanmcp/gokko/internal/store"
)

func openTestEnv(t *testing.T) *store.Env {
	t.Helper()
	env, err := store.OpenEnv(filepath.Join(t.TempDir(), "data.bolt"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestEnv_WriteThenRead(t *testing.T) {
	env := openTestEnv(t)

	wtxn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	bucket, err := wtxn.Bucket("docs")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if err := wtxn.Put(bucket, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer func() { _ = snap.Rollback() }()

	b := snap.Bucket("docs")
	if b == nil {
		t.Fatal("expected bucket to exist")
	}
	if got := b.Get([]byte("a")); string(got) != "1" {
		t.Errorf("expected value %q, got %q", "1", got)
	}
}

func TestEnv_BucketAbsentOnRead(t *testing.T) {
	env := openTestEnv(t)

	snap, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer func() { _ = snap.Rollback() }()

	if b := snap.Bucket("nope"); b != nil {
		t.Error("expected nil bucket for a name never written")
	}
}

func TestEnv_PutOversizedKeyIsSkipped(t *testing.T) {
	env := openTestEnv(t)

	wtxn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	bucket, err := wtxn.Bucket("docs")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}

	oversized := make([]byte, store.MaxKeyLength+1)
	if err := wtxn.Put(bucket, oversized, []byte("x")); err != nil {
		t.Fatalf("Put with oversized key should be a silent no-op, got: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer func() { _ = snap.Rollback() }()
	if got := snap.Bucket("docs").Get(oversized); got != nil {
		t.Error("expected oversized key to never have been written")
	}
}

func TestEnv_DeleteIsNoopWhenAbsent(t *testing.T) {
	env := openTestEnv(t)

	wtxn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	bucket, err := wtxn.Bucket("docs")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if err := wtxn.Delete(bucket, []byte("never-written")); err != nil {
		t.Fatalf("Delete on absent key should be a no-op, got: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestEnv_RollbackDiscardsWrites(t *testing.T) {
	env := openTestEnv(t)

	wtxn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	bucket, err := wtxn.Bucket("docs")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if err := wtxn.Put(bucket, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := wtxn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	snap, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer func() { _ = snap.Rollback() }()
	if snap.Bucket("docs") != nil {
		t.Error("expected the rolled-back bucket creation to not be visible")
	}
}

func TestEnv_ResizeDoublesMapSize(t *testing.T) {
	env := openTestEnv(t)

	before := env.MapSize()
	if err := env.Resize(); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := env.MapSize(); got != before*2 {
		t.Errorf("expected map size to double to %d, got %d", before*2, got)
	}

	// The environment must still accept writes after the resize.
	wtxn, err := env.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	bucket, err := wtxn.Bucket("docs")
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if err := wtxn.Put(bucket, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestEnv_PathReturnsBackingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bolt")
	env, err := store.OpenEnv(path, 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	defer func() { _ = env.Close() }()

	if env.Path() != path {
		t.Errorf("expected path %q, got %q", path, env.Path())
	}
}

func TestOpenEnv_SecondOpenFailsWhileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bolt")
	env, err := store.OpenEnv(path, 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	defer func() { _ = env.Close() }()

	if _, err := store.OpenEnv(path, 0, nil); err == nil {
		t.Error("expected a second open of the same path to fail while locked")
	}
}
