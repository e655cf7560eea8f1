// koban/janitor/janitor_test.go
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"koban/database"
	"koban/storage"
	"koban/utils"
)

// fakeStore is an in-memory ObjectStore for reconciler tests.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string]storage.ObjectInfo
	failKeys map[string]bool // Delete returns an error for these
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string]storage.ObjectInfo),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeStore) put(key string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = storage.ObjectInfo{
		Key:          key,
		Size:         1024,
		LastModified: time.Now().Add(-age),
	}
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeStore) Save(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[key] {
		return fmt.Errorf("simulated delete failure for %s", key)
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) List(_ context.Context, fn func(storage.ObjectInfo) error) error {
	if f.listErr != nil {
		return f.listErr
	}
	f.mu.Lock()
	snapshot := make([]storage.ObjectInfo, 0, len(f.objects))
	for _, obj := range f.objects {
		snapshot = append(snapshot, obj)
	}
	f.mu.Unlock()
	for _, obj := range snapshot {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

func setupJanitor(t *testing.T, store storage.ObjectStore, grace time.Duration) (*Janitor, *database.DatabaseService) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dir, err := os.MkdirTemp("", "koban_janitor_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	dbPath := filepath.Join(dir, "test.db?_journal_mode=WAL&_foreign_keys=on")
	ds, err := database.InitDB(dbPath, logger, nil)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() {
		ds.Close()
		os.RemoveAll(dir)
	})

	if utils.PosterIDSecret == "" {
		utils.PosterIDSecret = "test-secret"
	}

	j := New(ds, store, logger, Config{
		Interval:       time.Hour,
		GraceWindow:    grace,
		Retention:      48 * time.Hour,
		AuditRetention: 365 * 24 * time.Hour,
	})
	return j, ds
}

func TestReconcilerDeletesOldOrphans(t *testing.T) {
	store := newFakeStore()
	j, _ := setupJanitor(t, store, time.Hour)

	store.put("orphan.jpg", 2*time.Hour)   // past the grace window
	store.put("recent.jpg", 10*time.Minute) // inside it

	report, err := j.reconcileBlobs(context.Background())
	if err != nil {
		t.Fatalf("reconcileBlobs failed: %v", err)
	}
	if report.Scanned != 2 || report.Orphans != 2 {
		t.Errorf("Report scanned=%d orphans=%d, want 2/2", report.Scanned, report.Orphans)
	}
	if report.Deleted != 1 || report.InGrace != 1 {
		t.Errorf("Report deleted=%d in_grace=%d, want 1/1", report.Deleted, report.InGrace)
	}
	if store.has("orphan.jpg") {
		t.Error("Old orphan should have been deleted")
	}
	if !store.has("recent.jpg") {
		t.Error("Orphan inside the grace window must be retained")
	}
}

func TestReconcilerNeverDeletesReferenced(t *testing.T) {
	store := newFakeStore()
	j, ds := setupJanitor(t, store, 0) // grace 0: only references protect blobs
	ctx := context.Background()

	thread, err := ds.CreateThread(ctx, database.CreateThreadRequest{
		BoardID: "b", Content: "op", MediaKey: "live.jpg", ThumbKey: "t_live.jpg", MediaKind: "image", IP: "10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	posts, _ := ds.GetPostsForThread(ctx, thread.ID)
	if _, err := ds.CreateBan(ctx, database.CreateBanRequest{
		IP: "10.0.0.1", Reason: "spam", PostID: posts[0].ID, Admin: "mod",
	}); err != nil {
		t.Fatal(err)
	}
	// Remove the post; only the ban snapshot still references live.jpg.
	if _, err := ds.DeletePost(ctx, posts[0].ID, "mod", ""); err != nil {
		t.Fatal(err)
	}

	store.put("live.jpg", 48*time.Hour)
	store.put("t_live.jpg", 48*time.Hour)

	report, err := j.reconcileBlobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !store.has("live.jpg") {
		t.Error("Blob referenced by a ban snapshot must never be deleted")
	}
	if store.has("t_live.jpg") {
		t.Error("Unreferenced thumbnail should have been reclaimed")
	}
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", report.Deleted)
	}
}

func TestReconcilerIdempotent(t *testing.T) {
	store := newFakeStore()
	j, _ := setupJanitor(t, store, time.Hour)

	store.put("a.jpg", 3*time.Hour)
	store.put("b.jpg", 3*time.Hour)

	first, err := j.reconcileBlobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.Deleted != 2 {
		t.Errorf("First pass deleted %d, want 2", first.Deleted)
	}

	second, err := j.reconcileBlobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.Deleted != 0 {
		t.Errorf("Second pass deleted %d, want 0", second.Deleted)
	}
}

func TestReconcilerCountsDeleteFailures(t *testing.T) {
	store := newFakeStore()
	j, _ := setupJanitor(t, store, time.Hour)

	store.put("stuck.jpg", 3*time.Hour)
	store.put("gone.jpg", 3*time.Hour)
	store.failKeys["stuck.jpg"] = true

	report, err := j.reconcileBlobs(context.Background())
	if err != nil {
		t.Fatalf("A per-object delete failure must not abort the pass: %v", err)
	}
	if report.Errors != 1 {
		t.Errorf("Errors = %d, want 1", report.Errors)
	}
	if report.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", report.Deleted)
	}
	if store.has("gone.jpg") {
		t.Error("Healthy orphan should have been deleted despite the sibling failure")
	}
}

func TestRunOnceSkipsOverlappingTick(t *testing.T) {
	store := newFakeStore()
	j, _ := setupJanitor(t, store, time.Hour)

	j.running.Store(true)
	if report := j.RunOnce(context.Background()); report != nil {
		t.Error("RunOnce during an in-flight pass should be skipped")
	}
	j.running.Store(false)

	if report := j.RunOnce(context.Background()); report == nil {
		t.Error("RunOnce should execute once the previous pass finished")
	}
}

func TestRunOnceIsolatesTaskFailures(t *testing.T) {
	store := newFakeStore()
	j, ds := setupJanitor(t, store, time.Hour)
	ctx := context.Background()

	// Break the reconciler only; reap and backstop must still run.
	store.listErr = errors.New("bucket unavailable")

	thread, err := ds.CreateThread(ctx, database.CreateThreadRequest{
		BoardID: "b", Content: "op", IP: "10.0.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ds.DB.Exec("UPDATE threads SET alive = 0, retired_at = ? WHERE id = ?",
		utils.GetSQLTime().Add(-72*time.Hour), thread.ID); err != nil {
		t.Fatal(err)
	}

	report := j.RunOnce(ctx)
	if report == nil {
		t.Fatal("Expected a report")
	}
	if report.Errors["reconcile"] == nil {
		t.Error("Reconcile failure should be recorded in the report")
	}
	if report.Reaped != 1 {
		t.Errorf("Reaped = %d, want 1: sibling tasks must run despite the reconcile failure", report.Reaped)
	}
}
