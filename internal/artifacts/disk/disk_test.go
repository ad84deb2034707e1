package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/middlewared/internal/artifacts"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "store")
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	info, err := store.Put(ctx, "jobs/12/log", strings.NewReader("hello"), artifacts.PutOptions{ContentType: artifacts.ContentTypeText})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	obj, err := store.Get(ctx, "jobs/12/log")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(obj.Body)
	obj.Body.Close()
	if err != nil || string(body) != "hello" {
		t.Fatalf("unexpected body %q err %v", body, err)
	}
	if obj.Info.ContentType != artifacts.ContentTypeText || obj.Info.ETag != info.ETag {
		t.Fatalf("metadata mismatch: %+v vs %+v", obj.Info, info)
	}

	list, err := store.List(ctx, "jobs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "jobs/12/log" {
		t.Fatalf("unexpected listing %+v", list)
	}

	if err := store.Delete(ctx, "jobs/12/log"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "jobs/12/log"); !errors.Is(err, artifacts.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Delete(ctx, "jobs/12/log"); !errors.Is(err, artifacts.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "jobs")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty directories pruned, got %v", err)
	}
}

func TestDiskStoreRejectsEscapingKeys(t *testing.T) {
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	for _, key := range []string{"../outside", "x/y.info.json"} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), artifacts.PutOptions{}); !errors.Is(err, artifacts.ErrInvalidKey) {
			t.Fatalf("put %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestDiskJanitorSweepsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store, err := New(Config{Root: t.TempDir(), Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	store.retention = time.Hour
	ctx := context.Background()
	if _, err := store.Put(ctx, "uploads/old", strings.NewReader("old"), artifacts.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	dataPath, _ := store.objectDataPath("uploads/old")
	if err := os.Chtimes(dataPath, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	now = time.Now()
	if removed := store.sweepOnce(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}
