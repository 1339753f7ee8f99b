package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.parquet")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	srcPath := writeTestFile(t, "partition bytes")

	if err := store.Upload(ctx, srcPath, "rates", "aetna/tx/part-000.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, "rates", "aetna/tx/part-000.parquet")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}

	destPath := filepath.Join(t.TempDir(), "downloaded.parquet")
	if err := store.Download(ctx, "rates", "aetna/tx/part-000.parquet", destPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != "partition bytes" {
		t.Errorf("downloaded content = %q", got)
	}
}

func TestLocalStorage_BucketsAreIsolated(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	srcPath := writeTestFile(t, "x")
	if err := store.Upload(ctx, srcPath, "rates-east", "part.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, "rates-west", "part.parquet")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("object uploaded to one bucket should not exist in another")
	}

	destPath := filepath.Join(t.TempDir(), "out.parquet")
	err = store.Download(ctx, "rates-west", "part.parquet", destPath)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("got %v, want ErrObjectNotFound for wrong bucket", err)
	}
}

func TestLocalStorage_DownloadMissingObject(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	destPath := filepath.Join(t.TempDir(), "out.parquet")
	err = store.Download(context.Background(), "rates", "no/such/object.parquet", destPath)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("got %v, want ErrObjectNotFound", err)
	}
}

func TestLocalStorage_DeleteIsIdempotent(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	srcPath := writeTestFile(t, "x")
	if err := store.Upload(ctx, srcPath, "rates", "part.parquet"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := store.Delete(ctx, "rates", "part.parquet"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "rates", "part.parquet"); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}

	exists, err := store.Exists(ctx, "rates", "part.parquet")
	if err != nil || exists {
		t.Errorf("object should be gone, exists=%v err=%v", exists, err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	srcPath := writeTestFile(t, "x")
	for _, key := range []string{
		"aetna/part-000.parquet",
		"aetna/part-001.parquet",
		"uhc/part-000.parquet",
	} {
		if err := store.Upload(ctx, srcPath, "rates", key); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	objects, err := store.ListObjects(ctx, "rates", "aetna")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("got %d objects under prefix, want 2", len(objects))
	}

	empty, err := store.ListObjects(ctx, "rates", "no/such/prefix")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("got %d objects under missing prefix, want 0", len(empty))
	}
}
