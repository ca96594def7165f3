package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "segment_block-0"), []byte("hello segment data"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "chunk_directory"), []byte("0 0 1 0 7\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	archiveFile := filepath.Join(t.TempDir(), "snapshot.metallarchive")
	if err := Export(srcDir, archiveFile); err != nil {
		t.Fatalf("export: %v", err)
	}

	destDir := filepath.Join(t.TempDir(), "restored")
	if err := Import(archiveFile, destDir); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "segment_block-0"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "hello segment data" {
		t.Fatalf("expected restored content to match, got %q", got)
	}

	got2, err := os.ReadFile(filepath.Join(destDir, "chunk_directory"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got2) != "0 0 1 0 7\n" {
		t.Fatalf("expected restored chunk directory to match, got %q", got2)
	}
}

func TestImportRejectsNonArchiveFile(t *testing.T) {
	bogus := filepath.Join(t.TempDir(), "bogus")
	if err := os.WriteFile(bogus, []byte("not an archive"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := Import(bogus, filepath.Join(t.TempDir(), "out")); err == nil {
		t.Fatalf("expected error importing a non-archive file")
	}
}
