package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/utils/hashutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(&config.Config{ModelsDir: t.TempDir()}, zap.NewNop())
}

func writeArtifactFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return content
}

func TestVersionsEmpty(t *testing.T) {
	s := newTestStore(t)

	versions, err := s.Versions("nobody")
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions, got %v", versions)
	}
	if _, err := s.LatestVersion("nobody"); !errors.Is(err, ErrNoVersions) {
		t.Fatalf("expected ErrNoVersions, got %v", err)
	}
	next, err := s.NextVersion("nobody")
	if err != nil || next != 1 {
		t.Fatalf("expected next version 1, got %d (%v)", next, err)
	}
}

func TestVersionsSkipsForeignEntries(t *testing.T) {
	s := newTestStore(t)
	writeArtifactFile(t, s.Dir("alice", 1), "adapter.safetensors", 64)
	writeArtifactFile(t, s.Dir("alice", 3), "adapter.safetensors", 64)
	writeArtifactFile(t, filepath.Join(s.modelsDir, "alice", "scratch"), "notes.txt", 8)

	versions, err := s.Versions("alice")
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 3 {
		t.Fatalf("expected [1 3], got %v", versions)
	}
	latest, err := s.LatestVersion("alice")
	if err != nil || latest != 3 {
		t.Fatalf("expected latest 3, got %d (%v)", latest, err)
	}
	next, err := s.NextVersion("alice")
	if err != nil || next != 4 {
		t.Fatalf("expected next 4, got %d (%v)", next, err)
	}
}

func TestPromoteAssignsVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	staging, err := s.StagingDir("job-1")
	if err != nil {
		t.Fatalf("StagingDir: %v", err)
	}
	content := writeArtifactFile(t, staging, "adapter.safetensors", 1024)
	writeArtifactFile(t, staging, "tokenizer.json", 128)

	version, manifest, err := s.Promote(ctx, "alice", staging)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be gone after promote")
	}

	if manifest.WeightBytes != 1024 {
		t.Fatalf("expected 1024 weight bytes, got %d", manifest.WeightBytes)
	}
	if manifest.TotalBytes != 1024+128 {
		t.Fatalf("expected %d total bytes, got %d", 1024+128, manifest.TotalBytes)
	}
	if len(manifest.Files) != 2 {
		t.Fatalf("expected 2 files in manifest, got %d", len(manifest.Files))
	}
	if got, want := manifest.Files[0].Blake3, hashutil.Blake3Hash(content); got != want {
		t.Fatalf("manifest hash mismatch: got %s want %s", got, want)
	}

	read, err := s.ReadManifest("alice", 1)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if read.Version != 1 || read.OwnerUserID != "alice" {
		t.Fatalf("unexpected manifest: %+v", read)
	}

	staging2, _ := s.StagingDir("job-2")
	writeArtifactFile(t, staging2, "adapter.safetensors", 2048)
	version, _, err = s.Promote(ctx, "alice", staging2)
	if err != nil {
		t.Fatalf("second Promote: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestPromoteRejectsWeightlessStaging(t *testing.T) {
	s := newTestStore(t)
	staging, _ := s.StagingDir("job-1")
	writeArtifactFile(t, staging, "readme.txt", 16)

	if _, _, err := s.Promote(context.Background(), "alice", staging); !IsInvalidArtifact(err) {
		t.Fatalf("expected InvalidArtifactError, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	s := newTestStore(t)

	if err := s.Verify("alice", 1); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	writeArtifactFile(t, s.Dir("alice", 1), "readme.txt", 16)
	if err := s.Verify("alice", 1); !IsInvalidArtifact(err) {
		t.Fatalf("expected InvalidArtifactError, got %v", err)
	}

	writeArtifactFile(t, s.Dir("alice", 1), "adapter.bin", 256)
	if err := s.Verify("alice", 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestEstimateFootprintGB(t *testing.T) {
	if got := EstimateFootprintGB(1 << 30); got != 1.2 {
		t.Fatalf("1GiB weights: expected 1.2, got %g", got)
	}
	if got := EstimateFootprintGB(10 << 30); got != 12.0 {
		t.Fatalf("10GiB weights: expected 12.0, got %g", got)
	}
	if got := EstimateFootprintGB(1024); got != footprintFloorGB {
		t.Fatalf("tiny weights: expected floor %g, got %g", footprintFloorGB, got)
	}
	if got := EstimateFootprintGB(0); got != footprintFloorGB {
		t.Fatalf("zero weights: expected floor %g, got %g", footprintFloorGB, got)
	}
}

func TestFootprintPrefersManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	staging, _ := s.StagingDir("job-1")
	writeArtifactFile(t, staging, "adapter.safetensors", 1<<20)
	if _, _, err := s.Promote(ctx, "alice", staging); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	got, err := s.FootprintGB("alice", 1)
	if err != nil {
		t.Fatalf("FootprintGB: %v", err)
	}
	if got != footprintFloorGB {
		t.Fatalf("expected floor %g, got %g", footprintFloorGB, got)
	}

	if _, err := s.FootprintGB("alice", 9); !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := s.Dir("alice", 1)
	weights := writeArtifactFile(t, dir, "adapter.safetensors", 512)
	writeArtifactFile(t, dir, "tokenizer.json", 64)

	dest := t.TempDir()
	path, err := s.Archive(ctx, "alice", 1, dest)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gr)

	found := map[string][]byte{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		found[header.Name] = data
	}

	if len(found) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(found))
	}
	if string(found["adapter.safetensors"]) != string(weights) {
		t.Fatalf("weights content mismatch after archive round trip")
	}
}
