// Package artifacts manages trained model directories on disk. Artifacts are
// laid out as {modelsDir}/{ownerUserId}/v{version}/ with a manifest recording
// blake3 digests of every file. Versions are assigned when a finished
// training run is promoted out of its staging directory.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/services/fileuploader"
	"github.com/evermind-ai/persona-server/internal/utils/hashutil"
)

const (
	manifestName = "manifest.json"
	stagingDir   = ".staging"

	// Loading a model takes more memory than its weights alone: runtime
	// overhead is estimated at 20%, with a floor for very small adapters.
	footprintOverhead = 1.2
	footprintFloorGB  = 0.5
)

var weightExtensions = map[string]bool{
	".safetensors": true,
	".bin":         true,
	".pt":          true,
	".gguf":        true,
	".onnx":        true,
}

type Manifest struct {
	OwnerUserID string         `json:"owner_user_id"`
	Version     int            `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	TotalBytes  int64          `json:"total_bytes"`
	WeightBytes int64          `json:"weight_bytes"`
	Files       []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Blake3 string `json:"blake3"`
}

type Store struct {
	modelsDir string
	logger    *zap.Logger
}

func NewStore(cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{
		modelsDir: cfg.ModelsDir,
		logger:    logger.Named("artifacts"),
	}
}

// Dir returns the canonical path for a version without checking it exists.
func (s *Store) Dir(ownerUserID string, version int) string {
	return filepath.Join(s.modelsDir, ownerUserID, fmt.Sprintf("v%d", version))
}

// StagingDir creates and returns a scratch directory for an in-flight
// training run. It lives under modelsDir so promotion is a rename, never a
// cross-filesystem copy.
func (s *Store) StagingDir(jobID string) (string, error) {
	dir := filepath.Join(s.modelsDir, stagingDir, jobID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	return dir, nil
}

// DiscardStaging removes a staging directory after a failed or cancelled run.
func (s *Store) DiscardStaging(jobID string) {
	dir := filepath.Join(s.modelsDir, stagingDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove staging dir", zap.String("dir", dir), zap.Error(err))
	}
}

// Versions lists the versions present for an owner, ascending.
func (s *Store) Versions(ownerUserID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.modelsDir, ownerUserID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var versions []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "v"))
		if err != nil || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// LatestVersion returns the highest version an owner has, or ErrNoVersions.
func (s *Store) LatestVersion(ownerUserID string) (int, error) {
	versions, err := s.Versions(ownerUserID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("%w for owner %s", ErrNoVersions, ownerUserID)
	}
	return versions[len(versions)-1], nil
}

// NextVersion returns the version a new promotion would be assigned.
func (s *Store) NextVersion(ownerUserID string) (int, error) {
	versions, err := s.Versions(ownerUserID)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

// Verify checks that a version exists on disk and contains weight files.
func (s *Store) Verify(ownerUserID string, version int) error {
	dir := s.Dir(ownerUserID, version)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return &NotFoundError{OwnerUserID: ownerUserID, Version: version}
		}
		return err
	}
	_, weightBytes, err := scanDir(dir)
	if err != nil {
		return err
	}
	if weightBytes == 0 {
		return &InvalidArtifactError{Path: dir, Reason: "no weight files"}
	}
	return nil
}

// Promote assigns the next version to a finished staging directory, moves it
// into place and writes its manifest.
func (s *Store) Promote(ctx context.Context, ownerUserID, staging string) (int, *Manifest, error) {
	_, weightBytes, err := scanDir(staging)
	if err != nil {
		return 0, nil, err
	}
	if weightBytes == 0 {
		return 0, nil, &InvalidArtifactError{Path: staging, Reason: "no weight files"}
	}

	version, err := s.NextVersion(ownerUserID)
	if err != nil {
		return 0, nil, err
	}

	dir := s.Dir(ownerUserID, version)
	if err := os.MkdirAll(filepath.Dir(dir), os.ModePerm); err != nil {
		return 0, nil, err
	}
	if err := os.Rename(staging, dir); err != nil {
		return 0, nil, fmt.Errorf("failed to promote artifact: %w", err)
	}

	manifest, err := s.WriteManifest(ctx, ownerUserID, version)
	if err != nil {
		return 0, nil, err
	}

	s.logger.Info("artifact promoted",
		zap.String("owner_user_id", ownerUserID),
		zap.Int("version", version),
		zap.Int64("weight_bytes", manifest.WeightBytes))
	return version, manifest, nil
}

// WriteManifest hashes every file in the version directory and writes
// manifest.json alongside them.
func (s *Store) WriteManifest(ctx context.Context, ownerUserID string, version int) (*Manifest, error) {
	dir := s.Dir(ownerUserID, version)
	files, weightBytes, err := scanDir(dir)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		OwnerUserID: ownerUserID,
		Version:     version,
		CreatedAt:   time.Now().UTC(),
		WeightBytes: weightBytes,
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		hash, err := hashutil.Blake3HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.TotalBytes += info.Size()
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:   name,
			Size:   info.Size(),
			Blake3: hash,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return manifest, nil
}

// ReadManifest loads a previously written manifest.
func (s *Store) ReadManifest(ownerUserID string, version int) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(ownerUserID, version), manifestName))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{OwnerUserID: ownerUserID, Version: version}
	}
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	return &manifest, nil
}

// FootprintGB estimates the accelerator memory a version needs when loaded.
// It prefers the manifest's recorded weight size and falls back to scanning
// the directory.
func (s *Store) FootprintGB(ownerUserID string, version int) (float64, error) {
	if manifest, err := s.ReadManifest(ownerUserID, version); err == nil {
		return EstimateFootprintGB(manifest.WeightBytes), nil
	}

	dir := s.Dir(ownerUserID, version)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, &NotFoundError{OwnerUserID: ownerUserID, Version: version}
		}
		return 0, err
	}
	_, weightBytes, err := scanDir(dir)
	if err != nil {
		return 0, err
	}
	return EstimateFootprintGB(weightBytes), nil
}

// EstimateFootprintGB converts raw weight bytes into a load-time memory
// estimate.
func EstimateFootprintGB(weightBytes int64) float64 {
	gb := float64(weightBytes) / (1 << 30) * footprintOverhead
	if gb < footprintFloorGB {
		return footprintFloorGB
	}
	return gb
}

// Archive packs a version directory into a tar.gz in the given directory and
// returns the archive path.
func (s *Store) Archive(ctx context.Context, ownerUserID string, version int, destDir string) (string, error) {
	dir := s.Dir(ownerUserID, version)
	files, _, err := scanDir(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", &NotFoundError{OwnerUserID: ownerUserID, Version: version}
	}

	path := filepath.Join(destDir, fmt.Sprintf("%s-v%d.tar.gz", ownerUserID, version))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := addToArchive(tw, filepath.Join(dir, name), name); err != nil {
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gw.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Publish archives a version and hands it to the uploader. The storage URL
// is delivered on response once the upload completes.
func (s *Store) Publish(ctx context.Context, ownerUserID string, version int, uploader *fileuploader.Uploader, tempDir string, response chan<- string) error {
	path, err := s.Archive(ctx, ownerUserID, version, tempDir)
	if err != nil {
		return err
	}
	uploader.UploadPath(path, fmt.Sprintf("%s-v%d", ownerUserID, version), ".tar.gz", response)
	return nil
}

func addToArchive(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// scanDir returns the regular files directly inside dir (manifest excluded)
// and the byte total of those with weight extensions.
func scanDir(dir string) ([]string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var (
		files       []string
		weightBytes int64
	)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == manifestName {
			continue
		}
		files = append(files, entry.Name())
		if weightExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			info, err := entry.Info()
			if err != nil {
				return nil, 0, err
			}
			weightBytes += info.Size()
		}
	}
	sort.Strings(files)
	return files, weightBytes, nil
}
