package filestorage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/evermind-ai/persona-server/internal/config"
)

type LocalStorage struct {
	assetsDir string
	tempDir   string
	baseURL   string
}

func NewLocalStorage(cfg *config.Config) (*LocalStorage, error) {
	if cfg.AssetsDir == "" {
		return nil, fmt.Errorf("assets directory is not configured")
	}

	for _, dir := range []string{cfg.AssetsDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &LocalStorage{
		assetsDir: cfg.AssetsDir,
		tempDir:   cfg.TempDir,
		baseURL:   fmt.Sprintf("http://%s:%d/files", cfg.Host, cfg.Port),
	}, nil
}

func (s *LocalStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	path, err := s.write(ctx, file)
	if err != nil {
		return "", err
	}
	if file.IsTemp {
		return path, nil
	}
	return fmt.Sprintf("%s/%s", s.baseURL, filepath.Base(path)), nil
}

func (s *LocalStorage) UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error) {
	urls := make([]string, 0, len(files))
	for _, file := range files {
		url, err := s.Upload(ctx, file)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

func (s *LocalStorage) GetFile(_ context.Context, filename string) ([]byte, error) {
	path := filepath.Join(s.assetsDir, filepath.Base(filename))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	return data, err
}

func (s *LocalStorage) ResolveFile(_ context.Context, filename string) (string, error) {
	path := filepath.Join(s.assetsDir, filepath.Base(filename))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		return "", err
	}
	return path, nil
}

func (s *LocalStorage) write(ctx context.Context, file FileInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := s.assetsDir
	if file.IsTemp {
		dir = s.tempDir
	}
	path := filepath.Join(dir, file.Name+file.Extension)

	if file.Reader != nil {
		out, err := os.Create(path)
		if err != nil {
			return "", fmt.Errorf("failed to create file %s: %w", path, err)
		}
		if _, err := io.Copy(out, file.Reader); err != nil {
			out.Close()
			return "", fmt.Errorf("failed to write file %s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return "", err
		}
		return path, nil
	}

	if len(file.Content) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyFile, file.Name)
	}
	if err := os.WriteFile(path, file.Content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return path, nil
}
