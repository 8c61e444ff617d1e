package filestorage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/evermind-ai/persona-server/internal/config"
)

var (
	ErrUnsupportedFilesystem = errors.New("unsupported filesystem type")
	ErrFileNotFound          = errors.New("file not found")
	ErrEmptyFile             = errors.New("file has no content")
)

// FileInfo describes a file to be written to storage. Content holds inline
// payloads; Reader takes precedence when set so large files can be streamed
// without buffering them in memory.
type FileInfo struct {
	Name      string
	Extension string
	Content   []byte
	Reader    io.Reader
	IsTemp    bool
}

func NewFileInfo(name string, extension string, content []byte, isTemp bool) FileInfo {
	return FileInfo{
		Name:      name,
		Extension: extension,
		Content:   content,
		IsTemp:    isTemp,
	}
}

func NewStreamFileInfo(name string, extension string, r io.Reader, isTemp bool) FileInfo {
	return FileInfo{
		Name:      name,
		Extension: extension,
		Reader:    r,
		IsTemp:    isTemp,
	}
}

type FileStorage interface {
	// Upload writes the file and returns a URL it can be retrieved from.
	Upload(ctx context.Context, file FileInfo) (string, error)

	// UploadMultiple writes all files and returns their URLs in order.
	UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error)

	// GetFile retrieves the contents of a previously uploaded file by name.
	GetFile(ctx context.Context, filename string) ([]byte, error)

	// ResolveFile returns a local filesystem path for the file, downloading
	// it first if the backing store is remote.
	ResolveFile(ctx context.Context, filename string) (string, error)
}

func NewFileStorage(cfg *config.Config) (FileStorage, error) {
	switch cfg.Filesystem {
	case config.FilesystemLocal:
		return NewLocalStorage(cfg)
	case config.FilesystemS3:
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilesystem, cfg.Filesystem)
	}
}
