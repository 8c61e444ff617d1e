// Package fileuploader queues storage uploads onto a bounded worker pool so
// callers never block on slow backends.
package fileuploader

import (
	"context"
	"os"

	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/services/filestorage"
	"github.com/evermind-ai/persona-server/internal/utils/hashutil"
)

type Uploader struct {
	wp      *workerpool.WorkerPool
	storage filestorage.FileStorage
	logger  *zap.Logger
}

func NewFileUploader(storage filestorage.FileStorage, maxWorkers int, logger *zap.Logger) *Uploader {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Uploader{
		wp:      workerpool.New(maxWorkers),
		storage: storage,
		logger:  logger.Named("uploader"),
	}
}

// Upload submits the file to the pool. The URL is delivered on response when
// the upload finishes; on failure nothing is sent and the error is logged.
func (u *Uploader) Upload(file filestorage.FileInfo, response chan<- string) {
	u.wp.Submit(func() {
		url, err := u.storage.Upload(context.Background(), file)
		if err != nil {
			u.logger.Error("upload failed",
				zap.String("file", file.Name+file.Extension),
				zap.Error(err))
			return
		}
		if response != nil {
			response <- url
		}
	})
}

// UploadBytes stores content under its blake3 hash so identical payloads
// land on the same key.
func (u *Uploader) UploadBytes(content []byte, extension string, isTemp bool, response chan<- string) {
	file := filestorage.NewFileInfo(hashutil.Blake3Hash(content), extension, content, isTemp)
	u.Upload(file, response)
}

// UploadPath streams a file from disk under the given name. The file is
// opened at upload time, not submission time, so it must still exist when
// the pool gets to it.
func (u *Uploader) UploadPath(path, name, extension string, response chan<- string) {
	u.wp.Submit(func() {
		f, err := os.Open(path)
		if err != nil {
			u.logger.Error("upload failed", zap.String("path", path), zap.Error(err))
			return
		}
		defer f.Close()

		file := filestorage.NewStreamFileInfo(name, extension, f, false)
		url, err := u.storage.Upload(context.Background(), file)
		if err != nil {
			u.logger.Error("upload failed", zap.String("path", path), zap.Error(err))
			return
		}
		if response != nil {
			response <- url
		}
	})
}

// Stop drains queued uploads and shuts the pool down.
func (u *Uploader) Stop() {
	u.wp.StopWait()
}
