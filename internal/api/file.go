package api

import (
	"io"
	"net/http"
	"path/filepath"

	"github.com/evermind-ai/persona-server/internal/app"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// UploadFileHandler stores a multipart file, typically a training dataset,
// and returns the URL it can be referenced by in a job submission.
func UploadFileHandler(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse request body"})
		return
	}

	content, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to open file"})
		return
	}
	defer content.Close()

	fileBytes, err := io.ReadAll(content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to read file"})
		return
	}

	app := c.MustGet("app").(*app.App)
	if app.Uploader() == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "file storage is not configured"})
		return
	}

	url := make(chan string)
	app.Uploader().UploadBytes(fileBytes, filepath.Ext(file.Filename), false, url)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": map[string]string{
			"url": <-url,
		},
	})
}

func GetFile(c *gin.Context) {
	filename := c.Param("filename")
	app := c.MustGet("app").(*app.App)

	storage := app.Storage()
	if storage == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "file storage is not configured"})
		return
	}

	if app.Config().Filesystem == config.FilesystemLocal {
		file, err := storage.ResolveFile(c.Request.Context(), filename)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"message": "file not found"})
			return
		}

		c.File(file)
		return
	}

	content, err := storage.GetFile(c.Request.Context(), filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "file not found"})
		return
	}

	mimeType := mimetype.Detect(content).String()
	c.Data(http.StatusOK, mimeType, content)
}
