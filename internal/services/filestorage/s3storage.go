package filestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/evermind-ai/persona-server/internal/config"
)

type S3Storage struct {
	client  *s3.Client
	bucket  string
	folder  string
	baseURL string
	tempDir string
}

func NewS3Storage(cfg *config.Config) (*S3Storage, error) {
	if cfg.S3 == nil {
		return nil, errors.New("s3 configuration is missing")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.S3.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.EndpointUrl != "" {
			o.BaseEndpoint = &cfg.S3.EndpointUrl
		}
	})

	baseURL := strings.TrimSuffix(cfg.S3.PublicUrl, "/")
	if baseURL == "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.S3.EndpointUrl, "https://"), "http://")
		baseURL = fmt.Sprintf("https://%s.%s", cfg.S3.Bucket, endpoint)
	}

	return &S3Storage{
		client:  client,
		bucket:  cfg.S3.Bucket,
		folder:  strings.Trim(cfg.S3.Folder, "/"),
		baseURL: baseURL,
		tempDir: cfg.TempDir,
	}, nil
}

func (s *S3Storage) Upload(ctx context.Context, file FileInfo) (string, error) {
	key := s.key(file.Name + file.Extension)

	body := file.Reader
	if body == nil {
		if len(file.Content) == 0 {
			return "", fmt.Errorf("%w: %s", ErrEmptyFile, file.Name)
		}
		body = bytes.NewReader(file.Content)
	}

	contentType := "application/octet-stream"
	if len(file.Content) > 0 {
		contentType = mimetype.Detect(file.Content).String()
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        body,
		ContentType: &contentType,
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}

func (s *S3Storage) UploadMultiple(ctx context.Context, files []FileInfo) ([]string, error) {
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

func (s *S3Storage) GetFile(ctx context.Context, filename string) ([]byte, error) {
	key := s.key(filename)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// ResolveFile downloads the object into the temp directory and returns the
// local path so callers that need a real file on disk can use it.
func (s *S3Storage) ResolveFile(ctx context.Context, filename string) (string, error) {
	data, err := s.GetFile(ctx, filename)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.tempDir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func (s *S3Storage) key(filename string) string {
	if s.folder == "" {
		return filename
	}
	return s.folder + "/" + filename
}
