package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3-backed Storage implementation.
type S3Config struct {
	Bucket     string
	Region     string
	Endpoint   string // non-empty for S3-compatible stores (MinIO, R2, etc.)
	PublicBase string // public base URL prefix, e.g. "https://cdn.example.com"
}

// S3Storage implements Storage on top of aws-sdk-go-v2's S3 client.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	publicBase string
	httpClient *http.Client
}

// NewS3Storage loads AWS config (env/shared config files, same resolution
// chain as any other aws-sdk-go-v2 client) and returns an S3Storage.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	publicBase := cfg.PublicBase
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return &S3Storage{client: client, bucket: cfg.Bucket, publicBase: publicBase, httpClient: &http.Client{}}, nil
}

func (s *S3Storage) Upload(ctx context.Context, path string, data []byte, opts UploadOptions) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(opts.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put object %s: %w", path, err)
	}
	return s.publicURL(path), nil
}

func (s *S3Storage) UploadFromURL(ctx context.Context, path, sourceURL string, opts UploadOptions) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("storage: build fetch request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: fetch source url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("storage: source url returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("storage: read source body: %w", err)
	}
	if opts.ContentType == "" {
		opts.ContentType = resp.Header.Get("Content-Type")
	}
	return s.Upload(ctx, path, data, opts)
}

func (s *S3Storage) publicURL(path string) string {
	return fmt.Sprintf("%s/%s", s.publicBase, path)
}
