package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// MinIO stores documents in a single bucket. Refs have the form "<bucket>/<object>".
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIOFromEnv connects using MINIO_* environment variables and verifies the bucket exists
func NewMinIOFromEnv(ctx context.Context) (*MinIO, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "minio:9000"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "documents"
	}

	useSSL := os.Getenv("MINIO_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Verify bucket exists
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	return &MinIO{client: client, bucket: bucket}, nil
}

// objectName strips the bucket prefix from a ref if present
func (m *MinIO) objectName(ref string) string {
	return strings.TrimPrefix(ref, m.bucket+"/")
}

// Download fetches the object behind ref
func (m *MinIO) Download(ctx context.Context, ref string) (*models.Document, error) {
	name := m.objectName(ref)

	info, err := m.client.StatObject(ctx, m.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	filename := info.UserMetadata["Filename"]
	if filename == "" {
		filename = name[strings.LastIndex(name, "/")+1:]
	}
	return &models.Document{
		Ref:       ref,
		Filename:  filename,
		MediaType: info.ContentType,
		Data:      data,
	}, nil
}

// Upload stores data under {prefix}/{owner}/YYYY/MM/{uuid}{ext} and returns its ref
func (m *MinIO) Upload(ctx context.Context, data []byte, meta UploadMeta) (string, error) {
	name := objectPath(meta, time.Now())

	opts := minio.PutObjectOptions{ContentType: meta.ContentType}
	if meta.Filename != "" {
		opts.UserMetadata = map[string]string{"Filename": meta.Filename}
	}
	if _, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	// Return the full path for storage in DB
	return fmt.Sprintf("%s/%s", m.bucket, name), nil
}

// Ping checks that the bucket is reachable
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

func objectPath(meta UploadMeta, now time.Time) string {
	prefix := meta.Prefix
	if prefix == "" {
		prefix = "outputs"
	}
	owner := meta.OwnerID
	if owner == "" {
		owner = "shared"
	}
	return fmt.Sprintf("%s/%s/%d/%02d/%s%s",
		prefix,
		owner,
		now.Year(),
		now.Month(),
		uuid.New().String(),
		GetFileExtension(meta.ContentType),
	)
}

// GetFileExtension extracts file extension from content type
func GetFileExtension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/tiff":
		return ".tiff"
	case "application/pdf":
		return ".pdf"
	case "text/plain", "text/plain; charset=utf-8":
		return ".txt"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
