package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ImageStorage stores report photos in a MinIO bucket and hands back
// durable public URLs.
type ImageStorage struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

func NewImageStorage(endpoint, accessKey, secretKey, bucket, publicBaseURL string, useSSL bool) (*ImageStorage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to minio: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
	}

	return &ImageStorage{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (s *ImageStorage) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	objectName := fmt.Sprintf("reports/%d-%s%s", time.Now().UnixMilli(), uuid.New().String()[:8], extensionFor(contentType))

	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}

	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, objectName), nil
}

// ContentHash is the fixed-length digest stored next to each image URL
// and compared by the similarity scorer. A content digest stands in for
// a true perceptual hash: identical uploads always collide, similar ones
// rely on the text score.
func ContentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
