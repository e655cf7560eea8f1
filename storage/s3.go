// koban/storage/s3.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store implements ObjectStore for S3-compatible object storage.
type S3Store struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Store, error) {
	// Strip scheme if present
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		// Use IAM role credentials if keys are not provided
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}
	publicURL = strings.TrimSuffix(publicURL, "/")

	return &S3Store{
		Client:     client,
		BucketName: bucket,
		PublicURL:  publicURL,
	}, nil
}

func (s3 *S3Store) Save(ctx context.Context, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	_, err := s3.Client.PutObject(ctx, s3.BucketName, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s3 *S3Store) Delete(ctx context.Context, key string) error {
	return s3.Client.RemoveObject(ctx, s3.BucketName, key, minio.RemoveObjectOptions{})
}

// List walks the whole bucket. The minio SDK paginates ListObjects
// internally (1000 keys per request), so memory stays bounded regardless of
// bucket size.
func (s3 *S3Store) List(ctx context.Context, fn func(ObjectInfo) error) error {
	for object := range s3.Client.ListObjects(ctx, s3.BucketName, minio.ListObjectsOptions{Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("listing bucket %s: %w", s3.BucketName, object.Err)
		}
		if err := fn(ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// URLFor returns the public URL for a stored key.
func (s3 *S3Store) URLFor(key string) string {
	return fmt.Sprintf("%s/%s", s3.PublicURL, key)
}
