package librarian

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates the bucket holding logs.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	// Prefix is prepended to every object key.
	Prefix string
}

// S3 keeps logs in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3{client: client, cfg: cfg}, nil
}

// Store streams a compressed copy of r into the bucket and returns an
// s3:// location.
func (s *S3) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	key := s.key(name)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(compress(pw, r))
	}()

	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, pr, -1, minio.PutObjectOptions{
		ContentType:     "text/plain",
		ContentEncoding: "gzip",
	})
	pr.CloseWithError(err)
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}

// Open returns the decompressed log.
func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return newGzipReadCloser(obj)
}

func (s *S3) key(name string) string {
	return s.cfg.Prefix + CompressedName(name)
}
