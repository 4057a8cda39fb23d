package store

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	// Prefix is prepended to every key
	Prefix string
}

// S3Store uploads encoded images to a bucket.
type S3Store struct {
	client  *minio.Client
	bucket  string
	region  string
	prefix  string
	quality int

	initOnce sync.Once
	initErr  error
}

// NewS3Store validates cfg and creates the client. The bucket is created on
// first use if it does not exist.
func NewS3Store(cfg S3Config, quality int) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	if quality <= 0 {
		quality = DefaultQuality
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:  client,
		bucket:  bucket,
		region:  region,
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		quality: quality,
	}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Put uploads img encoded in the format implied by the key's extension.
func (s *S3Store) Put(ctx context.Context, key string, img image.Image) error {
	buf, contentType, err := encodeObject(key, img, s.quality)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(key), buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.TIFF: "image/tiff",
	imaging.BMP:  "image/bmp",
}

// encodeObject encodes img the way FileStore would save it under key.
func encodeObject(key string, img image.Image, quality int) (*bytes.Buffer, string, error) {
	format, err := imaging.FormatFromFilename(key)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", key, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", key, err)
	}
	contentType, ok := contentTypes[format]
	if !ok {
		contentType = "application/octet-stream"
	}
	return &buf, contentType, nil
}

// Location returns the s3:// URI for key.
func (s *S3Store) Location(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return cleanKey(key)
	}
	return path.Join(s.prefix, cleanKey(key))
}
