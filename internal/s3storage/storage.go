// Package s3storage wraps MinIO/S3 interactions for batch files and
// acknowledgement artifacts.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/carelink/vaxbatch/internal/config"
)

// Prefixes for the file and ack lifecycle within the buckets. Objects are
// only ever moved between prefixes (copy then delete), never overwritten in
// place once handed to a later stage.
const (
	ProcessingPrefix   = "processing/"
	ArchivePrefix      = "archive/"
	TempAckPrefix      = "TempAck/"
	CompletedAckPrefix = "completed-ack/"
	InfAckPrefix       = "ack/"
)

// ErrObjectNotFound is returned by Get when the key does not exist. The ack
// accumulation path relies on it to initialise a fresh document.
var ErrObjectNotFound = errors.New("object not found")

// Storage wraps a MinIO client plus the two bucket names.
type Storage struct {
	client       *minio.Client
	sourceBucket string
	ackBucket    string
	region       string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:       client,
		sourceBucket: cfg.SourceBucket,
		ackBucket:    cfg.AckBucket,
		region:       cfg.S3Region,
	}, nil
}

// SourceBucket returns the landing/processing/archive bucket name.
func (s *Storage) SourceBucket() string { return s.sourceBucket }

// AckBucket returns the acknowledgement artifact bucket name.
func (s *Storage) AckBucket() string { return s.ackBucket }

// EnsureBuckets makes sure both buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.sourceBucket, s.ackBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// Get fetches an object's bytes, returning ErrObjectNotFound for a missing key.
func (s *Storage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf, nil
}

// Put uploads an object.
func (s *Storage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, key, reader, int64(len(data)), opts); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Move relocates an object within a bucket by copying and then deleting it.
// A missing source surfaces as ErrObjectNotFound so redelivered work can
// detect a move that already happened.
func (s *Storage) Move(ctx context.Context, bucket, srcKey, dstKey string) error {
	src := minio.CopySrcOptions{Bucket: bucket, Object: srcKey}
	dst := minio.CopyDestOptions{Bucket: bucket, Object: dstKey}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("copy object %s: %w", srcKey, ErrObjectNotFound)
		}
		return fmt.Errorf("copy object %s to %s: %w", srcKey, dstKey, err)
	}
	if err := s.client.RemoveObject(ctx, bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", srcKey, err)
	}
	return nil
}

// ListenLanding streams object-created notifications for the source bucket
// root. Used by the dev CLI's watch command; production deployments wire the
// bucket notification straight into the admission queue.
func (s *Storage) ListenLanding(ctx context.Context) <-chan notification.Info {
	return s.client.ListenBucketNotification(ctx, s.sourceBucket, "", "", []string{"s3:ObjectCreated:*"})
}

// ProcessingKey returns the object key for a file undergoing row processing.
func ProcessingKey(fileKey string) string { return ProcessingPrefix + fileKey }

// ArchiveKey returns the object key for a completed or rejected file.
func ArchiveKey(fileKey string) string { return ArchivePrefix + fileKey }

// InfAckKey returns the key of the file-level acknowledgement artifact.
func InfAckKey(fileKey, createdAt string) string {
	return InfAckPrefix + replaceExtension(fileKey, fmt.Sprintf("_InfAck_%s.csv", createdAt))
}

// TempAckKey returns the key of the row-level ack document while it is
// still accumulating.
func TempAckKey(fileKey, createdAt string) string {
	return TempAckPrefix + busAckName(fileKey, createdAt)
}

// CompletedAckKey returns the final key of the row-level ack document.
func CompletedAckKey(fileKey, createdAt string) string {
	return CompletedAckPrefix + busAckName(fileKey, createdAt)
}

func busAckName(fileKey, createdAt string) string {
	return replaceExtension(fileKey, fmt.Sprintf("_BusAck_%s.json", createdAt))
}

func replaceExtension(fileKey, suffix string) string {
	if idx := strings.LastIndex(fileKey, "."); idx >= 0 {
		return fileKey[:idx] + suffix
	}
	return fileKey + suffix
}
