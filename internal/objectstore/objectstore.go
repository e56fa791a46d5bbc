// Package objectstore is the object-store capability set spec §6
// names ({put, get, delete, head}), backed by aws-sdk-go's S3 client
// pointed at an R2-compatible endpoint, grounded on the S3 client call
// shape in FeatureBaseDB-featurebase's idk/internal/s3.go and the
// endpoint/path-style setup in original_source/src/storage/backup.rs's
// BackupManager::new.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/dbsandbox/api/internal/apperr"
)

// Store is the capability set the snapshot engine drives; tests
// substitute an in-memory fake.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (exists bool, sizeBytes int64, err error)
}

type r2Store struct {
	client s3iface.S3API
	bucket string
}

// Config is the subset of the service configuration objectstore needs.
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// New builds an S3 client configured with R2's custom endpoint, "auto"
// region, and forced path-style addressing, matching
// BackupManager::new's force_path_style(true) setup.
func New(cfg Config) (Store, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("auto"),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store session: %w", err)
	}

	return &r2Store{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

func (s *r2Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	buf, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body for put %s: %w", key, err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

func (s *r2Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.New(apperr.BackupNotFound, "backup object not found: "+key)
		}
		return nil, fmt.Errorf("getting object %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *r2Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

func (s *r2Store) Head(ctx context.Context, key string) (bool, int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("heading object %s: %w", key, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return true, size, nil
}

// unconfiguredStore backs backup/download/restore with clean errors
// instead of a nil-pointer panic when R2 credentials are absent, per
// spec §4.5's degraded-mode expectation: Get reports BACKUP_NOT_FOUND,
// Put and Delete report INTERNAL_ERROR.
type unconfiguredStore struct{}

// Unconfigured returns a Store used when the deployment has no R2
// credentials configured. Put, Get and Delete fail; Head reports every
// key as absent without an error.
func Unconfigured() Store { return unconfiguredStore{} }

func (unconfiguredStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	return apperr.New(apperr.Internal, "object store not configured")
}

func (unconfiguredStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, apperr.New(apperr.BackupNotFound, "object store not configured")
}

func (unconfiguredStore) Delete(ctx context.Context, key string) error {
	return apperr.New(apperr.Internal, "object store not configured")
}

func (unconfiguredStore) Head(ctx context.Context, key string) (bool, int64, error) {
	return false, 0, nil
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return true
	}
	return false
}
