package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive stores records of reaped leases
type Archive interface {
	// Store saves a record and returns a reference path/URL
	Store(ctx context.Context, name string, record []byte) (string, error)
	// Retrieve fetches a record by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3Archive stores records in S3-compatible storage
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3ArchiveConfig holds S3 configuration
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g., "leasegate/reaped/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Archive creates a new S3-backed archive
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// Store uploads a record to S3
func (s *S3Archive) Store(ctx context.Context, name string, record []byte) (string, error) {
	key := s.buildKey(name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(record),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload record to S3: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a record from S3
func (s *S3Archive) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(extractKey(reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get record from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

func (s *S3Archive) buildKey(name string) string {
	return fmt.Sprintf("%s%s/%s.json", s.prefix, s.now().UTC().Format("2006/01/02"), sanitizeName(name))
}

// extractKey handles the s3://bucket/key format
func extractKey(reference string) string {
	if rest, ok := strings.CutPrefix(reference, "s3://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
	}
	return reference
}

// sanitizeName flattens a node path into a single object name.
func sanitizeName(name string) string {
	return strings.ReplaceAll(strings.Trim(name, "/"), "/", "_")
}

// LocalArchive stores records on the local filesystem (for development/single-node)
type LocalArchive struct {
	basePath string
}

// NewLocalArchive creates a local filesystem archive
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalArchive{basePath: basePath}, nil
}

// Store saves a record to the local filesystem
func (l *LocalArchive) Store(ctx context.Context, name string, record []byte) (string, error) {
	path := filepath.Join(l.basePath, sanitizeName(name)+".json")
	if err := os.WriteFile(path, record, 0644); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	return path, nil
}

// Retrieve reads a record from the local filesystem
func (l *LocalArchive) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	data, err := os.ReadFile(reference)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}
