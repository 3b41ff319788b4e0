// Package archive stores generated reports and processed uploads in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"sitesafe/internal/alerts"
)

// Config points at the bucket.
type Config struct {
	Enabled   bool   `yaml:"enabled" env:"ARCHIVE_ENABLED"`
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	Region    string `yaml:"region" env:"MINIO_REGION"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
}

// Archive writes objects to one bucket.
type Archive struct {
	client *minio.Client
	bucket string
}

// New creates the client. No request is made until the first upload.
func New(cfg Config) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "sitesafe"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the target bucket name.
func (a *Archive) Bucket() string { return a.bucket }

// EnsureBucket creates the bucket when missing.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	log.Printf("[Archive] Created bucket %s", a.bucket)
	return nil
}

// Put uploads data under name and returns the object path.
func (a *Archive) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	_, err := a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return a.bucket + "/" + name, nil
}

// SaveReport uploads a drained report as plain text.
func (a *Archive) SaveReport(ctx context.Context, report alerts.Report) (string, error) {
	name := ReportKey(report.GeneratedAt)
	location, err := a.Put(ctx, name, []byte(report.Text+"\n"), "text/plain; charset=utf-8")
	if err != nil {
		return "", err
	}
	log.Printf("[Archive] Stored report with %d entries at %s", report.Count, location)
	return location, nil
}

// SaveUpload stores a processed upload under uploads/<date>/.
func (a *Archive) SaveUpload(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	return a.Put(ctx, UploadKey(time.Now(), filename), data, contentType)
}

// ReportKey names a report object by generation time.
func ReportKey(at time.Time) string {
	at = at.UTC()
	return path.Join("reports", at.Format("2006/01/02"), "report-"+at.Format("150405.000")+".txt")
}

// UploadKey names an upload object.
func UploadKey(at time.Time, filename string) string {
	return path.Join("uploads", at.UTC().Format("2006/01/02"), path.Base(filename))
}
