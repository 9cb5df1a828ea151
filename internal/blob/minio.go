// Package blob signs attachment URLs against MinIO / S3 storage. Uploads go
// straight from the client to storage through presigned PUT URLs.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

const DefaultURLTTL = 15 * time.Minute

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
	TTL    time.Duration
}

type Signer struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	log    *logger.Logger
}

// Upload is a presigned target for one attachment.
type Upload struct {
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func New(cfg Config, log *logger.Logger) (*Signer, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Signer{client: cl, bucket: cfg.Bucket, ttl: ttl, log: log}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Signer) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.log.Info("Created attachment bucket", "bucket", s.bucket)
	return nil
}

// ObjectKey places an upload under a fresh prefix so names never collide.
func ObjectKey(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return "attachments/" + uuid.NewString() + "/" + base
}

func (s *Signer) PresignGet(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignPut returns an upload target for a file called name.
func (s *Signer) PresignPut(ctx context.Context, name string) (*Upload, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("presign upload", "file name is required")
	}
	key := ObjectKey(name)
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return nil, apperr.Transient("presign upload", err)
	}
	return &Upload{ObjectKey: key, URL: u.String(), ExpiresAt: time.Now().UTC().Add(s.ttl)}, nil
}

// SignAttachments fills URL for every attachment that has an object key.
// Failures leave the URL empty and are logged.
func (s *Signer) SignAttachments(ctx context.Context, msgs []models.Message) {
	for i := range msgs {
		for j := range msgs[i].Attachments {
			a := &msgs[i].Attachments[j]
			if a.ObjectKey == "" {
				continue
			}
			u, err := s.PresignGet(ctx, a.ObjectKey)
			if err != nil {
				s.log.Warn("Failed to sign attachment", "message_id", msgs[i].ID, "object_key", a.ObjectKey, "error", err)
				continue
			}
			a.URL = u
		}
	}
}
