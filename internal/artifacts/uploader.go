// Package artifacts uploads training output directories to S3-compatible
// object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object is one local file and the key it is stored under.
type Object struct {
	Path string
	Key  string
}

// Uploader copies run directories into a single bucket.
type Uploader struct {
	client  *minio.Client
	bucket  string
	workers int
	logger  *slog.Logger
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

// New connects to the store and creates the bucket if it does not exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure artifacts bucket: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{client: client, bucket: cfg.Bucket, workers: max(cfg.Workers, 1), logger: logger}, nil
}

// UploadDir stores every regular file under dir below prefix and returns the
// s3:// URI of the prefix.
func (u *Uploader) UploadDir(ctx context.Context, dir, prefix string) (string, error) {
	objects, err := ObjectKeys(dir, prefix)
	if err != nil {
		return "", err
	}
	jobs := make([]job, 0, len(objects))
	for _, obj := range objects {
		jobs = append(jobs, func() error {
			_, err := u.client.FPutObject(ctx, u.bucket, obj.Key, obj.Path, minio.PutObjectOptions{
				ContentType: contentType(obj.Path),
			})
			if err != nil {
				return fmt.Errorf("uploading %s: %w", obj.Key, err)
			}
			return nil
		})
	}
	if errs := runPool(u.workers, jobs); len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	u.logger.Debug("uploaded artifacts", "bucket", u.bucket, "prefix", prefix, "files", len(objects))
	return URI(u.bucket, prefix), nil
}

// ObjectKeys lists the regular files under dir with the keys they are stored
// under: prefix joined with the slash-separated relative path.
func ObjectKeys(dir, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		objects = append(objects, Object{Path: p, Key: path.Join(prefix, filepath.ToSlash(rel))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	return objects, nil
}

func URI(bucket, prefix string) string {
	return "s3://" + path.Join(bucket, prefix)
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
