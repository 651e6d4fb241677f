package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/twinstack/loom/pkg/id"
)

// MinioConfig carries the object-store connection settings.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL"`
	// PublicBaseURL overrides the endpoint-derived URL in PublicURL,
	// for deployments fronted by a CDN.
	PublicBaseURL string `json:"publicBaseUrl" yaml:"publicBaseUrl"`
}

// MinioStore keeps blobs as objects in one bucket. Refs are object keys.
type MinioStore struct {
	client *minio.Client
	bucket string
	public string
	gen    *id.Generator
}

// NewMinioStore connects and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: minio connect: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob: bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blob: make bucket: %w", err)
		}
	}
	public := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if public == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, public: public, gen: id.NewGenerator()}, nil
}

func (s *MinioStore) newRef(stream, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(stream, s.gen.Next().String()+ext)
}

func (s *MinioStore) Save(ctx context.Context, buf []byte, stream, ext string) (string, error) {
	return s.SaveWithPath(ctx, buf, s.newRef(stream, ext))
}

func (s *MinioStore) SaveWithPath(ctx context.Context, buf []byte, ref string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, ref, bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("blob: put %q: %w", ref, err)
	}
	return ref, nil
}

func (s *MinioStore) SaveFrom(ctx context.Context, r io.Reader, stream, ext string) (string, error) {
	ref := s.newRef(stream, ext)
	// size -1 lets the client stream with multipart upload
	_, err := s.client.PutObject(ctx, s.bucket, ref, r, -1, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("blob: stream %q: %w", ref, err)
	}
	return ref, nil
}

func (s *MinioStore) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: get %q: %w", ref, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read %q: %w", ref, err)
	}
	return buf, nil
}

func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: delete %q: %w", ref, err)
	}
	return nil
}

func (s *MinioStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	count := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return count, fmt.Errorf("blob: list prefix %q: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return count, fmt.Errorf("blob: delete %q: %w", obj.Key, err)
		}
		count++
	}
	return count, nil
}

func (s *MinioStore) PublicURL(ref string) string {
	return s.public + "/" + strings.TrimPrefix(ref, "/")
}
