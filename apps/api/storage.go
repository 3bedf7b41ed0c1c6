package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var errObjectNotFound = errors.New("object not found")

// ObjectStore keeps uploaded images under opaque keys and hands out a public
// URL for each.
type ObjectStore interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	// KeyForURL maps a public URL produced by Put back to its key.
	KeyForURL(rawURL string) (string, bool)
}

func newObjectStore(ctx context.Context, cfg *Config, logger *slog.Logger) (ObjectStore, error) {
	if cfg.MinIOEndpoint != "" {
		return NewMinIOStore(ctx, cfg.MinIOEndpoint, cfg.MinIOPublicEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.ImageBucket, cfg.MinIOUseSSL, logger)
	}
	publicBase := buildPublicURL(cfg.PublicBaseURL, path.Join(mediaRoutePrefix, cfg.ImageBucket))
	return NewDiskStore(filepath.Join(cfg.DataRoot, "uploads", cfg.ImageBucket), publicBase)
}

// newObjectKey returns "<yyyy-mm-dd>/<uuid><ext>", unique without any
// coordination between uploads.
func newObjectKey(now time.Time, ext string) string {
	return fmt.Sprintf("%s/%s%s", now.UTC().Format("2006-01-02"), uuid.NewString(), ext)
}

// validObjectKey accepts only keys shaped like newObjectKey output.
func validObjectKey(key string) bool {
	day, file, found := strings.Cut(key, "/")
	if !found || strings.Contains(file, "/") {
		return false
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return false
	}
	ext := path.Ext(file)
	if !containsExtension(ext) {
		return false
	}
	_, err := uuid.Parse(strings.TrimSuffix(file, ext))
	return err == nil
}

func containsExtension(ext string) bool {
	for _, allowed := range allowedImageTypes {
		if allowed == ext {
			return true
		}
	}
	return false
}

func keyFromPublicURL(publicBase, rawURL string) (string, bool) {
	base, err := url.Parse(publicBase)
	if err != nil {
		return "", false
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Host != base.Host {
		return "", false
	}
	prefix := strings.TrimRight(base.Path, "/") + "/"
	if !strings.HasPrefix(target.Path, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(target.Path, prefix)
	return key, validObjectKey(key)
}

// MinIOStore keeps images in an S3-compatible bucket with public read access.
type MinIOStore struct {
	client         *minio.Client
	bucketName     string
	publicEndpoint string
	log            *slog.Logger
}

func NewMinIOStore(ctx context.Context, endpoint, publicEndpoint, accessKey, secretKey, bucketName string, useSSL bool, logger *slog.Logger) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	publicEndpoint = strings.TrimSuffix(strings.Trim(strings.TrimSpace(publicEndpoint), `"'`), "/")
	if publicEndpoint == "" {
		publicEndpoint = endpoint
	}
	if !strings.Contains(publicEndpoint, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicEndpoint = scheme + "://" + publicEndpoint
	}

	store := &MinIOStore{
		client:         client,
		bucketName:     bucketName,
		publicEndpoint: publicEndpoint,
		log:            logger,
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.ensureBucket(checkCtx); err != nil {
		// Bucket may be provisioned out of band; uploads will surface real failures.
		logger.Warn("bucket check failed", "bucket", bucketName, "err", err)
	}

	logger.Info("minio storage initialized", "endpoint", endpoint, "public_endpoint", publicEndpoint, "bucket", bucketName)
	return store, nil
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	policy := fmt.Sprintf(`{"Version": "2012-10-17","Statement": [{"Action": ["s3:GetObject"],"Effect": "Allow","Principal": {"AWS": ["*"]},"Resource": ["arn:aws:s3:::%s/*"],"Sid": ""}]}`, s.bucketName)
	if err := s.client.SetBucketPolicy(ctx, s.bucketName, policy); err != nil {
		return fmt.Errorf("set bucket policy: %w", err)
	}
	s.log.Info("bucket created", "bucket", s.bucketName)
	return nil
}

func (s *MinIOStore) Name() string { return "minio" }

func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	return s.publicURL(key), nil
}

func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

func (s *MinIOStore) KeyForURL(rawURL string) (string, bool) {
	return keyFromPublicURL(s.publicURL(""), rawURL)
}

func (s *MinIOStore) publicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicEndpoint, s.bucketName, key)
}

// DiskStore keeps images below a directory and serves them through the API.
type DiskStore struct {
	root       string
	publicBase string
}

func NewDiskStore(root, publicBase string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{root: filepath.Clean(root), publicBase: strings.TrimRight(publicBase, "/")}, nil
}

func (s *DiskStore) Name() string { return "disk" }

func (s *DiskStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", err
	}
	return s.publicBase + "/" + key, nil
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errObjectNotFound
		}
		return err
	}
	return nil
}

func (s *DiskStore) KeyForURL(rawURL string) (string, bool) {
	return keyFromPublicURL(s.publicBase+"/", rawURL)
}

// Open returns the path of a stored object for serving.
func (s *DiskStore) Open(key string) (string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		return "", errObjectNotFound
	}
	return fullPath, nil
}

// resolve maps key below root and refuses anything that escapes it.
func (s *DiskStore) resolve(key string) (string, error) {
	cleanKey := filepath.Clean(filepath.FromSlash(strings.TrimSpace(key)))
	if cleanKey == "" || cleanKey == "." || filepath.IsAbs(cleanKey) {
		return "", fmt.Errorf("invalid object key")
	}

	resolved := filepath.Join(s.root, cleanKey)
	relative, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return "", err
	}
	if relative == ".." || strings.HasPrefix(relative, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("resolved path escapes storage root")
	}
	return resolved, nil
}
