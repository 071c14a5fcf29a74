// Package blobstore stores raw document payloads. Payloads are content
// addressed: the object key is the hex SHA-256 of the bytes, so a
// resubmitted fax or re-uploaded file lands on the same object instead of
// duplicating storage. The key doubles as the integrity checksum recorded
// on the document row.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNotFound     = errors.New("payload not found")
	ErrTooLarge     = errors.New("payload exceeds maximum allowed size")
	ErrEmptyPayload = errors.New("payload is empty")
)

// MaxPayloadSize is the maximum allowed payload size in bytes (100 MB).
const MaxPayloadSize = 100 * 1024 * 1024

// Key returns the content address for a payload.
func Key(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// Store is the contract for payload storage backends. Put returns the
// content address of the stored payload; storing the same bytes twice is a
// no-op that returns the same key.
type Store interface {
	Put(ctx context.Context, payload []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// Memory is a thread-safe, in-memory Store for testing and development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (s *Memory) Put(_ context.Context, payload []byte, _ string) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	if int64(len(payload)) > MaxPayloadSize {
		return "", ErrTooLarge
	}
	key := Key(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		s.blobs[key] = append([]byte(nil), payload...)
	}
	return key, nil
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Memory) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Len reports how many distinct payloads are stored.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ---------------------------------------------------------------------------
// MinIO implementation
// ---------------------------------------------------------------------------

// MinIO stores payloads in an S3-compatible object store, one object per
// content address.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to the object store and ensures the bucket exists.
func NewMinIO(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
		}
	}

	return &MinIO{client: client, bucket: bucket}, nil
}

func (s *MinIO) Put(ctx context.Context, payload []byte, contentType string) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	if int64(len(payload)) > MaxPayloadSize {
		return "", ErrTooLarge
	}
	key := Key(payload)

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("store payload %s: %w", key, err)
	}
	return key, nil
}

func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch payload %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// GetObject defers the existence check to the first read.
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read payload %s: %w", key, err)
	}
	return data, nil
}

func (s *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat payload %s: %w", key, err)
	}
	return true, nil
}

func (s *MinIO) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete payload %s: %w", key, err)
	}
	return nil
}
