package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/store"
)

// MinioBlobStore keeps chunk bytes as MinIO objects, one object per chunk.
type MinioBlobStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioBlobStore connects to MinIO and ensures the bucket exists.
func NewMinioBlobStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info().Str("bucket", bucketName).Msg("creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioBlobStore{client: client, bucketName: bucketName}, nil
}

// Put uploads one chunk's bytes under key.
func (mc *MinioBlobStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := mc.client.PutObject(ctx, mc.bucketName, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload chunk: %w", err)
	}
	return nil
}

// Get downloads one chunk's bytes. An absent key maps to store.ErrNotFound.
func (mc *MinioBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "minio.get_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", key, store.ErrNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

// Delete removes one chunk object. Deleting an absent key is not an error.
func (mc *MinioBlobStore) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.Code == "NoSuchKey"
}
