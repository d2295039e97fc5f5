package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shelly-monitor/internal/model"
)

// Archive keeps every downloaded history chunk verbatim in an object store.
// Object names are derived from the chunk range, so re-syncing an overlap
// overwrites the same object.
type Archive struct {
	mc       *minio.Client
	bucket   string
	basePath string
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket, basePath string) (*Archive, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	if basePath == "" {
		basePath = "emdata"
	}
	return &Archive{mc: mc, bucket: bucket, basePath: basePath}, nil
}

func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (a *Archive) SaveChunk(ctx context.Context, dev model.Device, start, end int64, body []byte) error {
	object := BuildObjectPath(a.basePath, dev.Key, start, end)
	_, err := a.mc.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", object, err)
	}
	return nil
}

func BuildObjectPath(basePath, deviceKey string, start, end int64) string {
	t := time.Unix(start, 0).UTC()
	return fmt.Sprintf("%s/%s/year=%04d/month=%02d/day=%02d/emdata_%d-%d.csv",
		basePath, deviceKey, t.Year(), t.Month(), t.Day(), start, end)
}
