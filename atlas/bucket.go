package atlas

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
)

// Bucket is an abstraction over the storage backing a dataset's data
// directory. Production datasets use a gocloud blob bucket (local directory
// or cloud object store); tests use the in-memory mock.
type Bucket interface {
	Close() error
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	Attributes(ctx context.Context, key string) (size int64, modTime time.Time, err error)
	Exists(ctx context.Context, key string) (bool, error)
}

// OpenBucket opens a bucket for a plain directory path or a bucket URL
// (file://, s3://, gs://, azblob://; drivers are blank-imported by the CLI).
func OpenBucket(ctx context.Context, path string) (Bucket, error) {
	if !strings.Contains(path, "://") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		path = "file://" + url.PathEscape(abs)
		path = strings.ReplaceAll(path, "%2F", "/")
	}
	b, err := blob.OpenBucket(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", path, err)
	}
	return &blobBucket{b: b}, nil
}

type blobBucket struct {
	b *blob.Bucket
}

func (b *blobBucket) Close() error { return b.b.Close() }

func (b *blobBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.b.NewReader(ctx, key, nil)
}

func (b *blobBucket) Attributes(ctx context.Context, key string) (int64, time.Time, error) {
	attrs, err := b.b.Attributes(ctx, key)
	if err != nil {
		return 0, time.Time{}, err
	}
	return attrs.Size, attrs.ModTime, nil
}

func (b *blobBucket) Exists(ctx context.Context, key string) (bool, error) {
	return b.b.Exists(ctx, key)
}

type mockBucket struct {
	items map[string][]byte
}

func (m mockBucket) Close() error { return nil }

func (m mockBucket) NewReader(_ context.Context, key string) (io.ReadCloser, error) {
	bs, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("not found %s", key)
	}
	return io.NopCloser(bytes.NewReader(bs)), nil
}

func (m mockBucket) Attributes(_ context.Context, key string) (int64, time.Time, error) {
	bs, ok := m.items[key]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("not found %s", key)
	}
	return int64(len(bs)), time.Unix(0, 0), nil
}

func (m mockBucket) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.items[key]
	return ok, nil
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	for i := 0; i < 8; i++ {
		bs[i] = byte(n >> (8 * i))
	}
	return bs
}

func generateEtagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	sum := uintToBytes(hasher.Sum64())
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum))
}
