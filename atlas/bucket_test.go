package atlas

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMockBucket(t *testing.T) {
	b := mockBucket{items: map[string][]byte{"a.laz": []byte("laz-a")}}

	ok, err := b.Exists(context.Background(), "a.laz")
	assert.Nil(t, err)
	assert.True(t, ok)
	ok, _ = b.Exists(context.Background(), "b.laz")
	assert.False(t, ok)

	rd, err := b.NewReader(context.Background(), "a.laz")
	assert.Nil(t, err)
	data, err := io.ReadAll(rd)
	assert.Nil(t, err)
	assert.Equal(t, []byte("laz-a"), data)

	size, _, err := b.Attributes(context.Background(), "a.laz")
	assert.Nil(t, err)
	assert.Equal(t, int64(5), size)

	_, err = b.NewReader(context.Background(), "b.laz")
	assert.Error(t, err)
}

func TestOpenBucketPlainDirectory(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBucket(context.Background(), dir)
	assert.Nil(t, err)
	defer b.Close()

	ok, err := b.Exists(context.Background(), "nope.laz")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestGenerateEtag(t *testing.T) {
	e1 := generateEtagFromInts(100, 200)
	e2 := generateEtagFromInts(100, 200)
	e3 := generateEtagFromInts(100, 201)

	assert.Equal(t, e1, e2)
	assert.NotEqual(t, e1, e3)
	assert.True(t, len(e1) > 2 && e1[0] == '"')
}
