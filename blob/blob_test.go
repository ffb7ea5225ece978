package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	intent "github.com/goliatone/go-intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte("quarterly report")

	loc, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, Digest(data), loc.Digest)
	assert.Equal(t, int64(len(data)), loc.Size)
	assert.Equal(t, "text/plain", loc.ContentType)

	again, err := store.Put(ctx, data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, loc, again)

	got, err := store.Get(ctx, loc.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, loc.Digest)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, loc.Digest))
	ok, err = store.Exists(ctx, loc.Digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, loc.Digest)
	assert.True(t, intent.IsKind(err, intent.ErrCodeNotFound))

	_, err = store.Get(ctx, "md5:abc")
	assert.True(t, intent.IsKind(err, intent.ErrCodeValidation))
}

func TestFileStoreContract(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestS3StoreContract(t *testing.T) {
	runStoreContract(t, NewS3StoreWithClient(newFakeS3(), "artifacts", "blobs/"))
}

func TestS3StoreKeysByDigest(t *testing.T) {
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "artifacts", "blobs/")
	loc, err := store.Put(context.Background(), []byte("x"), "")
	require.NoError(t, err)

	raw := loc.Digest[len(digestPrefix):]
	assert.Equal(t, "s3://artifacts/blobs/"+raw+".blob", loc.URI)
	assert.Equal(t, "application/octet-stream", loc.ContentType)
	assert.Equal(t, 1, fake.puts)
}

func TestLocationMaterialization(t *testing.T) {
	loc := Location{Backend: "file", URI: "file:///x", Digest: "sha256:ab", ContentType: "text/plain", Size: 2}
	m := loc.Materialization()
	assert.Equal(t, "file", m.Backend)
	assert.Equal(t, int64(2), m.Size)
	assert.Equal(t, "sha256:ab", m.Digest)
}

// TestMinioStoreContract requires a reachable MinIO.
func TestMinioStoreContract(t *testing.T) {
	endpoint := os.Getenv("INTENT_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("Skipping MinIO integration test: INTENT_TEST_MINIO_ENDPOINT not set")
	}
	store, err := NewMinioStore(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("INTENT_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("INTENT_TEST_MINIO_SECRET_KEY"),
		Bucket:    "intent-test",
	})
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestMinioConfigValidate(t *testing.T) {
	assert.Error(t, MinioConfig{}.Validate())
	assert.NoError(t, MinioConfig{Endpoint: "localhost:9000", Bucket: "b", AccessKey: "a", SecretKey: "s"}.Validate())
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
