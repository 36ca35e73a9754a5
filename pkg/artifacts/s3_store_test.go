package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket implementing s3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	headErr error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
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

func TestS3Store_KeyLayout(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "evidence", "blobs/")

	hash, err := store.Put(context.Background(), []byte("report"))
	require.NoError(t, err)

	_, ok := fake.objects["blobs/"+hash[len("sha256:"):]+".blob"]
	assert.True(t, ok)
}

func TestS3Store_PutSkipsExisting(t *testing.T) {
	fake := newFakeS3()
	store := newS3Store(fake, "evidence", "")
	ctx := context.Background()

	_, err := store.Put(ctx, []byte("report"))
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("report"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)
}

func TestS3Store_HeadFailureSurfaces(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("access denied")
	store := newS3Store(fake, "evidence", "")

	_, err := store.Exists(context.Background(), absent)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "access denied")
}
