package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
)

type failingStore struct{ artifacts.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestVerifier_Statuses(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()

	good, err := store.Put(ctx, []byte("unit ok"))
	require.NoError(t, err)
	tampered, err := store.Put(ctx, []byte("integration ok"))
	require.NoError(t, err)
	store.Corrupt(tampered, []byte("integration FAILED"))
	absent := NewArtifact("gone", "text/plain", []byte("never stored")).ContentHash

	v := NewVerifier(store, nil)
	avail, err := v.Verify(ctx, []string{good, tampered, absent, "not-a-hash", good})
	require.NoError(t, err)

	assert.Equal(t, ArtifactOK, avail[good])
	assert.Equal(t, ArtifactHashMismatch, avail[tampered])
	assert.Equal(t, ArtifactMissing, avail[absent])
	assert.Equal(t, ArtifactMissing, avail["not-a-hash"])
	assert.Len(t, avail, 4)

	problems := avail.Problems()
	assert.Len(t, problems, 3)
	assert.NotContains(t, problems, good)
}

func TestVerifier_StorageFailureAborts(t *testing.T) {
	v := NewVerifier(failingStore{}, nil)
	_, err := v.Verify(context.Background(), []string{NewArtifact("a", "", []byte("a")).ContentHash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestVerifier_Manifests(t *testing.T) {
	ctx := context.Background()
	store := artifacts.NewMemoryStore()
	data := []byte("ok\n")
	_, err := store.Put(ctx, data)
	require.NoError(t, err)

	m, err := sampleBuilder().Build()
	require.NoError(t, err)

	avail, err := NewVerifier(store, nil).VerifyManifests(ctx, m)
	require.NoError(t, err)
	assert.Empty(t, avail.Problems())
	assert.Equal(t, ArtifactOK, avail[NewArtifact("unit.log", "", data).ContentHash])
}
