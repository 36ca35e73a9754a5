package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sgttomas/solver-ralph-sub008/pkg/artifacts"
	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

// ArtifactStatus is the retrieval outcome of one referenced blob.
type ArtifactStatus string

const (
	ArtifactOK           ArtifactStatus = "ok"
	ArtifactMissing      ArtifactStatus = "missing"
	ArtifactHashMismatch ArtifactStatus = "hash_mismatch"
)

// Availability maps content hashes to their retrieval outcome.
type Availability map[string]ArtifactStatus

// Problems returns the hashes that are not ok, sorted.
func (a Availability) Problems() []string {
	var out []string
	for h, s := range a {
		if s != ArtifactOK {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Verifier fetches referenced blobs and re-hashes them.
type Verifier struct {
	store  artifacts.Store
	logger *slog.Logger
}

func NewVerifier(store artifacts.Store, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default().With("component", "evidence")
	}
	return &Verifier{store: store, logger: logger}
}

// Verify checks every hash. A blob that is absent or unaddressable is
// missing; one whose bytes hash differently is a mismatch. Storage
// failures other than not-found abort the check.
func (v *Verifier) Verify(ctx context.Context, hashes []string) (Availability, error) {
	out := make(Availability, len(hashes))
	for _, h := range hashes {
		if _, done := out[h]; done {
			continue
		}
		data, err := v.store.Get(ctx, h)
		switch {
		case errors.Is(err, artifacts.ErrNotFound), errors.Is(err, artifacts.ErrInvalidHash):
			out[h] = ArtifactMissing
		case err != nil:
			return nil, fmt.Errorf("verify artifact %s: %w", h, err)
		case canonicalize.ContentHash(data) != h:
			v.logger.WarnContext(ctx, "artifact hash mismatch", "hash", h)
			out[h] = ArtifactHashMismatch
		default:
			out[h] = ArtifactOK
		}
	}
	return out, nil
}

// VerifyManifests checks the union of blobs referenced by ms.
func (v *Verifier) VerifyManifests(ctx context.Context, ms ...*Manifest) (Availability, error) {
	var hashes []string
	for _, m := range ms {
		hashes = append(hashes, m.ArtifactHashes()...)
	}
	return v.Verify(ctx, hashes)
}
