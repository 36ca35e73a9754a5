package readmodel

import (
	"context"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const ArtifactsProjection = "artifacts"

// ArtifactVersion is one recorded version of a governed artifact.
type ArtifactVersion struct {
	ArtifactID   string    `json:"artifact_id"`
	ArtifactType string    `json:"artifact_type,omitempty"`
	Version      string    `json:"version"`
	ContentHash  string    `json:"content_hash"`
	Status       string    `json:"status,omitempty"`
	IsCurrent    bool      `json:"is_current"`
	RecordedAt   time.Time `json:"recorded_at"`
	EventID      string    `json:"event_id"`
}

type artifactRecorded struct {
	ArtifactType string `json:"artifact_type"`
	Version      string `json:"version"`
	ContentHash  string `json:"content_hash"`
	Status       string `json:"status"`
	IsCurrent    bool   `json:"is_current"`
}

type currentPointer struct {
	Version string `json:"version"`
}

// Artifacts projects governed artifact versions. The stream id is the
// artifact id. At most one version per artifact is current: promoting a
// version clears the flag on the previous one in the same apply.
func Artifacts() projection.Projection {
	r := newRouter(ArtifactsProjection)
	handle(r, events.GovernedArtifactVersionRecorded, func(cs *projection.ChangeSet, env events.Envelope, p artifactRecorded) error {
		id := env.StreamID
		v := ArtifactVersion{
			ArtifactID:   id,
			ArtifactType: p.ArtifactType,
			Version:      p.Version,
			ContentHash:  p.ContentHash,
			Status:       p.Status,
			IsCurrent:    p.IsCurrent,
			RecordedAt:   env.OccurredAt,
			EventID:      env.EventID,
		}
		if p.IsCurrent {
			var cur currentPointer
			ok, err := cs.GetJSON("current", id, &cur)
			if err != nil {
				return err
			}
			if ok && cur.Version != p.Version {
				var prev ArtifactVersion
				found, err := cs.GetJSON("versions", projection.Key(id, cur.Version), &prev)
				if err != nil {
					return err
				}
				if found {
					prev.IsCurrent = false
					if err := cs.Put("versions", projection.Key(id, cur.Version), prev); err != nil {
						return err
					}
				}
			}
			if err := cs.Put("current", id, currentPointer{Version: p.Version}); err != nil {
				return err
			}
		} else {
			// Re-recording the current version as not current withdraws it.
			var cur currentPointer
			ok, err := cs.GetJSON("current", id, &cur)
			if err != nil {
				return err
			}
			if ok && cur.Version == p.Version {
				cs.Delete("current", id)
			}
		}
		return cs.Put("versions", projection.Key(id, p.Version), v)
	})
	return r
}

// CurrentVersion returns the current version of an artifact, if any.
func CurrentVersion(ctx context.Context, r projection.Reader, artifactID string) (ArtifactVersion, bool, error) {
	cur, ok, err := get[currentPointer](ctx, r, "current", artifactID)
	if err != nil || !ok {
		return ArtifactVersion{}, false, err
	}
	return get[ArtifactVersion](ctx, r, "versions", projection.Key(artifactID, cur.Version))
}

// ArtifactVersions lists every recorded version of an artifact, ordered by
// version string.
func ArtifactVersions(ctx context.Context, r projection.Reader, artifactID string) ([]ArtifactVersion, error) {
	return scan[ArtifactVersion](ctx, r, "versions", prefixOf(artifactID))
}
