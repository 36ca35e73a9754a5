package evidence

import (
	"time"
)

// Builder assembles a Manifest. The verdict is always computed, never set.
type Builder struct {
	m Manifest
}

func NewBuilder(bundleID, runID, candidateID string) *Builder {
	return &Builder{m: Manifest{
		Version:      ManifestVersion,
		ArtifactType: ArtifactType,
		BundleID:     bundleID,
		RunID:        runID,
		CandidateID:  candidateID,
		Results:      []CheckResult{},
	}}
}

func (b *Builder) Suite(id, hash string) *Builder {
	b.m.SuiteID, b.m.SuiteHash = id, hash
	return b
}

func (b *Builder) RunTimes(started, completed time.Time) *Builder {
	b.m.RunStartedAt, b.m.RunCompletedAt = started.UTC(), completed.UTC()
	return b
}

func (b *Builder) Environment(key, value string) *Builder {
	if b.m.Environment == nil {
		b.m.Environment = make(map[string]string)
	}
	b.m.Environment[key] = value
	return b
}

func (b *Builder) Result(r CheckResult) *Builder {
	b.m.Results = append(b.m.Results, r)
	return b
}

func (b *Builder) Artifact(a Artifact) *Builder {
	b.m.Artifacts = append(b.m.Artifacts, a)
	return b
}

func (b *Builder) Metadata(key string, value interface{}) *Builder {
	if b.m.Metadata == nil {
		b.m.Metadata = make(map[string]interface{})
	}
	b.m.Metadata[key] = value
	return b
}

// Build computes the verdict and validates the result.
func (b *Builder) Build() (*Manifest, error) {
	m := b.m
	m.Results = append([]CheckResult{}, b.m.Results...)
	m.Artifacts = append([]Artifact(nil), b.m.Artifacts...)
	m.Verdict = ComputeVerdict(m.Results)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
