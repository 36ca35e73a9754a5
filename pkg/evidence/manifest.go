// Package evidence defines the evidence bundle manifest recorded by
// EvidenceBundleRecorded events and the check of its referenced blobs.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

const (
	ManifestVersion = "v1"
	ArtifactType    = "evidence.gate_packet"
)

// ErrInvalidManifest is wrapped by every ManifestError.
var ErrInvalidManifest = errors.New("invalid evidence manifest")

// ManifestError names the field that failed validation.
type ManifestError struct {
	Field  string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid evidence manifest: %s: %s", e.Field, e.Reason)
}

func (e *ManifestError) Unwrap() error { return ErrInvalidManifest }

func invalid(field, format string, args ...interface{}) error {
	return &ManifestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Status is the outcome of a single check, and of a bundle as a whole.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

func (s Status) valid() bool {
	switch s {
	case StatusPass, StatusFail, StatusError, StatusSkipped:
		return true
	}
	return false
}

// CheckResult is one oracle check outcome inside a bundle.
type CheckResult struct {
	CheckID      string   `json:"check_id"`
	Status       Status   `json:"status"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	ArtifactRefs []string `json:"artifact_refs,omitempty"`
	OutputHash   string   `json:"output_hash,omitempty"`
}

// Artifact describes a blob captured during the run.
type Artifact struct {
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// NewArtifact describes data as an artifact addressed by its content hash.
func NewArtifact(name, contentType string, data []byte) Artifact {
	return Artifact{
		Name:        name,
		ContentHash: canonicalize.ContentHash(data),
		ContentType: contentType,
		Size:        int64(len(data)),
	}
}

// Manifest is the evidence.gate_packet document. It is the payload of an
// EvidenceBundleRecorded event; the bundle id is also the stream id.
type Manifest struct {
	Version        string                 `json:"version"`
	ArtifactType   string                 `json:"artifact_type"`
	BundleID       string                 `json:"bundle_id"`
	RunID          string                 `json:"run_id"`
	CandidateID    string                 `json:"candidate_id"`
	SuiteID        string                 `json:"suite_id"`
	SuiteHash      string                 `json:"suite_hash"`
	RunStartedAt   time.Time              `json:"run_started_at"`
	RunCompletedAt time.Time              `json:"run_completed_at"`
	Environment    map[string]string      `json:"environment,omitempty"`
	Results        []CheckResult          `json:"results"`
	Verdict        Status                 `json:"verdict"`
	Artifacts      []Artifact             `json:"artifacts,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ComputeVerdict aggregates results: error beats fail beats pass, skipped
// is neutral, and an empty result set is an error.
func ComputeVerdict(results []CheckResult) Status {
	if len(results) == 0 {
		return StatusError
	}
	verdict := StatusPass
	for _, r := range results {
		switch r.Status {
		case StatusError:
			return StatusError
		case StatusFail:
			verdict = StatusFail
		}
	}
	return verdict
}

// Validate checks the manifest is well-formed and that its verdict is the
// one its results imply.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return invalid("version", "expected %q, got %q", ManifestVersion, m.Version)
	}
	if m.ArtifactType != ArtifactType {
		return invalid("artifact_type", "expected %q, got %q", ArtifactType, m.ArtifactType)
	}
	for _, f := range []struct{ name, value string }{
		{"bundle_id", m.BundleID},
		{"run_id", m.RunID},
		{"candidate_id", m.CandidateID},
		{"suite_id", m.SuiteID},
		{"suite_hash", m.SuiteHash},
	} {
		if f.value == "" {
			return invalid(f.name, "required")
		}
	}
	if m.RunStartedAt.IsZero() || m.RunCompletedAt.IsZero() {
		return invalid("run_completed_at", "run timestamps are required")
	}
	if m.RunCompletedAt.Before(m.RunStartedAt) {
		return invalid("run_completed_at", "completed before started")
	}

	for i, r := range m.Results {
		if r.CheckID == "" {
			return invalid(fmt.Sprintf("results[%d].check_id", i), "required")
		}
		if !r.Status.valid() {
			return invalid(fmt.Sprintf("results[%d].status", i), "unknown status %q", r.Status)
		}
		for j, ref := range r.ArtifactRefs {
			if !canonicalize.IsContentHash(ref) {
				return invalid(fmt.Sprintf("results[%d].artifact_refs[%d]", i, j), "not a sha256 content hash")
			}
		}
	}

	names := make(map[string]bool, len(m.Artifacts))
	for i, a := range m.Artifacts {
		if names[a.Name] {
			return invalid(fmt.Sprintf("artifacts[%d].name", i), "duplicate artifact %q", a.Name)
		}
		names[a.Name] = true
		if !canonicalize.IsContentHash(a.ContentHash) {
			return invalid(fmt.Sprintf("artifacts[%d].content_hash", i), "not a sha256 content hash")
		}
	}

	if want := ComputeVerdict(m.Results); m.Verdict != want {
		return invalid("verdict", "declared %q, results imply %q", m.Verdict, want)
	}
	return nil
}

// Hash is the content hash of the manifest's canonical JSON.
func (m *Manifest) Hash() (string, error) {
	return canonicalize.CanonicalContentHash(m)
}

// Result returns the result for checkID. When a check was reported more
// than once the aggregate of its entries is returned.
func (m *Manifest) Result(checkID string) (CheckResult, bool) {
	var (
		out   CheckResult
		found []CheckResult
	)
	for _, r := range m.Results {
		if r.CheckID == checkID {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return out, false
	case 1:
		return found[0], true
	}
	out = found[0]
	out.Status = ComputeVerdict(found)
	return out, true
}

// ArtifactHashes lists every blob the manifest references, deduplicated
// and sorted.
func (m *Manifest) ArtifactHashes() []string {
	seen := make(map[string]bool)
	for _, a := range m.Artifacts {
		seen[a.ContentHash] = true
	}
	for _, r := range m.Results {
		for _, ref := range r.ArtifactRefs {
			seen[ref] = true
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, invalid("payload", "%v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// PayloadCheck validates EvidenceBundleRecorded payloads. It is installed
// with events.WithPayloadCheck.
func PayloadCheck(payload json.RawMessage) error {
	_, err := ParseManifest(payload)
	return err
}
