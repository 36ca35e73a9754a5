package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
	"github.com/sgttomas/solver-ralph-sub008/pkg/projection"
)

const SuitesProjection = "suites"

type SuiteCheck struct {
	CheckID       string `json:"check_id"`
	Deterministic bool   `json:"deterministic"`
}

// SuiteVersion is one registered version of an oracle suite.
type SuiteVersion struct {
	SuiteID     string            `json:"suite_id"`
	Version     string            `json:"version"`
	SuiteHash   string            `json:"suite_hash"`
	Checks      []SuiteCheck      `json:"checks"`
	Environment map[string]string `json:"environment,omitempty"`
	Rebased     bool              `json:"rebased"`
	RecordedAt  time.Time         `json:"recorded_at"`
	EventID     string            `json:"event_id"`
}

// Check returns the declared check, if the suite has it.
func (s SuiteVersion) Check(checkID string) (SuiteCheck, bool) {
	for _, c := range s.Checks {
		if c.CheckID == checkID {
			return c, true
		}
	}
	return SuiteCheck{}, false
}

type suitePayload struct {
	SuiteID     string            `json:"suite_id"`
	Version     string            `json:"version"`
	SuiteHash   string            `json:"suite_hash"`
	Checks      []SuiteCheck      `json:"checks"`
	Environment map[string]string `json:"environment"`
}

// SuitePayloadCheck rejects suite registrations whose version is not
// semver or whose checks repeat an id. Install it for both
// OracleSuiteRegistered and OracleSuiteRebased.
func SuitePayloadCheck(payload json.RawMessage) error {
	var p suitePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("suite version %q: %w", p.Version, err)
	}
	seen := make(map[string]bool, len(p.Checks))
	for _, c := range p.Checks {
		if seen[c.CheckID] {
			return fmt.Errorf("duplicate check %q", c.CheckID)
		}
		seen[c.CheckID] = true
	}
	return nil
}

// Suites projects oracle suite versions. The stream id is the suite id; a
// rebase records a new version alongside the old ones.
func Suites() projection.Projection {
	r := newRouter(SuitesProjection)
	record := func(rebased bool) func(*projection.ChangeSet, events.Envelope, suitePayload) error {
		return func(cs *projection.ChangeSet, env events.Envelope, p suitePayload) error {
			s := SuiteVersion{
				SuiteID:     env.StreamID,
				Version:     p.Version,
				SuiteHash:   p.SuiteHash,
				Checks:      p.Checks,
				Environment: p.Environment,
				Rebased:     rebased,
				RecordedAt:  env.OccurredAt,
				EventID:     env.EventID,
			}
			if err := cs.Put("latest", s.SuiteID, currentPointer{Version: s.Version}); err != nil {
				return err
			}
			return cs.Put("versions", projection.Key(s.SuiteID, s.Version), s)
		}
	}
	handle(r, events.OracleSuiteRegistered, record(false))
	handle(r, events.OracleSuiteRebased, record(true))
	return r
}

// SuiteVersions lists the registered versions of a suite.
func SuiteVersions(ctx context.Context, r projection.Reader, suiteID string) ([]SuiteVersion, error) {
	return scan[SuiteVersion](ctx, r, "versions", prefixOf(suiteID))
}

// LatestSuite returns the most recently recorded version of a suite.
func LatestSuite(ctx context.Context, r projection.Reader, suiteID string) (SuiteVersion, bool, error) {
	cur, ok, err := get[currentPointer](ctx, r, "latest", suiteID)
	if err != nil || !ok {
		return SuiteVersion{}, false, err
	}
	return get[SuiteVersion](ctx, r, "versions", projection.Key(suiteID, cur.Version))
}
