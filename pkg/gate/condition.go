// Package gate evaluates a candidate's verification status from its
// evidence, the oracle suites, active waivers and graph staleness.
//
// Evaluate is a pure function of its Input. Service assembles the input
// from the read models and optionally records the result as events.
package gate

import (
	"github.com/sgttomas/solver-ralph-sub008/pkg/canonicalize"
)

// ConditionKind is one of the integrity conditions. None can be waived.
type ConditionKind string

const (
	OracleGap         ConditionKind = "ORACLE_GAP"
	OracleTamper      ConditionKind = "ORACLE_TAMPER"
	OracleEnvMismatch ConditionKind = "ORACLE_ENV_MISMATCH"
	OracleFlake       ConditionKind = "ORACLE_FLAKE"
	EvidenceMissing   ConditionKind = "EVIDENCE_MISSING"
)

// Condition is a detected integrity violation. Fingerprint is stable for
// the same candidate, kind and detail, so recording it twice is a no-op.
type Condition struct {
	Kind        ConditionKind  `json:"kind"`
	Detail      map[string]any `json:"detail"`
	Fingerprint string         `json:"fingerprint"`
}

func newCondition(candidateID string, kind ConditionKind, detail map[string]any) Condition {
	c := Condition{Kind: kind, Detail: detail}
	fp, err := canonicalize.CanonicalContentHash(map[string]any{
		"candidate_id": candidateID,
		"kind":         kind,
		"detail":       detail,
	})
	if err == nil {
		c.Fingerprint = fp
	}
	return c
}
