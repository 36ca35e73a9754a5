package gate

import (
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sgttomas/solver-ralph-sub008/pkg/evidence"
	"github.com/sgttomas/solver-ralph-sub008/pkg/readmodel"
)

type (
	Suite  = readmodel.SuiteVersion
	Waiver = readmodel.Exception
)

// Outcome is the verification claim for a candidate.
type Outcome string

const (
	VerifiedStrict         Outcome = readmodel.OutcomeVerifiedStrict
	VerifiedWithExceptions Outcome = readmodel.OutcomeVerifiedWithExceptions
	Unverified             Outcome = readmodel.OutcomeUnverified
)

func (o Outcome) Verified() bool {
	return o == VerifiedStrict || o == VerifiedWithExceptions
}

// Staleness is the graph state relevant to a candidate.
type Staleness struct {
	// Candidate is true when the candidate itself has an open marker.
	Candidate bool `json:"candidate"`
	// Dependencies lists dependency nodes with open markers.
	Dependencies []string `json:"dependencies,omitempty"`
	// OpenTruncations lists roots whose propagation stopped at a bound
	// before it could be known whether it reached the candidate.
	OpenTruncations []string `json:"open_truncations,omitempty"`
	// DependenciesTruncated holds the bound (depth or fanout) that cut the
	// dependency walk short. Nodes past it were not checked.
	DependenciesTruncated string `json:"dependencies_truncated,omitempty"`
}

func (s Staleness) Any() bool {
	return s.Candidate || len(s.Dependencies) > 0 || len(s.OpenTruncations) > 0 ||
		s.DependenciesTruncated != ""
}

// Input is everything Evaluate looks at.
type Input struct {
	CandidateID string
	Profile     *Profile
	// Suites are the registered versions of the profile's suite.
	Suites []Suite
	// Bundles are the candidate's evidence manifests in record order.
	Bundles []evidence.Manifest
	// Waivers may include inactive or expired exceptions; Evaluate
	// filters them at At.
	Waivers   []Waiver
	Staleness Staleness
	// Artifacts is the availability of the selected bundle's blobs. A
	// referenced hash absent from the map counts as missing.
	Artifacts evidence.Availability
	At        time.Time
}

// SuiteRef identifies the suite version a status was computed against.
type SuiteRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// CheckOutcome is the per-check view of the selected bundle.
type CheckOutcome struct {
	CheckID  string          `json:"check_id"`
	Required bool            `json:"required"`
	Status   evidence.Status `json:"status,omitempty"`
	Missing  bool            `json:"missing,omitempty"`
	WaivedBy string          `json:"waived_by,omitempty"`
}

// Status is the result of an evaluation.
type Status struct {
	CandidateID string          `json:"candidate_id"`
	Profile     string          `json:"profile"`
	Outcome     Outcome         `json:"outcome"`
	Verdict     evidence.Status `json:"verdict"`
	Shippable   bool            `json:"shippable"`
	Blocked     bool            `json:"blocked"`
	Stale       bool            `json:"stale"`
	Suite       *SuiteRef       `json:"suite,omitempty"`
	BundleID    string          `json:"bundle_id,omitempty"`
	Checks      []CheckOutcome  `json:"checks"`
	Waivers     []string        `json:"waivers,omitempty"`
	Conditions  []Condition     `json:"conditions"`
	Staleness   Staleness       `json:"staleness"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// ResolveSuite returns the highest registered version satisfying the
// profile's constraint.
func ResolveSuite(p *Profile, suites []Suite) (Suite, bool) {
	if p == nil || p.compile() != nil {
		return Suite{}, false
	}
	var (
		best    Suite
		bestVer *semver.Version
	)
	for _, s := range suites {
		if s.SuiteID != p.SuiteID {
			continue
		}
		v, err := semver.NewVersion(s.Version)
		if err != nil || !p.constraint.Check(v) {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = s, v
		}
	}
	return best, bestVer != nil
}

// SelectBundle returns the most recently recorded bundle for suiteID.
func SelectBundle(suiteID string, bundles []evidence.Manifest) (evidence.Manifest, bool) {
	for i := len(bundles) - 1; i >= 0; i-- {
		if bundles[i].SuiteID == suiteID {
			return bundles[i], true
		}
	}
	return evidence.Manifest{}, false
}

// RequiredChecks returns the profile's required checks, or every check the
// suite declares when the profile names none.
func RequiredChecks(p *Profile, suite Suite) []string {
	if len(p.RequiredChecks) > 0 {
		return p.RequiredChecks
	}
	out := make([]string, len(suite.Checks))
	for i, c := range suite.Checks {
		out[i] = c.CheckID
	}
	return out
}

// Evaluate computes the verification status. It reads nothing but in.
func Evaluate(in Input) (st Status) {
	st = Status{
		CandidateID: in.CandidateID,
		Outcome:     Unverified,
		Verdict:     evidence.StatusError,
		Checks:      []CheckOutcome{},
		Conditions:  []Condition{},
		Staleness:   in.Staleness,
		Stale:       in.Staleness.Any(),
		EvaluatedAt: in.At,
	}
	cond := func(kind ConditionKind, detail map[string]any) {
		st.Conditions = append(st.Conditions, newCondition(in.CandidateID, kind, detail))
	}
	defer func() {
		st.Blocked = len(st.Conditions) > 0
		if st.Blocked {
			st.Outcome = Unverified
		}
		st.Shippable = st.Outcome.Verified() && !st.Blocked && !st.Stale
	}()

	p := in.Profile
	if p == nil {
		cond(OracleGap, map[string]any{"reason": "no verification profile"})
		return st
	}
	st.Profile = p.Name
	if err := p.compile(); err != nil {
		cond(OracleGap, map[string]any{"reason": err.Error()})
		return st
	}

	suite, ok := ResolveSuite(p, in.Suites)
	if !ok {
		cond(OracleGap, map[string]any{
			"suite_id":   p.SuiteID,
			"constraint": p.SuiteVersion,
			"reason":     "no registered suite version satisfies the profile",
		})
		return st
	}
	st.Suite = &SuiteRef{ID: suite.SuiteID, Version: suite.Version, Hash: suite.SuiteHash}
	required := RequiredChecks(p, suite)

	bundle, ok := SelectBundle(suite.SuiteID, in.Bundles)
	if !ok {
		cond(OracleGap, map[string]any{
			"suite_id":       suite.SuiteID,
			"missing_checks": stringsAny(required),
			"reason":         "no evidence bundle for suite",
		})
		for _, id := range required {
			st.Checks = append(st.Checks, CheckOutcome{CheckID: id, Required: true, Missing: true})
		}
		return st
	}
	st.BundleID = bundle.BundleID
	st.Verdict = evidence.ComputeVerdict(bundle.Results)

	// 1. gap
	var missing, undeclared []string
	for _, id := range required {
		if _, ok := suite.Check(id); !ok {
			undeclared = append(undeclared, id)
		}
		if _, ok := bundle.Result(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 || len(undeclared) > 0 {
		detail := map[string]any{"suite_id": suite.SuiteID, "bundle_id": bundle.BundleID}
		if len(missing) > 0 {
			detail["missing_checks"] = stringsAny(missing)
		}
		if len(undeclared) > 0 {
			detail["undeclared_checks"] = stringsAny(undeclared)
		}
		cond(OracleGap, detail)
	}

	// 2. tamper
	if bundle.SuiteHash != suite.SuiteHash {
		cond(OracleTamper, map[string]any{
			"suite_id":      suite.SuiteID,
			"bundle_id":     bundle.BundleID,
			"expected_hash": suite.SuiteHash,
			"actual_hash":   bundle.SuiteHash,
		})
	}

	// 3. environment
	for _, key := range sortedKeys(suite.Environment) {
		want := suite.Environment[key]
		got, present := bundle.Environment[key]
		if present && got == want {
			continue
		}
		cond(OracleEnvMismatch, map[string]any{
			"bundle_id":  bundle.BundleID,
			"constraint": key,
			"expected":   want,
			"actual":     got,
		})
	}

	// 4. flake
	for _, c := range suite.Checks {
		if !c.Deterministic {
			continue
		}
		if detail, flaky := flake(c.CheckID, suite.SuiteHash, in.Bundles); flaky {
			cond(OracleFlake, detail)
		}
	}

	// 5. evidence
	for _, h := range bundle.ArtifactHashes() {
		status, checked := in.Artifacts[h]
		if checked && status == evidence.ArtifactOK {
			continue
		}
		if !checked {
			status = evidence.ArtifactMissing
		}
		cond(EvidenceMissing, map[string]any{
			"bundle_id":    bundle.BundleID,
			"content_hash": h,
			"status":       string(status),
		})
	}

	// 6. outcome
	isRequired := make(map[string]bool, len(required))
	for _, id := range required {
		isRequired[id] = true
	}
	waivers := activeWaivers(in)
	outcome := VerifiedStrict
	for _, id := range required {
		co := CheckOutcome{CheckID: id, Required: true}
		r, ok := bundle.Result(id)
		switch {
		case !ok:
			co.Missing = true
			outcome = Unverified
		case r.Status == evidence.StatusPass:
			co.Status = r.Status
		case r.Status == evidence.StatusFail:
			co.Status = r.Status
			if w, ok := coveringWaiver(p, in.CandidateID, id, waivers); ok {
				co.WaivedBy = w
				st.Waivers = append(st.Waivers, w)
				if outcome == VerifiedStrict {
					outcome = VerifiedWithExceptions
				}
			} else {
				outcome = Unverified
			}
		default:
			co.Status = r.Status
			outcome = Unverified
		}
		st.Checks = append(st.Checks, co)
	}
	for _, id := range p.AdvisoryChecks {
		if isRequired[id] {
			continue
		}
		co := CheckOutcome{CheckID: id}
		if r, ok := bundle.Result(id); ok {
			co.Status = r.Status
		} else {
			co.Missing = true
		}
		st.Checks = append(st.Checks, co)
	}
	st.Outcome = outcome
	return st
}

// flake reports whether a deterministic check produced different results
// across bundles run against the same suite hash.
func flake(checkID, suiteHash string, bundles []evidence.Manifest) (map[string]any, bool) {
	statuses := map[evidence.Status]bool{}
	outputs := map[string]bool{}
	var bundleIDs []string
	for i := range bundles {
		b := &bundles[i]
		if b.SuiteHash != suiteHash {
			continue
		}
		r, ok := b.Result(checkID)
		if !ok || r.Status == evidence.StatusSkipped {
			continue
		}
		statuses[r.Status] = true
		if r.OutputHash != "" {
			outputs[r.OutputHash] = true
		}
		bundleIDs = append(bundleIDs, b.BundleID)
	}
	if len(statuses) < 2 && len(outputs) < 2 {
		return nil, false
	}
	seen := make([]string, 0, len(statuses))
	for s := range statuses {
		seen = append(seen, string(s))
	}
	sort.Strings(seen)
	return map[string]any{
		"check_id":      checkID,
		"statuses":      stringsAny(seen),
		"output_hashes": stringsAny(sortedSet(outputs)),
		"bundle_ids":    stringsAny(bundleIDs),
	}, true
}

func activeWaivers(in Input) []Waiver {
	var out []Waiver
	for _, w := range in.Waivers {
		if w.Kind != readmodel.KindWaiver || !w.InForce(in.At) {
			continue
		}
		if w.Scope.CandidateID != in.CandidateID {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// coveringWaiver returns the first waiver scoped to exactly this check
// that the profile's policy admits.
func coveringWaiver(p *Profile, candidateID, checkID string, waivers []Waiver) (string, bool) {
	for _, w := range waivers {
		if w.Scope.CheckID != checkID {
			continue
		}
		ok, err := p.allowsWaiver(candidateID, checkID, w)
		if err != nil || !ok {
			continue
		}
		return w.ID, true
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// stringsAny keeps detail values JSON-shaped for fingerprinting.
func stringsAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
