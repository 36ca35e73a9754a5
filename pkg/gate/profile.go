package gate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownProfile = errors.New("unknown verification profile")
	ErrInvalidProfile = errors.New("invalid verification profile")
)

// Profile declares which checks of which suite a candidate must pass.
type Profile struct {
	Name           string   `yaml:"name" json:"name"`
	SuiteID        string   `yaml:"suite_id" json:"suite_id"`
	SuiteVersion   string   `yaml:"suite_version,omitempty" json:"suite_version,omitempty"`
	RequiredChecks []string `yaml:"required_checks,omitempty" json:"required_checks,omitempty"`
	AdvisoryChecks []string `yaml:"advisory_checks,omitempty" json:"advisory_checks,omitempty"`
	// WaiverPolicy is an optional CEL expression over check_id,
	// candidate_id and waiver. A waiver applies only where it is true.
	WaiverPolicy string `yaml:"waiver_policy,omitempty" json:"waiver_policy,omitempty"`

	once       sync.Once
	constraint *semver.Constraints
	policy     cel.Program
	compileErr error
}

func (p *Profile) compile() error {
	p.once.Do(func() {
		p.compileErr = p.doCompile()
	})
	return p.compileErr
}

func (p *Profile) doCompile() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.SuiteID == "" {
		return fmt.Errorf("%w: %s: suite_id is required", ErrInvalidProfile, p.Name)
	}
	expr := p.SuiteVersion
	if expr == "" {
		expr = "*"
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return fmt.Errorf("%w: %s: suite_version: %v", ErrInvalidProfile, p.Name, err)
	}
	p.constraint = c

	seen := map[string]bool{}
	for _, id := range append(append([]string(nil), p.RequiredChecks...), p.AdvisoryChecks...) {
		if seen[id] {
			return fmt.Errorf("%w: %s: check %q listed twice", ErrInvalidProfile, p.Name, id)
		}
		seen[id] = true
	}

	if p.WaiverPolicy == "" {
		return nil
	}
	prg, err := compilePolicy(p.WaiverPolicy)
	if err != nil {
		return fmt.Errorf("%w: %s: waiver_policy: %v", ErrInvalidProfile, p.Name, err)
	}
	p.policy = prg
	return nil
}

// Validate compiles the version constraint and waiver policy.
func (p *Profile) Validate() error { return p.compile() }

func compilePolicy(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("check_id", cel.StringType),
		cel.Variable("candidate_id", cel.StringType),
		cel.Variable("waiver", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be boolean, got %s", ast.OutputType())
	}
	return env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
}

// allowsWaiver evaluates the waiver policy. With no policy every scoped
// waiver is allowed.
func (p *Profile) allowsWaiver(candidateID, checkID string, w Waiver) (bool, error) {
	if p.policy == nil {
		return true, nil
	}
	waiver := map[string]any{
		"id":         w.ID,
		"kind":       string(w.Kind),
		"rationale":  w.Rationale,
		"created_by": w.CreatedBy,
		"expires":    w.ExpiresAt != nil,
	}
	out, _, err := p.policy.Eval(map[string]any{
		"check_id":     checkID,
		"candidate_id": candidateID,
		"waiver":       waiver,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("waiver policy returned %T", out.Value())
	}
	return ok, nil
}

// Profiles is a named set of verification profiles with a default.
type Profiles struct {
	byName  map[string]*Profile
	Default string
}

type profileDocument struct {
	Default  string     `yaml:"default"`
	Profiles []*Profile `yaml:"profiles"`
}

// ParseProfiles reads a profiles document:
//
//	default: standard
//	profiles:
//	  - name: standard
//	    suite_id: core
//	    suite_version: ^1.0.0
//	    required_checks: [build, unit]
//
// The document's default wins; otherwise fallback is used when it names a
// defined profile, and the first profile when it does not.
func ParseProfiles(data []byte, fallback string) (*Profiles, error) {
	var doc profileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	def := doc.Default
	if def == "" {
		for _, p := range doc.Profiles {
			if p.Name == fallback {
				def = fallback
			}
		}
	}
	return NewProfiles(def, doc.Profiles...)
}

// NewProfiles validates and indexes profiles. An empty def selects the
// first profile.
func NewProfiles(def string, profiles ...*Profile) (*Profiles, error) {
	ps := &Profiles{byName: make(map[string]*Profile, len(profiles)), Default: def}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ps.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: %s defined twice", ErrInvalidProfile, p.Name)
		}
		ps.byName[p.Name] = p
	}
	if ps.Default == "" && len(profiles) > 0 {
		ps.Default = profiles[0].Name
	}
	if ps.Default != "" && ps.byName[ps.Default] == nil {
		return nil, fmt.Errorf("%w: default %q is not defined", ErrInvalidProfile, ps.Default)
	}
	return ps, nil
}

// Lookup resolves name, falling back to the default when name is empty.
func (ps *Profiles) Lookup(name string) (*Profile, error) {
	if name == "" {
		name = ps.Default
	}
	p, ok := ps.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

func (ps *Profiles) Names() []string {
	out := make([]string, 0, len(ps.byName))
	for n := range ps.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
