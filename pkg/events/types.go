package events

// Event types.
const (
	WorkItemCreated   = "WorkItemCreated"
	WorkItemActivated = "WorkItemActivated"
	WorkItemPaused    = "WorkItemPaused"
	WorkItemResumed   = "WorkItemResumed"
	WorkItemClosed    = "WorkItemClosed"

	CandidateMaterialized         = "CandidateMaterialized"
	CandidateVerificationComputed = "CandidateVerificationComputed"

	RunStarted             = "RunStarted"
	RunCompleted           = "RunCompleted"
	EvidenceBundleRecorded = "EvidenceBundleRecorded"

	OracleSuiteRegistered = "OracleSuiteRegistered"
	OracleSuiteRebased    = "OracleSuiteRebased"

	GovernedArtifactVersionRecorded = "GovernedArtifactVersionRecorded"

	ApprovalRecorded = "ApprovalRecorded"
	DecisionRecorded = "DecisionRecorded"

	WaiverCreated      = "WaiverCreated"
	DeviationCreated   = "DeviationCreated"
	DeferralCreated    = "DeferralCreated"
	ExceptionActivated = "ExceptionActivated"
	ExceptionResolved  = "ExceptionResolved"
	ExceptionExpired   = "ExceptionExpired"

	NodeMarkedStale   = "NodeMarkedStale"
	StalenessResolved = "StalenessResolved"

	IntegrityConditionDetected = "IntegrityConditionDetected"
)

// Family groups event types for outbox topics.
type Family string

const (
	FamilyWorkItem   Family = "work_item"
	FamilyCandidate  Family = "candidate"
	FamilyRun        Family = "run"
	FamilyOracle     Family = "oracle"
	FamilyGovernance Family = "governance"
	FamilyApproval   Family = "approval"
	FamilyDecision   Family = "decision"
	FamilyException  Family = "exception"
	FamilyStaleness  Family = "staleness"
	FamilyIntegrity  Family = "integrity"
	FamilyOther      Family = "other"
)

// Node kinds name the addressable entities events and refs point at.
const (
	KindWorkItem  = "work_item"
	KindCandidate = "candidate"
	KindRun       = "run"
	KindEvidence  = "evidence"
	KindSuite     = "suite"
	KindArtifact  = "artifact"
	KindApproval  = "approval"
	KindDecision  = "decision"
	KindException = "exception"
	KindCheck     = "check"
)

var nodeKinds = map[string]bool{
	KindWorkItem: true, KindCandidate: true, KindRun: true, KindEvidence: true,
	KindSuite: true, KindArtifact: true, KindApproval: true, KindDecision: true,
	KindException: true, KindCheck: true,
}

// IsNodeKind reports whether kind names an addressable entity.
func IsNodeKind(kind string) bool { return nodeKinds[kind] }

// Edge relations carried by refs.
const (
	RelAbout        = "about"
	RelDependsOn    = "depends_on"
	RelProduces     = "produces"
	RelVerifies     = "verifies"
	RelApprovedBy   = "approved_by"
	RelAcknowledges = "acknowledges"
	RelSupersedes   = "supersedes"
	RelReleases     = "releases"
	RelSupportedBy  = "supported_by"
	RelGovernedBy   = "governed_by"
	RelInScopeOf    = "in_scope_of"
	RelAffects      = "affects"
	RelStale        = "stale"
	RelRootCause    = "root_cause"
	RelRelatesTo    = "relates_to"
)

var relations = map[string]bool{
	RelAbout: true, RelDependsOn: true, RelProduces: true, RelVerifies: true,
	RelApprovedBy: true, RelAcknowledges: true, RelSupersedes: true, RelReleases: true,
	RelSupportedBy: true, RelGovernedBy: true, RelInScopeOf: true, RelAffects: true,
	RelStale: true, RelRootCause: true, RelRelatesTo: true,
}

// NormalizeRel maps unknown relations to relates_to.
func NormalizeRel(rel string) string {
	if relations[rel] {
		return rel
	}
	return RelRelatesTo
}

// IsBlocking reports whether an edge of this relation gates eligibility and
// carries staleness. Only depends_on does.
func IsBlocking(rel string) bool { return rel == RelDependsOn }

type typeSpec struct {
	family  Family
	subject string
}

var catalog = map[string]typeSpec{
	WorkItemCreated:   {FamilyWorkItem, KindWorkItem},
	WorkItemActivated: {FamilyWorkItem, KindWorkItem},
	WorkItemPaused:    {FamilyWorkItem, KindWorkItem},
	WorkItemResumed:   {FamilyWorkItem, KindWorkItem},
	WorkItemClosed:    {FamilyWorkItem, KindWorkItem},

	CandidateMaterialized:         {FamilyCandidate, KindCandidate},
	CandidateVerificationComputed: {FamilyCandidate, KindCandidate},

	RunStarted:             {FamilyRun, KindRun},
	RunCompleted:           {FamilyRun, KindRun},
	EvidenceBundleRecorded: {FamilyRun, KindEvidence},

	OracleSuiteRegistered: {FamilyOracle, KindSuite},
	OracleSuiteRebased:    {FamilyOracle, KindSuite},

	GovernedArtifactVersionRecorded: {FamilyGovernance, KindArtifact},

	ApprovalRecorded: {FamilyApproval, KindApproval},
	DecisionRecorded: {FamilyDecision, KindDecision},

	WaiverCreated:      {FamilyException, KindException},
	DeviationCreated:   {FamilyException, KindException},
	DeferralCreated:    {FamilyException, KindException},
	ExceptionActivated: {FamilyException, KindException},
	ExceptionResolved:  {FamilyException, KindException},
	ExceptionExpired:   {FamilyException, KindException},

	NodeMarkedStale:   {FamilyStaleness, ""},
	StalenessResolved: {FamilyStaleness, ""},

	IntegrityConditionDetected: {FamilyIntegrity, ""},
}

// Known reports whether eventType is part of the catalog.
func Known(eventType string) bool {
	_, ok := catalog[eventType]
	return ok
}

// FamilyOf returns the family of an event type.
func FamilyOf(eventType string) Family {
	if entry, ok := catalog[eventType]; ok {
		return entry.family
	}
	return FamilyOther
}

// TopicFor returns the outbox topic for an event type.
func TopicFor(eventType string) string {
	return "kernel.events." + string(FamilyOf(eventType))
}

// SubjectKind returns the node kind of the entity an event's stream
// describes, or "" when the stream is not itself a graph node.
func SubjectKind(eventType string) string {
	return catalog[eventType].subject
}

// streamIDFields names the payload field that must repeat the stream id for
// event types whose payload carries its own entity id.
var streamIDFields = map[string]string{
	EvidenceBundleRecorded:          "bundle_id",
	OracleSuiteRegistered:           "suite_id",
	OracleSuiteRebased:              "suite_id",
	GovernedArtifactVersionRecorded: "artifact_id",
}

// StreamIDField returns the payload field bound to the stream id, or "".
func StreamIDField(eventType string) string { return streamIDFields[eventType] }

// NodeID composes the graph identifier of an entity.
func NodeID(kind, id string) string { return kind + ":" + id }

// SubjectNode returns the graph node for the stream of env, if any.
func SubjectNode(env Envelope) (string, bool) {
	kind := SubjectKind(env.EventType)
	if kind == "" {
		return "", false
	}
	return NodeID(kind, env.StreamID), true
}
