package events

import "fmt"

// actorPolicy is the single table of which event types each actor kind may
// produce. It is consulted once, at the append boundary.
var actorPolicy = map[ActorKind][]string{
	ActorHuman: {
		WorkItemCreated, WorkItemActivated, WorkItemPaused, WorkItemResumed, WorkItemClosed,
		GovernedArtifactVersionRecorded,
		OracleSuiteRegistered, OracleSuiteRebased,
		ApprovalRecorded, DecisionRecorded,
		WaiverCreated, DeviationCreated, DeferralCreated,
		ExceptionActivated, ExceptionResolved,
		NodeMarkedStale, StalenessResolved,
	},
	ActorAgent: {
		CandidateMaterialized,
		RunStarted,
	},
	ActorSystem: {
		WorkItemCreated, WorkItemActivated, WorkItemPaused, WorkItemResumed, WorkItemClosed,
		CandidateMaterialized, CandidateVerificationComputed,
		RunStarted,
		GovernedArtifactVersionRecorded,
		OracleSuiteRegistered, OracleSuiteRebased,
		ExceptionExpired,
		NodeMarkedStale, StalenessResolved,
		IntegrityConditionDetected,
	},
	ActorVerificationCheck: {
		RunStarted, RunCompleted,
		EvidenceBundleRecorded,
		StalenessResolved,
	},
}

var allowed = func() map[string]map[ActorKind]bool {
	m := make(map[string]map[ActorKind]bool)
	for kind, types := range actorPolicy {
		for _, t := range types {
			if m[t] == nil {
				m[t] = make(map[ActorKind]bool)
			}
			m[t][kind] = true
		}
	}
	return m
}()

// MayProduce reports whether an actor of the given kind may append eventType.
func MayProduce(kind ActorKind, eventType string) bool {
	return allowed[eventType][kind]
}

// AllowedActors returns the actor kinds permitted for eventType in a stable order.
func AllowedActors(eventType string) []ActorKind {
	var out []ActorKind
	for _, k := range ActorKinds {
		if allowed[eventType][k] {
			out = append(out, k)
		}
	}
	return out
}

// HumanOnly reports whether eventType records human authority.
func HumanOnly(eventType string) bool {
	kinds := AllowedActors(eventType)
	return len(kinds) == 1 && kinds[0] == ActorHuman
}

func checkActor(a Actor, eventType string) error {
	if _, err := ParseActorKind(string(a.Kind)); err != nil {
		return err
	}
	if a.ID == "" {
		return &ValidationError{Field: "actor.id", Reason: "required"}
	}
	if !MayProduce(a.Kind, eventType) {
		return &ValidationError{
			Field:  "actor.kind",
			Reason: fmt.Sprintf("%s may not produce %s (allowed: %v)", a.Kind, eventType, AllowedActors(eventType)),
		}
	}
	return nil
}
