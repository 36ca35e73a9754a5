package observability

import "go.opentelemetry.io/otel/attribute"

// Kernel semantic convention attributes.
var (
	AttrStreamID    = attribute.Key("kernel.stream.id")
	AttrEventType   = attribute.Key("kernel.event.type")
	AttrGlobalSeq   = attribute.Key("kernel.event.global_seq")
	AttrTopic       = attribute.Key("kernel.outbox.topic")
	AttrProjection  = attribute.Key("kernel.projection.name")
	AttrCandidateID = attribute.Key("kernel.candidate.id")
	AttrCondition   = attribute.Key("kernel.gate.condition")
)

// AppendOperation creates attributes for an event append.
func AppendOperation(streamID, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStreamID.String(streamID),
		AttrEventType.String(eventType),
	}
}

// PublishOperation creates attributes for an outbox relay.
func PublishOperation(topic string, globalSeq int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTopic.String(topic),
		AttrGlobalSeq.Int64(globalSeq),
	}
}

// ProjectionOperation creates attributes for projection apply and rebuild.
func ProjectionOperation(name string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrProjection.String(name)}
}

// GateOperation creates attributes for a verification evaluation.
func GateOperation(candidateID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrCandidateID.String(candidateID)}
}
