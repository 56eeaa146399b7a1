package follow

import (
	"context"

	"github.com/deemkeen/followbridge/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind names a flow for logs and metrics.
type Kind string

const (
	KindFollow       Kind = "follow"
	KindUnfollow     Kind = "unfollow"
	KindRemoteFollow Kind = "remote-follow"
)

// State is a step of a follow or unfollow flow. A flow starts at
// StateStart and ends at StateCommitted or StateFailed.
type State string

const (
	StateStart        State = "START"
	StateAuthPending  State = "AUTH_PENDING"
	StateAuthCallback State = "AUTH_CALLBACK"
	StateResolving    State = "RESOLVING"
	StateDelivering   State = "DELIVERING"
	StateCommitted    State = "COMMITTED"
	StateFailed       State = "FAILED"
)

type flowIDKey struct{}

// NewFlowID returns an id that ties together the log lines of one flow,
// including across the IndieAuth redirect.
func NewFlowID() string {
	return uuid.NewString()
}

func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, id)
}

// FlowID returns the flow id carried by ctx, or "-".
func FlowID(ctx context.Context) string {
	if id, ok := ctx.Value(flowIDKey{}).(string); ok && id != "" {
		return id
	}
	return "-"
}

// Enter logs that the flow in ctx reached state. Terminal states are
// counted.
func Enter(ctx context.Context, log *zap.SugaredLogger, kind Kind, state State, detail string) {
	if detail == "" {
		log.Infof("Flow: %s %s -> %s", FlowID(ctx), kind, state)
	} else {
		log.Infof("Flow: %s %s -> %s (%s)", FlowID(ctx), kind, state, detail)
	}

	switch state {
	case StateCommitted:
		metrics.Flows.WithLabelValues(string(kind), "committed").Inc()
	case StateFailed:
		metrics.Flows.WithLabelValues(string(kind), "failed").Inc()
	}
}
