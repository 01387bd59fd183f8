// Package telemetry wraps relay lifecycle operations in OpenTelemetry spans.
// An operation announces its planned steps up front; each step then runs in
// a child span.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "relayctl"

	PlanEventName  = "relay.plan"
	PlanVersion    = "1"
	PlanVersionKey = "relay.plan.version"
	PlanJSONKey    = "relay.plan.json"

	PodKey     = "relay.pod"
	SiteKey    = "relay.site"
	KindKey    = "relay.kind"
	OutcomeKey = "relay.outcome"

	defaultOperationID = "relay.operation"
)

type PlannedStep struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Steps builds a plan from alternating id/title pairs.
func Steps(idTitle ...string) Plan {
	var p Plan
	for i := 0; i+1 < len(idTitle); i += 2 {
		p.Steps = append(p.Steps, PlannedStep{ID: idTitle[i], Title: idTitle[i+1]})
	}
	return p
}

// DefaultTracer returns the tracer of the global provider, a no-op unless
// the process installed one.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

func Start(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("start telemetry operation: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("start telemetry operation: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("start telemetry operation: marshal plan: %w", err)
	}

	startAttrs := append([]attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}, attrs...)
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(startAttrs...))
	span.AddEvent(PlanEventName, trace.WithAttributes(
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// SetAttributes annotates the operation span, e.g. once the pod is known.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}

	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID)
	defer span.End()

	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := seen[stepID]; exists {
			return fmt.Errorf("duplicate step id %q", stepID)
		}
		seen[stepID] = struct{}{}
	}
	return nil
}
