package ui

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"relayctl/pkg/telemetry"
)

type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepDone    stepStatus = "done"
	stepFailed  stepStatus = "failed"
)

type stepState struct {
	ID      string
	Title   string
	Status  stepStatus
	Message string
}

// stepObserver folds plan announcements and step span events into ordered
// snapshots. Steps that ran without being planned are appended in order.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func([]stepState)
}

func newStepObserver(reporter func([]stepState)) *stepObserver {
	return &stepObserver{steps: make(map[string]stepState), reporter: reporter}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		id := strings.TrimSpace(planned.ID)
		if id == "" {
			continue
		}
		step := o.ensureLocked(id)
		if title := strings.TrimSpace(planned.Title); title != "" {
			step.Title = title
		}
		o.steps[id] = step
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.Status = stepRunning
	step.Message = ""
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(id string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(id)
	step.Status = stepDone
	step.Message = ""
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	}
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) ensureLocked(id string) stepState {
	id = strings.TrimSpace(id)
	if step, ok := o.steps[id]; ok {
		return step
	}
	o.order = append(o.order, id)
	step := stepState{ID: id, Title: id, Status: stepPending}
	o.steps[id] = step
	return step
}

// emitLocked reports every known step in announcement order. Planned steps
// an operation skipped stay pending.
func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}
	out := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.steps[id])
	}
	o.reporter(out)
}

// stepSpanProcessor feeds operation spans into a stepObserver: the root
// span carries the plan, child spans are the steps.
type stepSpanProcessor struct {
	observer *stepObserver
}

var _ sdktrace.SpanProcessor = (*stepSpanProcessor)(nil)

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}
	raw := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(raw) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
